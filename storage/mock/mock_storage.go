// Package mock provides a GrantStore for tests that need to inject failures
// or count calls while keeping real storage semantics for everything else.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth-grants/storage"
)

// GrantStore delegates to an underlying store unless the matching Func field
// is set. Every call is counted by method name.
type GrantStore struct {
	delegate storage.GrantStore

	PutCodeFunc              func(ctx context.Context, code *storage.AuthorizationCode) error
	TakeCodeFunc             func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	ExchangeCodeFunc         func(ctx context.Context, exchange storage.CodeExchange) (*storage.AuthorizationCode, *storage.Grant, error)
	PutGrantFunc             func(ctx context.Context, grant *storage.Grant) error
	ReplaceGrantFunc         func(ctx context.Context, oldRefreshToken string, newGrant *storage.Grant) error
	FindByAccessTokenFunc    func(ctx context.Context, accessToken string) (*storage.Grant, error)
	FindByRefreshTokenFunc   func(ctx context.Context, refreshToken string) (*storage.Grant, error)
	FindAllForFunc           func(ctx context.Context, contextID, userID string) ([]*storage.Grant, error)
	DeleteByAccessTokenFunc  func(ctx context.Context, accessToken string) (bool, error)
	DeleteByRefreshTokenFunc func(ctx context.Context, refreshToken string) (bool, error)
	DeleteAllForFunc         func(ctx context.Context, clientID, contextID, userID string) (int, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.GrantStore = (*GrantStore)(nil)

// NewGrantStore creates a mock over delegate. A nil delegate makes every
// method without a Func override panic.
func NewGrantStore(delegate storage.GrantStore) *GrantStore {
	return &GrantStore{
		delegate:   delegate,
		callCounts: make(map[string]int),
	}
}

// FailAll makes every method return err.
func (m *GrantStore) FailAll(err error) *GrantStore {
	m.PutCodeFunc = func(context.Context, *storage.AuthorizationCode) error { return err }
	m.TakeCodeFunc = func(context.Context, string) (*storage.AuthorizationCode, error) { return nil, err }
	m.ExchangeCodeFunc = func(context.Context, storage.CodeExchange) (*storage.AuthorizationCode, *storage.Grant, error) {
		return nil, nil, err
	}
	m.PutGrantFunc = func(context.Context, *storage.Grant) error { return err }
	m.ReplaceGrantFunc = func(context.Context, string, *storage.Grant) error { return err }
	m.FindByAccessTokenFunc = func(context.Context, string) (*storage.Grant, error) { return nil, err }
	m.FindByRefreshTokenFunc = func(context.Context, string) (*storage.Grant, error) { return nil, err }
	m.FindAllForFunc = func(context.Context, string, string) ([]*storage.Grant, error) { return nil, err }
	m.DeleteByAccessTokenFunc = func(context.Context, string) (bool, error) { return false, err }
	m.DeleteByRefreshTokenFunc = func(context.Context, string) (bool, error) { return false, err }
	m.DeleteAllForFunc = func(context.Context, string, string, string) (int, error) { return 0, err }
	return m
}

// CallCount returns how many times method was called.
func (m *GrantStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *GrantStore) count(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

// PutCode implements storage.GrantStore.
func (m *GrantStore) PutCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.count("PutCode")
	if m.PutCodeFunc != nil {
		return m.PutCodeFunc(ctx, code)
	}
	return m.delegate.PutCode(ctx, code)
}

// TakeCode implements storage.GrantStore.
func (m *GrantStore) TakeCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.count("TakeCode")
	if m.TakeCodeFunc != nil {
		return m.TakeCodeFunc(ctx, code)
	}
	return m.delegate.TakeCode(ctx, code)
}

// ExchangeCode implements storage.GrantStore.
func (m *GrantStore) ExchangeCode(ctx context.Context, exchange storage.CodeExchange) (*storage.AuthorizationCode, *storage.Grant, error) {
	m.count("ExchangeCode")
	if m.ExchangeCodeFunc != nil {
		return m.ExchangeCodeFunc(ctx, exchange)
	}
	return m.delegate.ExchangeCode(ctx, exchange)
}

// PutGrant implements storage.GrantStore.
func (m *GrantStore) PutGrant(ctx context.Context, grant *storage.Grant) error {
	m.count("PutGrant")
	if m.PutGrantFunc != nil {
		return m.PutGrantFunc(ctx, grant)
	}
	return m.delegate.PutGrant(ctx, grant)
}

// ReplaceGrant implements storage.GrantStore.
func (m *GrantStore) ReplaceGrant(ctx context.Context, oldRefreshToken string, newGrant *storage.Grant) error {
	m.count("ReplaceGrant")
	if m.ReplaceGrantFunc != nil {
		return m.ReplaceGrantFunc(ctx, oldRefreshToken, newGrant)
	}
	return m.delegate.ReplaceGrant(ctx, oldRefreshToken, newGrant)
}

// FindByAccessToken implements storage.GrantStore.
func (m *GrantStore) FindByAccessToken(ctx context.Context, accessToken string) (*storage.Grant, error) {
	m.count("FindByAccessToken")
	if m.FindByAccessTokenFunc != nil {
		return m.FindByAccessTokenFunc(ctx, accessToken)
	}
	return m.delegate.FindByAccessToken(ctx, accessToken)
}

// FindByRefreshToken implements storage.GrantStore.
func (m *GrantStore) FindByRefreshToken(ctx context.Context, refreshToken string) (*storage.Grant, error) {
	m.count("FindByRefreshToken")
	if m.FindByRefreshTokenFunc != nil {
		return m.FindByRefreshTokenFunc(ctx, refreshToken)
	}
	return m.delegate.FindByRefreshToken(ctx, refreshToken)
}

// FindAllFor implements storage.GrantStore.
func (m *GrantStore) FindAllFor(ctx context.Context, contextID, userID string) ([]*storage.Grant, error) {
	m.count("FindAllFor")
	if m.FindAllForFunc != nil {
		return m.FindAllForFunc(ctx, contextID, userID)
	}
	return m.delegate.FindAllFor(ctx, contextID, userID)
}

// DeleteByAccessToken implements storage.GrantStore.
func (m *GrantStore) DeleteByAccessToken(ctx context.Context, accessToken string) (bool, error) {
	m.count("DeleteByAccessToken")
	if m.DeleteByAccessTokenFunc != nil {
		return m.DeleteByAccessTokenFunc(ctx, accessToken)
	}
	return m.delegate.DeleteByAccessToken(ctx, accessToken)
}

// DeleteByRefreshToken implements storage.GrantStore.
func (m *GrantStore) DeleteByRefreshToken(ctx context.Context, refreshToken string) (bool, error) {
	m.count("DeleteByRefreshToken")
	if m.DeleteByRefreshTokenFunc != nil {
		return m.DeleteByRefreshTokenFunc(ctx, refreshToken)
	}
	return m.delegate.DeleteByRefreshToken(ctx, refreshToken)
}

// DeleteAllFor implements storage.GrantStore.
func (m *GrantStore) DeleteAllFor(ctx context.Context, clientID, contextID, userID string) (int, error) {
	m.count("DeleteAllFor")
	if m.DeleteAllForFunc != nil {
		return m.DeleteAllForFunc(ctx, clientID, contextID, userID)
	}
	return m.delegate.DeleteAllFor(ctx, clientID, contextID, userID)
}
