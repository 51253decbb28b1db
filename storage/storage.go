package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/security"
)

const (
	// MaxTokenLength bounds codes, access tokens and refresh tokens accepted by a store.
	MaxTokenLength = 512

	// MaxIDLength bounds client ids, context ids, user ids and grant ids.
	MaxIDLength = 256
)

var (
	// ErrNotFound is returned when a code or grant does not exist or is structurally expired.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a code or token value is already in use.
	ErrDuplicate = errors.New("duplicate value")

	// ErrStaleRefreshToken is returned by ReplaceGrant when the presented refresh
	// token is no longer the live refresh token of the grant.
	ErrStaleRefreshToken = errors.New("stale refresh token")

	// ErrClientMismatch is returned by ExchangeCode when the code was issued to another client.
	ErrClientMismatch = errors.New("client mismatch")

	// ErrRedirectMismatch is returned by ExchangeCode when the redirect URI differs
	// from the one recorded at issuance.
	ErrRedirectMismatch = errors.New("redirect URI mismatch")

	// ErrInvalidInput is returned for records that fail basic validation before reaching a backend.
	ErrInvalidInput = errors.New("invalid input")
)

// AuthorizationCode is a pending single-use authorization code
type AuthorizationCode struct {
	Code        string
	ClientID    string
	RedirectURI string
	Scope       scope.Scope
	ContextID   string
	UserID      string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// IsExpired reports whether the code can no longer be redeemed at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return security.IsExpiredAt(now, c.ExpiresAt)
}

// Clone returns a copy of the code. Scope is immutable and shared.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Grant binds a client, a subject and a scope to a live token pair.
type Grant struct {
	// ID is the store-internal identifier; it is stable across rotation.
	ID string

	ContextID string
	UserID    string
	ClientID  string

	AccessToken string
	// RefreshToken is empty for access-token-only grants.
	RefreshToken string

	Scope scope.Scope

	// IssuedAt is when the code was redeemed. Rotation keeps it.
	IssuedAt time.Time
	// RefreshedAt is when the token pair was last rotated (zero if never).
	RefreshedAt time.Time
	// ExpiresAt is the access token expiration date.
	ExpiresAt time.Time
}

// HasRefreshToken reports whether the grant can be refreshed.
func (g *Grant) HasRefreshToken() bool {
	return g.RefreshToken != ""
}

// IsAccessTokenExpired reports whether the access token is past its expiration date at now.
func (g *Grant) IsAccessTokenExpired(now time.Time) bool {
	return security.IsExpiredAt(now, g.ExpiresAt)
}

// IsLive reports whether the grant still exists from the store's point of view.
// Refresh-bearing grants outlive their access token; access-token-only grants
// die with it.
func (g *Grant) IsLive(now time.Time) bool {
	return g.HasRefreshToken() || !g.IsAccessTokenExpired(now)
}

// Clone returns a copy of the grant.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	cp := *g
	return &cp
}

// CodeExchange describes one atomic code redemption.
//
// Grant is a template: the store copies ClientID, Scope, ContextID and UserID
// from the consumed code and keeps ID, AccessToken, RefreshToken, IssuedAt and
// ExpiresAt as given.
type CodeExchange struct {
	Code        string
	ClientID    string
	RedirectURI string
	Grant       *Grant
}

// SweepResult reports how many records a sweep evicted.
type SweepResult struct {
	Codes  int
	Grants int
}

// Total returns the number of evicted records.
func (r SweepResult) Total() int {
	return r.Codes + r.Grants
}

// GrantStore persists authorization codes and grants.
// All methods accept context.Context for tracing, cancellation and timeouts.
type GrantStore interface {
	// PutCode inserts a code. Returns ErrDuplicate if the code string is in use.
	PutCode(ctx context.Context, code *AuthorizationCode) error

	// TakeCode atomically fetches and deletes a code.
	// Returns ErrNotFound if absent or expired. Among concurrent callers
	// presenting the same code exactly one receives the record.
	TakeCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ExchangeCode consumes a code and installs the grant built from it as one
	// atomic step. Returns:
	//   - ErrNotFound if the code is absent or expired
	//   - ErrClientMismatch / ErrRedirectMismatch if the binding differs; the code is consumed
	//   - ErrDuplicate if a token value collides; the code is NOT consumed
	ExchangeCode(ctx context.Context, exchange CodeExchange) (*AuthorizationCode, *Grant, error)

	// PutGrant inserts a grant. Returns ErrDuplicate if a token value is in use.
	PutGrant(ctx context.Context, grant *Grant) error

	// ReplaceGrant installs newGrant (identified by newGrant.ID) if and only if
	// oldRefreshToken is still the grant's live refresh token, retiring the old
	// access and refresh tokens in the same step. Returns ErrStaleRefreshToken
	// otherwise.
	ReplaceGrant(ctx context.Context, oldRefreshToken string, newGrant *Grant) error

	// FindByAccessToken returns the grant owning the access token.
	// Returns ErrNotFound for unknown tokens and structurally expired grants.
	FindByAccessToken(ctx context.Context, accessToken string) (*Grant, error)

	// FindByRefreshToken returns the grant owning the refresh token.
	FindByRefreshToken(ctx context.Context, refreshToken string) (*Grant, error)

	// FindAllFor returns every live grant of the subject.
	FindAllFor(ctx context.Context, contextID, userID string) ([]*Grant, error)

	// DeleteByAccessToken removes the whole grant owning the access token.
	// Returns whether a grant was removed.
	DeleteByAccessToken(ctx context.Context, accessToken string) (bool, error)

	// DeleteByRefreshToken removes the whole grant owning the refresh token.
	DeleteByRefreshToken(ctx context.Context, refreshToken string) (bool, error)

	// DeleteAllFor removes every grant of the subject issued to clientID,
	// all or nothing, and returns how many were removed.
	DeleteAllFor(ctx context.Context, clientID, contextID, userID string) (int, error)
}

// Sweepable is implemented by stores that can evict expired records on demand.
type Sweepable interface {
	SweepExpired(ctx context.Context) (SweepResult, error)
}

// ValidateCode checks a code record before it is stored.
func ValidateCode(c *AuthorizationCode) error {
	if c == nil {
		return fmt.Errorf("%w: code cannot be nil", ErrInvalidInput)
	}
	if err := validateToken("code", c.Code); err != nil {
		return err
	}
	if err := validateIDs(c.ClientID, c.ContextID, c.UserID); err != nil {
		return err
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("%w: redirect URI cannot be empty", ErrInvalidInput)
	}
	if c.Scope.IsEmpty() {
		return fmt.Errorf("%w: scope cannot be empty", ErrInvalidInput)
	}
	if c.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: code must expire", ErrInvalidInput)
	}
	return nil
}

// ValidateGrant checks a grant record before it is stored.
func ValidateGrant(g *Grant) error {
	if g == nil {
		return fmt.Errorf("%w: grant cannot be nil", ErrInvalidInput)
	}
	if g.ID == "" || len(g.ID) > MaxIDLength {
		return fmt.Errorf("%w: invalid grant id", ErrInvalidInput)
	}
	if err := validateToken("access token", g.AccessToken); err != nil {
		return err
	}
	if g.RefreshToken != "" {
		if err := validateToken("refresh token", g.RefreshToken); err != nil {
			return err
		}
		if g.RefreshToken == g.AccessToken {
			return fmt.Errorf("%w: access and refresh token must differ", ErrDuplicate)
		}
	}
	if err := validateIDs(g.ClientID, g.ContextID, g.UserID); err != nil {
		return err
	}
	if g.Scope.IsEmpty() {
		return fmt.Errorf("%w: scope cannot be empty", ErrInvalidInput)
	}
	return nil
}

// ValidateExchange checks the parts of an exchange the caller controls.
func ValidateExchange(e CodeExchange) error {
	if err := validateToken("code", e.Code); err != nil {
		return err
	}
	if e.Grant == nil {
		return fmt.Errorf("%w: grant template cannot be nil", ErrInvalidInput)
	}
	if e.Grant.ID == "" || len(e.Grant.ID) > MaxIDLength {
		return fmt.Errorf("%w: invalid grant id", ErrInvalidInput)
	}
	if err := validateToken("access token", e.Grant.AccessToken); err != nil {
		return err
	}
	if e.Grant.RefreshToken != "" {
		if err := validateToken("refresh token", e.Grant.RefreshToken); err != nil {
			return err
		}
		if e.Grant.RefreshToken == e.Grant.AccessToken {
			return fmt.Errorf("%w: access and refresh token must differ", ErrDuplicate)
		}
	}
	return nil
}

// GrantFromCode fills a grant template with the binding recorded on a code.
func GrantFromCode(template *Grant, code *AuthorizationCode) *Grant {
	g := template.Clone()
	g.ClientID = code.ClientID
	g.Scope = code.Scope
	g.ContextID = code.ContextID
	g.UserID = code.UserID
	return g
}

func validateToken(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidInput, name)
	}
	if len(value) > MaxTokenLength {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidInput, name, MaxTokenLength)
	}
	return nil
}

func validateIDs(clientID, contextID, userID string) error {
	for _, f := range []struct{ name, value string }{
		{"client id", clientID},
		{"context id", contextID},
		{"user id", userID},
	} {
		if f.value == "" {
			return fmt.Errorf("%w: %s cannot be empty", ErrInvalidInput, f.name)
		}
		if len(f.value) > MaxIDLength {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidInput, f.name, MaxIDLength)
		}
	}
	return nil
}
