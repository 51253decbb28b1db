package memory

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-grants/clock"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

const backendName = "memory"

type subjectKey struct {
	contextID string
	userID    string
}

// Store is an in-memory implementation of storage.GrantStore.
type Store struct {
	mu sync.RWMutex

	codes map[string]*storage.AuthorizationCode // code -> record

	grants    map[string]*storage.Grant          // grant id -> record
	byAccess  map[string]string                  // access token -> grant id
	byRefresh map[string]string                  // refresh token -> grant id
	bySubject map[subjectKey]map[string]struct{} // (contextId, userId) -> grant ids

	clock clock.Clock

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	sizeCallbacks   metric.Registration

	// Atomic counters for metrics (lock-free access during metric collection)
	codesCountAtomic  atomic.Int64
	grantsCountAtomic atomic.Int64

	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.GrantStore = (*Store)(nil)
	_ storage.Sweepable  = (*Store)(nil)
)

// New creates a new in-memory store using the real clock
func New() *Store {
	return NewWithClock(clock.Real{})
}

// NewWithClock creates a new in-memory store that evaluates expiry against c.
func NewWithClock(c clock.Clock) *Store {
	return &Store{
		codes:     make(map[string]*storage.AuthorizationCode),
		grants:    make(map[string]*storage.Grant),
		byAccess:  make(map[string]string),
		byRefresh: make(map[string]string),
		bySubject: make(map[subjectKey]map[string]struct{}),
		clock:     clock.OrReal(c),
		logger:    slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	s.mu.Unlock()

	if inst == nil {
		return
	}

	reg, err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.codesCountAtomic.Load() },
		func() int64 { return s.grantsCountAtomic.Load() },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
		return
	}
	s.mu.Lock()
	s.sizeCallbacks = reg
	s.mu.Unlock()
}

// Stop unregisters metric callbacks. The store holds no goroutines.
func (s *Store) Stop() {
	s.mu.Lock()
	reg := s.sizeCallbacks
	s.sizeCallbacks = nil
	s.mu.Unlock()

	if reg != nil {
		_ = reg.Unregister()
	}
}

// Len returns the number of stored codes and grants, including expired ones not yet swept.
func (s *Store) Len() (codes, grants int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.codes), len(s.grants)
}

// ============================================================
// Authorization codes
// ============================================================

// PutCode stores a new authorization code
func (s *Store) PutCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "put_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "put_code", err, startTime)
	}()

	if err = storage.ValidateCode(code); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if existing, ok := s.codes[code.Code]; ok {
		if !existing.IsExpired(now) {
			err = fmt.Errorf("%w: authorization code", storage.ErrDuplicate)
			return err
		}
		s.removeCodeLocked(code.Code)
	}
	if s.tokenInUseLocked(code.Code, "") {
		err = fmt.Errorf("%w: authorization code", storage.ErrDuplicate)
		return err
	}

	s.codes[code.Code] = code.Clone()
	s.codesCountAtomic.Add(1)

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.TokenPrefix(code.Code),
		"client_id", code.ClientID)
	return nil
}

// TakeCode atomically retrieves and deletes an authorization code
func (s *Store) TakeCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "take_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "take_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}
	s.removeCodeLocked(code)

	if rec.IsExpired(s.clock.Now()) {
		err = fmt.Errorf("%w: authorization code expired", storage.ErrNotFound)
		return nil, err
	}
	return rec.Clone(), nil
}

// ExchangeCode consumes a code and installs the grant built from it
func (s *Store) ExchangeCode(ctx context.Context, exchange storage.CodeExchange) (*storage.AuthorizationCode, *storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "exchange_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "exchange_code", err, startTime)
	}()

	if err = storage.ValidateExchange(exchange); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[exchange.Code]
	if !ok {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, nil, err
	}
	if rec.IsExpired(s.clock.Now()) {
		s.removeCodeLocked(exchange.Code)
		err = fmt.Errorf("%w: authorization code expired", storage.ErrNotFound)
		return nil, nil, err
	}

	// A collision leaves the code in place so the caller can retry with fresh tokens.
	if s.tokenInUseLocked(exchange.Grant.AccessToken, "") || s.tokenInUseLocked(exchange.Grant.RefreshToken, "") {
		err = fmt.Errorf("%w: token value", storage.ErrDuplicate)
		return nil, nil, err
	}
	if _, exists := s.grants[exchange.Grant.ID]; exists {
		err = fmt.Errorf("%w: grant id", storage.ErrDuplicate)
		return nil, nil, err
	}

	s.removeCodeLocked(exchange.Code)

	if rec.ClientID != exchange.ClientID {
		err = storage.ErrClientMismatch
		return rec.Clone(), nil, err
	}
	if rec.RedirectURI != exchange.RedirectURI {
		err = storage.ErrRedirectMismatch
		return rec.Clone(), nil, err
	}

	grant := storage.GrantFromCode(exchange.Grant, rec)
	s.insertGrantLocked(grant)

	return rec.Clone(), grant.Clone(), nil
}

// ============================================================
// Grants
// ============================================================

// PutGrant stores a new grant
func (s *Store) PutGrant(ctx context.Context, grant *storage.Grant) error {
	ctx, span := s.startStorageSpan(ctx, "put_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "put_grant", err, startTime)
	}()

	if err = storage.ValidateGrant(grant); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.ID]; exists {
		err = fmt.Errorf("%w: grant id", storage.ErrDuplicate)
		return err
	}
	if s.tokenInUseLocked(grant.AccessToken, "") || s.tokenInUseLocked(grant.RefreshToken, "") {
		err = fmt.Errorf("%w: token value", storage.ErrDuplicate)
		return err
	}

	s.insertGrantLocked(grant.Clone())
	return nil
}

// ReplaceGrant rotates the token pair of a grant if oldRefreshToken is still live
func (s *Store) ReplaceGrant(ctx context.Context, oldRefreshToken string, newGrant *storage.Grant) error {
	ctx, span := s.startStorageSpan(ctx, "replace_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "replace_grant", err, startTime)
	}()

	if err = storage.ValidateGrant(newGrant); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRefresh[oldRefreshToken]
	if !ok || id != newGrant.ID {
		err = storage.ErrStaleRefreshToken
		return err
	}
	current := s.grants[id]
	if current.ClientID != newGrant.ClientID || current.ContextID != newGrant.ContextID || current.UserID != newGrant.UserID {
		err = fmt.Errorf("%w: replacement must keep client and subject", storage.ErrInvalidInput)
		return err
	}
	if s.tokenInUseLocked(newGrant.AccessToken, id) || s.tokenInUseLocked(newGrant.RefreshToken, id) {
		err = fmt.Errorf("%w: token value", storage.ErrDuplicate)
		return err
	}

	s.removeGrantLocked(current)
	s.insertGrantLocked(newGrant.Clone())

	s.logger.Debug("Rotated grant",
		"grant_id", id,
		"old_refresh_prefix", util.TokenPrefix(oldRefreshToken))
	return nil
}

// FindByAccessToken returns the live grant owning accessToken
func (s *Store) FindByAccessToken(ctx context.Context, accessToken string) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "find_by_access_token")
	defer span.End()

	startTime := time.Now()
	var grant *storage.Grant
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_by_access_token", err, startTime)
	}()

	grant, err = s.find(s.byAccess, accessToken)
	return grant, err
}

// FindByRefreshToken returns the grant owning refreshToken
func (s *Store) FindByRefreshToken(ctx context.Context, refreshToken string) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "find_by_refresh_token")
	defer span.End()

	startTime := time.Now()
	var grant *storage.Grant
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_by_refresh_token", err, startTime)
	}()

	grant, err = s.find(s.byRefresh, refreshToken)
	return grant, err
}

func (s *Store) find(index map[string]string, token string) (*storage.Grant, error) {
	s.mu.RLock()
	id, ok := index[token]
	var grant *storage.Grant
	if ok {
		grant = s.grants[id]
	}
	now := s.clock.Now()
	live := grant != nil && grant.IsLive(now)
	if live {
		grant = grant.Clone()
	}
	s.mu.RUnlock()

	if grant == nil {
		return nil, fmt.Errorf("%w: grant", storage.ErrNotFound)
	}
	if !live {
		s.evictIfExpired(id)
		return nil, fmt.Errorf("%w: grant expired", storage.ErrNotFound)
	}
	return grant, nil
}

// evictIfExpired removes a grant found expired during a read. The grant is
// re-checked under the write lock because it may have been rotated meanwhile.
func (s *Store) evictIfExpired(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.grants[id]; ok && !g.IsLive(s.clock.Now()) {
		s.removeGrantLocked(g)
	}
}

// FindAllFor returns every live grant of the subject, oldest first
func (s *Store) FindAllFor(ctx context.Context, contextID, userID string) ([]*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "find_all_for")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_all_for", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	ids := s.bySubject[subjectKey{contextID, userID}]
	result := make([]*storage.Grant, 0, len(ids))
	for id := range ids {
		if g := s.grants[id]; g != nil && g.IsLive(now) {
			result = append(result, g.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *storage.Grant) int {
		return cmp.Or(a.IssuedAt.Compare(b.IssuedAt), cmp.Compare(a.ID, b.ID))
	})
	return result, nil
}

// DeleteByAccessToken removes the grant owning accessToken
func (s *Store) DeleteByAccessToken(ctx context.Context, accessToken string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_by_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_by_access_token", err, startTime)
	}()

	return s.deleteBy(s.byAccess, accessToken), nil
}

// DeleteByRefreshToken removes the grant owning refreshToken
func (s *Store) DeleteByRefreshToken(ctx context.Context, refreshToken string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_by_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_by_refresh_token", err, startTime)
	}()

	return s.deleteBy(s.byRefresh, refreshToken), nil
}

// deleteBy removes the grant behind token and reports whether it was live.
func (s *Store) deleteBy(index map[string]string, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := index[token]
	if !ok {
		return false
	}
	g := s.grants[id]
	live := g.IsLive(s.clock.Now())
	s.removeGrantLocked(g)
	return live
}

// DeleteAllFor removes every grant of the subject issued to clientID
func (s *Store) DeleteAllFor(ctx context.Context, clientID, contextID, userID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_all_for")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_all_for", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*storage.Grant
	for id := range s.bySubject[subjectKey{contextID, userID}] {
		if g := s.grants[id]; g != nil && g.ClientID == clientID {
			matched = append(matched, g)
		}
	}
	for _, g := range matched {
		s.removeGrantLocked(g)
	}

	if len(matched) > 0 {
		s.logger.Debug("Revoked grants for subject",
			"client_id", clientID,
			"context_id", contextID,
			"count", len(matched))
	}
	return len(matched), nil
}

// ============================================================
// Sweeping
// ============================================================

// SweepExpired removes expired codes and expired access-token-only grants
func (s *Store) SweepExpired(ctx context.Context) (storage.SweepResult, error) {
	ctx, span := s.startStorageSpan(ctx, "sweep_expired")
	defer span.End()

	startTime := time.Now()
	var err error
	var res storage.SweepResult

	defer func() {
		s.recordStorageOperation(ctx, span, "sweep_expired", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for code, rec := range s.codes {
		if rec.IsExpired(now) {
			s.removeCodeLocked(code)
			res.Codes++
		}
	}
	for _, g := range s.grants {
		if !g.IsLive(now) {
			s.removeGrantLocked(g)
			res.Grants++
		}
	}
	return res, nil
}

// ============================================================
// Index maintenance (callers hold s.mu)
// ============================================================

func (s *Store) removeCodeLocked(code string) {
	if _, ok := s.codes[code]; ok {
		delete(s.codes, code)
		s.codesCountAtomic.Add(-1)
	}
}

// tokenInUseLocked reports whether token already indexes a grant other than ownerID.
func (s *Store) tokenInUseLocked(token, ownerID string) bool {
	if token == "" {
		return false
	}
	if id, ok := s.byAccess[token]; ok && id != ownerID {
		return true
	}
	if id, ok := s.byRefresh[token]; ok && id != ownerID {
		return true
	}
	_, isCode := s.codes[token]
	return isCode
}

func (s *Store) insertGrantLocked(g *storage.Grant) {
	s.grants[g.ID] = g
	s.byAccess[g.AccessToken] = g.ID
	if g.RefreshToken != "" {
		s.byRefresh[g.RefreshToken] = g.ID
	}
	key := subjectKey{g.ContextID, g.UserID}
	ids, ok := s.bySubject[key]
	if !ok {
		ids = make(map[string]struct{})
		s.bySubject[key] = ids
	}
	ids[g.ID] = struct{}{}
	s.grantsCountAtomic.Add(1)
}

func (s *Store) removeGrantLocked(g *storage.Grant) {
	if _, ok := s.grants[g.ID]; !ok {
		return
	}
	delete(s.grants, g.ID)
	delete(s.byAccess, g.AccessToken)
	if g.RefreshToken != "" {
		delete(s.byRefresh, g.RefreshToken)
	}
	key := subjectKey{g.ContextID, g.UserID}
	if ids, ok := s.bySubject[key]; ok {
		delete(ids, g.ID)
		if len(ids) == 0 {
			delete(s.bySubject, key)
		}
	}
	s.grantsCountAtomic.Add(-1)
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a tracing span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageBackend, backendName),
		))

	return ctx, span
}

// recordStorageOperation records metrics and span status for a storage operation.
// Sentinel outcomes (not found, duplicate, stale) are protocol results, not failures.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := storage.ResultOf(err)
	if result == storage.ResultError {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result, durationMs)
}
