// Package storagetest is a conformance suite for storage.GrantStore
// implementations. Each backend runs it from its own tests:
//
//	func TestConformance(t *testing.T) {
//		storagetest.Run(t, func(t *testing.T, c *clock.Manual) storage.GrantStore {
//			return memory.NewWithClock(c)
//		})
//	}
//
// The factory must return an empty store whose expiry decisions follow c.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-grants/clock"
	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/storage"
)

// Factory creates an empty store bound to the given clock.
type Factory func(t *testing.T, c *clock.Manual) storage.GrantStore

// Epoch is the manual clock's starting instant.
var Epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const concurrency = 16

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.GrantStore, c *clock.Manual)
	}{
		{"PutCodeTakeCode", testPutCodeTakeCode},
		{"PutCodeDuplicate", testPutCodeDuplicate},
		{"TakeCodeExpiry", testTakeCodeExpiry},
		{"TakeCodeConcurrent", testTakeCodeConcurrent},
		{"ExchangeCode", testExchangeCode},
		{"ExchangeCodeClientMismatch", testExchangeCodeClientMismatch},
		{"ExchangeCodeRedirectMismatch", testExchangeCodeRedirectMismatch},
		{"ExchangeCodeDuplicateKeepsCode", testExchangeCodeDuplicateKeepsCode},
		{"ExchangeCodeExpired", testExchangeCodeExpired},
		{"ExchangeCodeConcurrent", testExchangeCodeConcurrent},
		{"PutGrantDuplicate", testPutGrantDuplicate},
		{"ReplaceGrantRotation", testReplaceGrantRotation},
		{"ReplaceGrantKeepsRefreshToken", testReplaceGrantKeepsRefreshToken},
		{"ReplaceGrantConcurrent", testReplaceGrantConcurrent},
		{"ReplaceGrantAfterRevoke", testReplaceGrantAfterRevoke},
		{"FindExpiry", testFindExpiry},
		{"FindAllFor", testFindAllFor},
		{"DeleteByAccessToken", testDeleteByAccessToken},
		{"DeleteByRefreshToken", testDeleteByRefreshToken},
		{"DeleteAllFor", testDeleteAllFor},
		{"SweepExpired", testSweepExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.NewManual(Epoch)
			tt.fn(t, newStore(t, c), c)
		})
	}
}

func newCode(c clock.Clock) *storage.AuthorizationCode {
	return testutil.NewCode(c.Now())
}

func newTemplate(c clock.Clock) *storage.Grant {
	now := c.Now()
	return &storage.Grant{
		ID:           uuid.NewString(),
		AccessToken:  testutil.GenerateRandomString(43),
		RefreshToken: testutil.GenerateRandomString(43),
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}
}

func exchangeFor(code *storage.AuthorizationCode, c clock.Clock) storage.CodeExchange {
	return storage.CodeExchange{
		Code:        code.Code,
		ClientID:    code.ClientID,
		RedirectURI: code.RedirectURI,
		Grant:       newTemplate(c),
	}
}

func putGrant(t *testing.T, s storage.GrantStore, g *storage.Grant) *storage.Grant {
	t.Helper()
	require.NoError(t, s.PutGrant(context.Background(), g))
	return g
}

func testPutCodeTakeCode(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	code := newCode(c)
	require.NoError(t, s.PutCode(ctx, code))

	got, err := s.TakeCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.ClientID, got.ClientID)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.Equal(t, code.ContextID, got.ContextID)
	assert.Equal(t, code.UserID, got.UserID)
	assert.True(t, code.Scope.Equal(got.Scope), "scope = %v", got.Scope)
	assert.True(t, code.ExpiresAt.Equal(got.ExpiresAt))

	_, err = s.TakeCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.TakeCode(ctx, "never-issued")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testPutCodeDuplicate(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	code := newCode(c)
	require.NoError(t, s.PutCode(ctx, code))

	other := newCode(c)
	other.Code = code.Code
	other.ClientID = "someone-else"
	assert.ErrorIs(t, s.PutCode(ctx, other), storage.ErrDuplicate)

	got, err := s.TakeCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.ClientID, got.ClientID, "original code must survive a duplicate insert")
}

func testTakeCodeExpiry(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	fresh := newCode(c)
	stale := newCode(c)
	require.NoError(t, s.PutCode(ctx, fresh))
	require.NoError(t, s.PutCode(ctx, stale))

	c.Advance(9 * time.Minute)
	_, err := s.TakeCode(ctx, fresh.Code)
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	_, err = s.TakeCode(ctx, stale.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testTakeCodeConcurrent(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	code := newCode(c)
	require.NoError(t, s.PutCode(ctx, code))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, misses := 0, 0
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TakeCode(ctx, code.Code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrNotFound):
				misses++
			default:
				t.Errorf("TakeCode() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, concurrency-1, misses)
}

func testExchangeCode(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	code := newCode(c)
	require.NoError(t, s.PutCode(ctx, code))

	ex := exchangeFor(code, c)
	taken, grant, err := s.ExchangeCode(ctx, ex)
	require.NoError(t, err)
	assert.Equal(t, code.Code, taken.Code)
	assert.Equal(t, ex.Grant.ID, grant.ID)
	assert.Equal(t, code.ClientID, grant.ClientID)
	assert.Equal(t, code.ContextID, grant.ContextID)
	assert.Equal(t, code.UserID, grant.UserID)
	assert.True(t, code.Scope.Equal(grant.Scope))

	byAccess, err := s.FindByAccessToken(ctx, ex.Grant.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, grant.ID, byAccess.ID)
	assert.Equal(t, ex.Grant.AccessToken, byAccess.AccessToken)
	assert.Equal(t, ex.Grant.RefreshToken, byAccess.RefreshToken)
	assert.True(t, grant.Scope.Equal(byAccess.Scope))
	assert.True(t, ex.Grant.IssuedAt.Equal(byAccess.IssuedAt))
	assert.True(t, ex.Grant.ExpiresAt.Equal(byAccess.ExpiresAt))

	byRefresh, err := s.FindByRefreshToken(ctx, ex.Grant.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, grant.ID, byRefresh.ID)

	_, err = s.TakeCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound, "exchange must consume the code")

	_, _, err = s.ExchangeCode(ctx, exchangeFor(code, c))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testExchangeCodeClientMismatch(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	code := newCode(c)
	require.NoError(t, s.PutCode(ctx, code))

	ex := exchangeFor(code, c)
	ex.ClientID = "intruder"
	_, _, err := s.ExchangeCode(ctx, ex)
	assert.ErrorIs(t, err, storage.ErrClientMismatch)

	_, err = s.FindByAccessToken(ctx, ex.Grant.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound, "no grant on mismatch")

	_, _, err = s.ExchangeCode(ctx, exchangeFor(code, c))
	assert.ErrorIs(t, err, storage.ErrNotFound, "mismatch consumes the code")
}

func testExchangeCodeRedirectMismatch(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	code := newCode(c)
	require.NoError(t, s.PutCode(ctx, code))

	ex := exchangeFor(code, c)
	ex.RedirectURI = "https://evil/cb"
	_, _, err := s.ExchangeCode(ctx, ex)
	assert.ErrorIs(t, err, storage.ErrRedirectMismatch)

	_, _, err = s.ExchangeCode(ctx, exchangeFor(code, c))
	assert.ErrorIs(t, err, storage.ErrNotFound, "mismatch consumes the code")
}

func testExchangeCodeDuplicateKeepsCode(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	existing := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))

	code := newCode(c)
	require.NoError(t, s.PutCode(ctx, code))

	ex := exchangeFor(code, c)
	ex.Grant.AccessToken = existing.AccessToken
	_, _, err := s.ExchangeCode(ctx, ex)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	ex = exchangeFor(code, c)
	ex.Grant.RefreshToken = existing.RefreshToken
	_, _, err = s.ExchangeCode(ctx, ex)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, _, err = s.ExchangeCode(ctx, exchangeFor(code, c))
	assert.NoError(t, err, "collision must leave the code redeemable")
}

func testExchangeCodeExpired(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	code := newCode(c)
	require.NoError(t, s.PutCode(ctx, code))

	c.Advance(11 * time.Minute)
	_, _, err := s.ExchangeCode(ctx, exchangeFor(code, c))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testExchangeCodeConcurrent(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	code := newCode(c)
	require.NoError(t, s.PutCode(ctx, code))

	exchanges := make([]storage.CodeExchange, concurrency)
	for i := range exchanges {
		exchanges[i] = exchangeFor(code, c)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range exchanges {
		wg.Add(1)
		go func(ex storage.CodeExchange) {
			defer wg.Done()
			_, _, err := s.ExchangeCode(ctx, ex)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("ExchangeCode() unexpected error = %v", err)
			}
		}(exchanges[i])
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	grants, err := s.FindAllFor(ctx, code.ContextID, code.UserID)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func testPutGrantDuplicate(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	g := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))

	dupAccess := testutil.NewGrant(c.Now(), "c1")
	dupAccess.AccessToken = g.AccessToken
	assert.ErrorIs(t, s.PutGrant(ctx, dupAccess), storage.ErrDuplicate)

	dupRefresh := testutil.NewGrant(c.Now(), "c1")
	dupRefresh.RefreshToken = g.RefreshToken
	assert.ErrorIs(t, s.PutGrant(ctx, dupRefresh), storage.ErrDuplicate)

	crossed := testutil.NewGrant(c.Now(), "c1")
	crossed.AccessToken = g.RefreshToken
	assert.ErrorIs(t, s.PutGrant(ctx, crossed), storage.ErrDuplicate)

	sameID := testutil.NewGrant(c.Now(), "c1")
	sameID.ID = g.ID
	assert.ErrorIs(t, s.PutGrant(ctx, sameID), storage.ErrDuplicate)
}

func rotated(g *storage.Grant, c clock.Clock, newRefresh bool) *storage.Grant {
	next := g.Clone()
	now := c.Now()
	next.AccessToken = testutil.GenerateRandomString(43)
	if newRefresh {
		next.RefreshToken = testutil.GenerateRandomString(43)
	}
	next.RefreshedAt = now
	next.ExpiresAt = now.Add(time.Hour)
	return next
}

func testReplaceGrantRotation(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	g := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))

	c.Advance(30 * time.Minute)
	next := rotated(g, c, true)
	require.NoError(t, s.ReplaceGrant(ctx, g.RefreshToken, next))

	_, err := s.FindByRefreshToken(ctx, g.RefreshToken)
	assert.ErrorIs(t, err, storage.ErrNotFound, "old refresh token retired")
	_, err = s.FindByAccessToken(ctx, g.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound, "old access token retired")

	got, err := s.FindByRefreshToken(ctx, next.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, g.ID, got.ID)
	assert.Equal(t, next.AccessToken, got.AccessToken)
	assert.True(t, g.IssuedAt.Equal(got.IssuedAt), "issue date survives rotation")
	assert.True(t, next.ExpiresAt.Equal(got.ExpiresAt))

	again := rotated(next, c, true)
	again.ID = g.ID
	assert.ErrorIs(t, s.ReplaceGrant(ctx, g.RefreshToken, again), storage.ErrStaleRefreshToken)

	grants, err := s.FindAllFor(ctx, g.ContextID, g.UserID)
	require.NoError(t, err)
	assert.Len(t, grants, 1, "rotation must not duplicate the grant")
}

func testReplaceGrantKeepsRefreshToken(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	g := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))

	next := rotated(g, c, false)
	require.NoError(t, s.ReplaceGrant(ctx, g.RefreshToken, next))

	got, err := s.FindByRefreshToken(ctx, g.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, next.AccessToken, got.AccessToken)

	_, err = s.FindByAccessToken(ctx, g.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testReplaceGrantConcurrent(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	g := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))

	candidates := make([]*storage.Grant, concurrency)
	for i := range candidates {
		candidates[i] = rotated(g, c, true)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, stale := 0, 0
	for _, next := range candidates {
		wg.Add(1)
		go func(next *storage.Grant) {
			defer wg.Done()
			err := s.ReplaceGrant(ctx, g.RefreshToken, next)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrStaleRefreshToken):
				stale++
			default:
				t.Errorf("ReplaceGrant() unexpected error = %v", err)
			}
		}(next)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, concurrency-1, stale)
}

func testReplaceGrantAfterRevoke(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	g := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))

	removed, err := s.DeleteByAccessToken(ctx, g.AccessToken)
	require.NoError(t, err)
	require.True(t, removed)

	assert.ErrorIs(t, s.ReplaceGrant(ctx, g.RefreshToken, rotated(g, c, true)), storage.ErrStaleRefreshToken)
}

func testFindExpiry(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	accessOnly := putGrant(t, s, testutil.NewAccessOnlyGrant(c.Now(), "c1"))
	refreshing := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))

	c.Advance(59 * time.Minute)
	_, err := s.FindByAccessToken(ctx, accessOnly.AccessToken)
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	_, err = s.FindByAccessToken(ctx, accessOnly.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound, "access-only grant dies with its access token")

	got, err := s.FindByRefreshToken(ctx, refreshing.RefreshToken)
	require.NoError(t, err, "refresh-bearing grant outlives its access token")
	assert.True(t, got.IsAccessTokenExpired(c.Now()))

	got, err = s.FindByAccessToken(ctx, refreshing.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, refreshing.ID, got.ID)
}

func testFindAllFor(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	g1 := putGrant(t, s, testutil.NewGrant(c.Now(), "c1", "a", "b"))
	c.Advance(time.Minute)
	g2 := putGrant(t, s, testutil.NewGrant(c.Now(), "c1", "b", "c"))
	g3 := putGrant(t, s, testutil.NewGrant(c.Now(), "c2"))
	expiring := putGrant(t, s, testutil.NewAccessOnlyGrant(c.Now(), "c3"))

	other := testutil.NewGrant(c.Now(), "c1")
	other.UserID = "43"
	putGrant(t, s, other)

	grants, err := s.FindAllFor(ctx, testutil.ContextID, testutil.UserID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{g1.ID, g2.ID, g3.ID, expiring.ID}, ids(grants))

	for _, g := range grants {
		if g.ID == g1.ID {
			assert.True(t, g.Scope.Equal(scope.MustParse("a", "b")))
		}
	}

	c.Advance(2 * time.Hour)
	grants, err = s.FindAllFor(ctx, testutil.ContextID, testutil.UserID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{g1.ID, g2.ID, g3.ID}, ids(grants), "expired access-only grants are not listed")

	grants, err = s.FindAllFor(ctx, "nobody", "nobody")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func testDeleteByAccessToken(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	g := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))

	removed, err := s.DeleteByAccessToken(ctx, g.AccessToken)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = s.FindByRefreshToken(ctx, g.RefreshToken)
	assert.ErrorIs(t, err, storage.ErrNotFound, "both tokens die together")

	removed, err = s.DeleteByAccessToken(ctx, g.AccessToken)
	require.NoError(t, err)
	assert.False(t, removed)
}

func testDeleteByRefreshToken(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	g := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))

	removed, err := s.DeleteByRefreshToken(ctx, g.RefreshToken)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = s.FindByAccessToken(ctx, g.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	removed, err = s.DeleteByRefreshToken(ctx, g.RefreshToken)
	require.NoError(t, err)
	assert.False(t, removed)

	expired := putGrant(t, s, testutil.NewAccessOnlyGrant(c.Now(), "c1"))
	c.Advance(2 * time.Hour)
	removed, err = s.DeleteByAccessToken(ctx, expired.AccessToken)
	require.NoError(t, err)
	assert.False(t, removed, "an expired grant is not reported as live")
}

func testDeleteAllFor(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	ctx := context.Background()
	a := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))
	b := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))
	keep := putGrant(t, s, testutil.NewGrant(c.Now(), "c2"))

	n, err := s.DeleteAllFor(ctx, "c1", testutil.ContextID, testutil.UserID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, g := range []*storage.Grant{a, b} {
		_, err = s.FindByAccessToken(ctx, g.AccessToken)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindByRefreshToken(ctx, g.RefreshToken)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}

	grants, err := s.FindAllFor(ctx, testutil.ContextID, testutil.UserID)
	require.NoError(t, err)
	assert.Equal(t, []string{keep.ID}, ids(grants))

	n, err = s.DeleteAllFor(ctx, "c1", testutil.ContextID, testutil.UserID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testSweepExpired(t *testing.T, s storage.GrantStore, c *clock.Manual) {
	sw, ok := s.(storage.Sweepable)
	if !ok {
		t.Skip("store does not support sweeping")
	}
	ctx := context.Background()

	require.NoError(t, s.PutCode(ctx, newCode(c)))
	accessOnly := putGrant(t, s, testutil.NewAccessOnlyGrant(c.Now(), "c1"))
	refreshing := putGrant(t, s, testutil.NewGrant(c.Now(), "c1"))

	res, err := sw.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Codes)
	assert.Zero(t, res.Grants)

	c.Advance(2 * time.Hour)
	res, err = sw.SweepExpired(ctx)
	require.NoError(t, err)
	// Backends with native TTLs may have evicted records before the sweep ran.
	assert.LessOrEqual(t, res.Codes, 1)
	assert.LessOrEqual(t, res.Grants, 1)

	_, err = s.FindByAccessToken(ctx, accessOnly.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.FindByRefreshToken(ctx, refreshing.RefreshToken)
	assert.NoError(t, err, "sweeper never evicts refresh-bearing grants")
}

func ids(grants []*storage.Grant) []string {
	out := make([]string, 0, len(grants))
	for _, g := range grants {
		out = append(out, g.ID)
	}
	return out
}
