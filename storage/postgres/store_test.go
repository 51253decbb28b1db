package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-grants/clock"
	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/storagetest"
)

// testStore connects to the database named by POSTGRES_TEST_DSN, migrates it
// and empties every table. Tests are skipped when the variable is unset or
// the database is unreachable.
func testStore(t *testing.T, c clock.Clock, keys security.KeySet) *Store {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping test: POSTGRES_TEST_DSN not set")
	}

	ctx := context.Background()
	store, err := New(ctx, Config{
		DSN:         dsn,
		AutoMigrate: true,
		Keys:        keys,
		Clock:       c,
		Logger:      testutil.DiscardLogger(),
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to PostgreSQL: %v", err)
	}
	t.Cleanup(store.Close)

	_, err = store.pool.Exec(ctx, `TRUNCATE TABLE oauth_authorization_codes, oauth_tokens, oauth_grants CASCADE`)
	require.NoError(t, err)
	return store
}

func testKeys(t *testing.T) security.KeySet {
	t.Helper()
	master, err := security.GenerateKey()
	require.NoError(t, err)
	keys, err := security.DeriveKeys(master)
	require.NoError(t, err)
	return keys
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, c *clock.Manual) storage.GrantStore {
		return testStore(t, c, security.KeySet{})
	})
}

func TestConformance_Encrypted(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, c *clock.Manual) storage.GrantStore {
		return testStore(t, c, testKeys(t))
	})
}

func TestNew_MissingDSN(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNew_InvalidDSN(t *testing.T) {
	_, err := New(context.Background(), Config{DSN: "postgres://%zz"})
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := testStore(t, clock.NewManual(storagetest.Epoch), security.KeySet{})
	require.NoError(t, s.Migrate())
	require.NoError(t, s.Migrate())
}

func TestStore_TokensNeverStoredInClear(t *testing.T) {
	c := clock.NewManual(storagetest.Epoch)
	s := testStore(t, c, testKeys(t))
	ctx := context.Background()

	g := testutil.NewGrant(c.Now(), "c1")
	require.NoError(t, s.PutGrant(ctx, g))

	var access, refresh string
	err := s.pool.QueryRow(ctx, `SELECT access_token, refresh_token FROM oauth_grants WHERE id = $1`, g.ID).Scan(&access, &refresh)
	require.NoError(t, err)
	assert.NotEqual(t, g.AccessToken, access)
	assert.NotEqual(t, g.RefreshToken, refresh)

	var n int
	err = s.pool.QueryRow(ctx, `SELECT count(*) FROM oauth_tokens WHERE fingerprint = $1 OR fingerprint = $2`, g.AccessToken, g.RefreshToken).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_SealedValueBoundToGrant(t *testing.T) {
	c := clock.NewManual(storagetest.Epoch)
	s := testStore(t, c, testKeys(t))
	ctx := context.Background()

	a := testutil.NewGrant(c.Now(), "c1")
	b := testutil.NewGrant(c.Now(), "c1")
	require.NoError(t, s.PutGrant(ctx, a))
	require.NoError(t, s.PutGrant(ctx, b))

	// Copy a's sealed access token onto b.
	_, err := s.pool.Exec(ctx, `
		UPDATE oauth_grants SET access_token = (SELECT access_token FROM oauth_grants WHERE id = $1) WHERE id = $2
	`, a.ID, b.ID)
	require.NoError(t, err)

	_, err = s.FindByRefreshToken(ctx, b.RefreshToken)
	assert.ErrorIs(t, err, security.ErrDecrypt)
}

func TestStore_DeleteCascadesTokens(t *testing.T) {
	c := clock.NewManual(storagetest.Epoch)
	s := testStore(t, c, security.KeySet{})
	ctx := context.Background()

	g := testutil.NewGrant(c.Now(), "c1")
	require.NoError(t, s.PutGrant(ctx, g))

	removed, err := s.DeleteByAccessToken(ctx, g.AccessToken)
	require.NoError(t, err)
	require.True(t, removed)

	var n int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT count(*) FROM oauth_tokens`).Scan(&n))
	assert.Zero(t, n)

	// Both values are free again.
	require.NoError(t, s.PutGrant(ctx, g))
}
