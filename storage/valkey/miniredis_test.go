package valkey

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-grants/clock"
	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/storagetest"
)

// inProcessStore connects to an in-process miniredis server. miniredis
// answers CLUSTER SLOTS, so it looks like a cluster-mode deployment to the
// client.
func inProcessStore(t *testing.T, c clock.Clock, keys security.KeySet) *Store {
	t.Helper()

	srv := miniredis.RunT(t)
	store, err := New(Config{
		Address:      srv.Addr(),
		DisableCache: true,
		Keys:         keys,
		Clock:        c,
		Logger:       testutil.DiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestConformance_ClusterReportingServer(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, c *clock.Manual) storage.GrantStore {
		return inProcessStore(t, c, testKeys(t))
	})
}

func TestStore_FindAllFor_ClusterReportingServer(t *testing.T) {
	c := clock.NewManual(storagetest.Epoch)
	s := inProcessStore(t, c, security.KeySet{})
	ctx := context.Background()

	want := make([]string, 0, 5)
	for _, clientID := range []string{"c1", "c2", "c3", "c4", "c5"} {
		g := testutil.NewGrant(c.Now(), clientID)
		require.NoError(t, s.PutGrant(ctx, g))
		want = append(want, g.ID)
	}

	var grants []*storage.Grant
	require.NotPanics(t, func() {
		var err error
		grants, err = s.FindAllFor(ctx, testutil.ContextID, testutil.UserID)
		require.NoError(t, err)
	})

	got := make([]string, 0, len(grants))
	for _, g := range grants {
		got = append(got, g.ID)
	}
	assert.ElementsMatch(t, want, got)

	n, err := s.DeleteAllFor(ctx, "c3", testutil.ContextID, testutil.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
