package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-grants/security"
)

func TestProtector_Unkeyed(t *testing.T) {
	p, err := NewProtector(security.KeySet{})
	require.NoError(t, err)

	assert.False(t, p.IsEncrypting())
	assert.Len(t, p.Fingerprint("token"), 64)
	assert.Equal(t, p.Fingerprint("token"), p.Fingerprint("token"))
	assert.NotEqual(t, p.Fingerprint("token"), p.Fingerprint("token2"))

	sealed, err := p.Seal("token", "g1")
	require.NoError(t, err)
	assert.Equal(t, "token", sealed)
}

func TestProtector_Keyed(t *testing.T) {
	master, err := security.GenerateKey()
	require.NoError(t, err)
	keys, err := security.DeriveKeys(master)
	require.NoError(t, err)

	p, err := NewProtector(keys)
	require.NoError(t, err)
	unkeyed, err := NewProtector(security.KeySet{})
	require.NoError(t, err)

	assert.True(t, p.IsEncrypting())
	assert.NotEqual(t, unkeyed.Fingerprint("token"), p.Fingerprint("token"),
		"keyed fingerprint must differ from plain SHA-256")

	sealed, err := p.Seal("token", "g1")
	require.NoError(t, err)
	assert.NotEqual(t, "token", sealed)

	opened, err := p.Open(sealed, "g1")
	require.NoError(t, err)
	assert.Equal(t, "token", opened)

	_, err = p.Open(sealed, "g2")
	assert.True(t, errors.Is(err, security.ErrDecrypt), "sealed value must be bound to its record id")

	empty, err := p.Seal("", "g1")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
