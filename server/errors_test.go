package server

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/giantswarm/oauth-grants/storage"
)

func TestError_Is(t *testing.T) {
	err := newError(KindInvalidGrant, "refresh token is no longer valid", storage.ErrStaleRefreshToken)

	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.ErrorIs(t, err, ErrStaleRefreshToken)
	assert.NotErrorIs(t, err, ErrInvalidScope)
	assert.NotErrorIs(t, err, ErrStorage)

	wrapped := fmt.Errorf("token endpoint: %w", err)
	assert.ErrorIs(t, wrapped, ErrInvalidGrant)
	assert.Equal(t, KindInvalidGrant, KindOf(wrapped))
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"kind only", &Error{Kind: KindInvalidScope}, "invalid_scope"},
		{"with description", invalidGrant("code expired"), "invalid_grant: code expired"},
		{"with cause", storageError("revoking grants", errors.New("timeout")), "storage_error: revoking grants failed: timeout"},
		{"formatted request error", invalidRequest("%s is required", "client id"), "invalid_request: client id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindStorage, KindOf(storageError("x", nil)))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestStorageError_RejectedInput(t *testing.T) {
	err := storageError("storing authorization code", fmt.Errorf("%w: user id exceeds 256 bytes", storage.ErrInvalidInput))
	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = storageError("storing authorization code", fmt.Errorf("wrapped: %w", storage.ErrDuplicate))
	assert.Equal(t, KindStorage, KindOf(err))
}
