package server

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults(t *testing.T) {
	tests := []struct {
		name        string
		in          *Config
		want        Config
		wantWarning string
	}{
		{
			name: "nil config",
			in:   nil,
			want: *DefaultConfig(),
		},
		{
			name: "zero values filled",
			in:   &Config{AllowRefreshTokenRotation: true},
			want: *DefaultConfig(),
		},
		{
			name: "code TTL below floor",
			in:   &Config{AuthorizationCodeTTL: 30, AllowRefreshTokenRotation: true},
			want: Config{
				AuthorizationCodeTTL:      MinAuthorizationCodeTTL,
				AccessTokenTTL:            DefaultAccessTokenTTL,
				StorageTimeout:            DefaultStorageTimeout,
				AllowRefreshTokenRotation: true,
			},
			wantWarning: "AuthorizationCodeTTL below minimum",
		},
		{
			name:        "negative access token TTL",
			in:          &Config{AccessTokenTTL: -1, AllowRefreshTokenRotation: true},
			want:        *DefaultConfig(),
			wantWarning: "Invalid AccessTokenTTL",
		},
		{
			name: "custom values kept",
			in: &Config{
				AuthorizationCodeTTL:      300,
				AccessTokenTTL:            900,
				StorageTimeout:            2,
				AllowRefreshTokenRotation: true,
			},
			want: Config{
				AuthorizationCodeTTL:      300,
				AccessTokenTTL:            900,
				StorageTimeout:            2,
				AllowRefreshTokenRotation: true,
			},
		},
		{
			name: "rotation disabled",
			in:   &Config{},
			want: Config{
				AuthorizationCodeTTL: DefaultAuthorizationCodeTTL,
				AccessTokenTTL:       DefaultAccessTokenTTL,
				StorageTimeout:       DefaultStorageTimeout,
			},
			wantWarning: "Refresh token rotation is DISABLED",
		},
		{
			name: "access token only does not warn about rotation",
			in:   &Config{AccessTokenOnly: true},
			want: Config{
				AuthorizationCodeTTL: DefaultAuthorizationCodeTTL,
				AccessTokenTTL:       DefaultAccessTokenTTL,
				StorageTimeout:       DefaultStorageTimeout,
				AccessTokenOnly:      true,
			},
		},
		{
			name: "long lived access tokens",
			in:   &Config{AccessTokenTTL: 48 * 3600, AllowRefreshTokenRotation: true},
			want: Config{
				AuthorizationCodeTTL:      DefaultAuthorizationCodeTTL,
				AccessTokenTTL:            48 * 3600,
				StorageTimeout:            DefaultStorageTimeout,
				AllowRefreshTokenRotation: true,
			},
			wantWarning: "Long-lived access tokens",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			got := applyDefaults(tt.in, logger)
			assert.Equal(t, tt.want, *got)

			if tt.wantWarning != "" {
				assert.Contains(t, buf.String(), tt.wantWarning)
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 10*time.Minute, c.codeTTL())
	assert.Equal(t, time.Hour, c.accessTokenTTL())
	assert.Equal(t, 5*time.Second, c.storageTimeout())
}
