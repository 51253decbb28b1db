package server

import (
	"log/slog"
	"time"
)

const (
	// DefaultAuthorizationCodeTTL is the lifetime of an authorization code in seconds.
	DefaultAuthorizationCodeTTL = 600

	// MinAuthorizationCodeTTL is the floor applied to AuthorizationCodeTTL.
	MinAuthorizationCodeTTL = 60

	// DefaultAccessTokenTTL is the lifetime of an access token in seconds.
	DefaultAccessTokenTTL = 3600

	// DefaultStorageTimeout bounds every grant store call, in seconds.
	DefaultStorageTimeout = 5

	// maxGenerationAttempts bounds credential regeneration after a collision.
	maxGenerationAttempts = 3
)

// Config holds grant manager configuration
type Config struct {
	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes), floor: 60

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// StorageTimeout bounds each grant store call. A timeout surfaces as a
	// storage error and is never retried.
	StorageTimeout int64 // seconds, default: 5

	// AllowRefreshTokenRotation issues a new refresh token on every refresh
	// and retires the presented one in the same step.
	// When false the refresh token stays stable and only the access token rotates.
	AllowRefreshTokenRotation bool // default: true

	// AccessTokenOnly issues grants without a refresh token. Such grants
	// die with their access token.
	AccessTokenOnly bool // default: false
}

// DefaultConfig returns the secure default configuration.
func DefaultConfig() *Config {
	return &Config{
		AuthorizationCodeTTL:      DefaultAuthorizationCodeTTL,
		AccessTokenTTL:            DefaultAccessTokenTTL,
		StorageTimeout:            DefaultStorageTimeout,
		AllowRefreshTokenRotation: true,
	}
}

// applyDefaults fills unset durations and enforces the code TTL floor,
// logging every correction. The config is copied, not modified.
func applyDefaults(in *Config, logger *slog.Logger) *Config {
	if in == nil {
		return DefaultConfig()
	}
	config := *in

	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	} else if config.AuthorizationCodeTTL < MinAuthorizationCodeTTL {
		logger.Warn("AuthorizationCodeTTL below minimum, using floor",
			"configured", config.AuthorizationCodeTTL,
			"floor", MinAuthorizationCodeTTL)
		config.AuthorizationCodeTTL = MinAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		if config.AccessTokenTTL < 0 {
			logger.Warn("Invalid AccessTokenTTL, using default",
				"configured", config.AccessTokenTTL,
				"default", DefaultAccessTokenTTL)
		}
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = DefaultStorageTimeout
	}

	logSecurityWarnings(&config, logger)
	return &config
}

// logSecurityWarnings logs warnings for weaker configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.AllowRefreshTokenRotation && !config.AccessTokenOnly {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "A leaked refresh token stays usable until the grant is revoked",
			"recommendation", "Set AllowRefreshTokenRotation=true")
	}
	if config.AccessTokenTTL > 24*3600 {
		logger.Warn("SECURITY NOTICE: Long-lived access tokens",
			"access_token_ttl", config.AccessTokenTTL,
			"recommendation", "Keep access tokens short-lived and rely on refresh tokens")
	}
}

func (c *Config) codeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

func (c *Config) accessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c *Config) storageTimeout() time.Duration {
	return time.Duration(c.StorageTimeout) * time.Second
}
