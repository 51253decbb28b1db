package oauth

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/giantswarm/oauth-grants/clock"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/server"
	"github.com/giantswarm/oauth-grants/storage"
)

// Storage backends selectable through StorageConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "OAUTH_GRANTS_"

// Config holds the configuration of a grant service
// Structured using composition for better organization and maintainability
type Config struct {
	// Server configures code and token lifetimes, rotation and storage timeouts
	Server server.Config

	// Storage selects and configures the grant store
	Storage StorageConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Instrumentation configures tracing and metrics
	Instrumentation instrumentation.Config

	// SweepInterval is the delay between two expiry sweeps.
	// Default: 1 minute. Negative disables the sweeper.
	SweepInterval time.Duration

	// Clock decides issuance and expiry everywhere (default: real clock)
	Clock clock.Clock

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// StorageConfig selects the grant store backend
type StorageConfig struct {
	// Backend is one of "memory" (default), "valkey" or "postgres".
	Backend string

	Valkey   ValkeyConfig
	Postgres PostgresConfig
}

// ValkeyConfig holds Valkey connection settings
type ValkeyConfig struct {
	// Address is the Valkey server address, e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// DB is the database number.
	DB int

	// KeyPrefix prefixes every key (default "oauth:").
	KeyPrefix string

	// DisableCache turns off client-side caching.
	DisableCache bool
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	// DSN is a libpq connection string or URL.
	DSN string

	// MaxConns bounds the connection pool. Zero uses the pgx default.
	MaxConns int32

	// AutoMigrate applies pending schema migrations on startup.
	AutoMigrate bool
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	// EncryptionKey is the master key (at least 32 bytes) from which the
	// token encryption and fingerprint keys are derived.
	// Nil stores tokens unsealed behind plain SHA-256 fingerprints.
	// Generate with security.GenerateKey().
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	// User identifiers are hashed.
	EnableAuditLogging bool

	// SecurityEventRate limits repeated security event logs per client
	// (events per second). Zero disables limiting.
	SecurityEventRate float64

	// SecurityEventBurst is the burst size for SecurityEventRate.
	SecurityEventBurst int
}

// DefaultConfig returns the secure default configuration: in-memory storage,
// audit logging on and a one-minute sweep interval.
func DefaultConfig() *Config {
	return &Config{
		Server: *server.DefaultConfig(),
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Security: SecurityConfig{
			EnableAuditLogging: true,
			SecurityEventRate:  1,
			SecurityEventBurst: 5,
		},
		SweepInterval: storage.DefaultSweepInterval,
	}
}

// LoadConfig builds a Config from OAUTH_GRANTS_* environment variables on
// top of DefaultConfig. Each dotenv file given is loaded first; variables
// already set in the environment win.
func LoadConfig(dotenvFiles ...string) (*Config, error) {
	if len(dotenvFiles) > 0 {
		if err := godotenv.Load(dotenvFiles...); err != nil {
			return nil, fmt.Errorf("failed to load dotenv files: %w", err)
		}
	}

	cfg := DefaultConfig()
	var err error

	// Server
	if cfg.Server.AuthorizationCodeTTL, err = envInt64("CODE_TTL", cfg.Server.AuthorizationCodeTTL); err != nil {
		return nil, err
	}
	if cfg.Server.AccessTokenTTL, err = envInt64("ACCESS_TOKEN_TTL", cfg.Server.AccessTokenTTL); err != nil {
		return nil, err
	}
	if cfg.Server.StorageTimeout, err = envInt64("STORAGE_TIMEOUT", cfg.Server.StorageTimeout); err != nil {
		return nil, err
	}
	if cfg.Server.AllowRefreshTokenRotation, err = envBool("REFRESH_TOKEN_ROTATION", cfg.Server.AllowRefreshTokenRotation); err != nil {
		return nil, err
	}
	if cfg.Server.AccessTokenOnly, err = envBool("ACCESS_TOKEN_ONLY", cfg.Server.AccessTokenOnly); err != nil {
		return nil, err
	}

	// Storage
	cfg.Storage.Backend = envString("STORAGE", cfg.Storage.Backend)
	cfg.Storage.Valkey.Address = envString("VALKEY_ADDR", "")
	cfg.Storage.Valkey.Password = envString("VALKEY_PASSWORD", "")
	cfg.Storage.Valkey.KeyPrefix = envString("VALKEY_KEY_PREFIX", "")
	db, err := envInt64("VALKEY_DB", 0)
	if err != nil {
		return nil, err
	}
	cfg.Storage.Valkey.DB = int(db)
	if cfg.Storage.Valkey.DisableCache, err = envBool("VALKEY_DISABLE_CACHE", false); err != nil {
		return nil, err
	}
	cfg.Storage.Postgres.DSN = envString("POSTGRES_DSN", "")
	maxConns, err := envInt64("POSTGRES_MAX_CONNS", 0)
	if err != nil {
		return nil, err
	}
	cfg.Storage.Postgres.MaxConns = int32(maxConns) //nolint:gosec // pool sizes are small
	if cfg.Storage.Postgres.AutoMigrate, err = envBool("POSTGRES_AUTO_MIGRATE", true); err != nil {
		return nil, err
	}

	// Security
	if encoded := envString("ENCRYPTION_KEY", ""); encoded != "" {
		key, err := security.KeyFromBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("%sENCRYPTION_KEY: %w", EnvPrefix, err)
		}
		cfg.Security.EncryptionKey = key
	}
	if cfg.Security.EnableAuditLogging, err = envBool("AUDIT_LOGGING", cfg.Security.EnableAuditLogging); err != nil {
		return nil, err
	}

	// Instrumentation
	if cfg.Instrumentation.Enabled, err = envBool("INSTRUMENTATION_ENABLED", false); err != nil {
		return nil, err
	}
	cfg.Instrumentation.ServiceName = envString("SERVICE_NAME", "")
	cfg.Instrumentation.ServiceVersion = envString("SERVICE_VERSION", "")
	cfg.Instrumentation.MetricsExporter = envString("METRICS_EXPORTER", "")

	if cfg.SweepInterval, err = envDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envString gets an environment variable or returns a default value
func envString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(EnvPrefix + key); exists {
		return value
	}
	return defaultValue
}

func envInt64(key string, defaultValue int64) (int64, error) {
	value, exists := os.LookupEnv(EnvPrefix + key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return n, nil
}

func envBool(key string, defaultValue bool) (bool, error) {
	value, exists := os.LookupEnv(EnvPrefix + key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return b, nil
}

func envDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(EnvPrefix + key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return d, nil
}
