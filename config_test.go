package oauth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/server"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, BackendMemory)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m", cfg.SweepInterval)
	}
	if cfg.Server != *server.DefaultConfig() {
		t.Errorf("Server = %+v, want server defaults", cfg.Server)
	}
	if !cfg.Security.EnableAuditLogging {
		t.Error("audit logging should be enabled by default")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.AuthorizationCodeTTL != server.DefaultAuthorizationCodeTTL {
		t.Errorf("AuthorizationCodeTTL = %d, want %d", cfg.Server.AuthorizationCodeTTL, server.DefaultAuthorizationCodeTTL)
	}
	if !cfg.Server.AllowRefreshTokenRotation {
		t.Error("refresh token rotation should be enabled by default")
	}
	if cfg.Security.EncryptionKey != nil {
		t.Error("EncryptionKey should be nil without OAUTH_GRANTS_ENCRYPTION_KEY")
	}
	if !cfg.Storage.Postgres.AutoMigrate {
		t.Error("Postgres.AutoMigrate should default to true")
	}
}

func TestLoadConfig_Environment(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	t.Setenv("OAUTH_GRANTS_CODE_TTL", "300")
	t.Setenv("OAUTH_GRANTS_ACCESS_TOKEN_TTL", "900")
	t.Setenv("OAUTH_GRANTS_STORAGE_TIMEOUT", "2")
	t.Setenv("OAUTH_GRANTS_REFRESH_TOKEN_ROTATION", "false")
	t.Setenv("OAUTH_GRANTS_STORAGE", "valkey")
	t.Setenv("OAUTH_GRANTS_VALKEY_ADDR", "valkey:6379")
	t.Setenv("OAUTH_GRANTS_VALKEY_DB", "3")
	t.Setenv("OAUTH_GRANTS_VALKEY_KEY_PREFIX", "grants:")
	t.Setenv("OAUTH_GRANTS_VALKEY_DISABLE_CACHE", "true")
	t.Setenv("OAUTH_GRANTS_POSTGRES_MAX_CONNS", "8")
	t.Setenv("OAUTH_GRANTS_ENCRYPTION_KEY", security.KeyToBase64(key))
	t.Setenv("OAUTH_GRANTS_AUDIT_LOGGING", "false")
	t.Setenv("OAUTH_GRANTS_INSTRUMENTATION_ENABLED", "true")
	t.Setenv("OAUTH_GRANTS_METRICS_EXPORTER", "prometheus")
	t.Setenv("OAUTH_GRANTS_SWEEP_INTERVAL", "30s")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	want := server.Config{
		AuthorizationCodeTTL: 300,
		AccessTokenTTL:       900,
		StorageTimeout:       2,
	}
	if cfg.Server != want {
		t.Errorf("Server = %+v, want %+v", cfg.Server, want)
	}
	if cfg.Storage.Backend != BackendValkey {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, BackendValkey)
	}
	if cfg.Storage.Valkey.Address != "valkey:6379" || cfg.Storage.Valkey.DB != 3 || cfg.Storage.Valkey.KeyPrefix != "grants:" ||
		!cfg.Storage.Valkey.DisableCache {
		t.Errorf("Storage.Valkey = %+v", cfg.Storage.Valkey)
	}
	if cfg.Storage.Postgres.MaxConns != 8 {
		t.Errorf("Postgres.MaxConns = %d, want 8", cfg.Storage.Postgres.MaxConns)
	}
	if string(cfg.Security.EncryptionKey) != string(key) {
		t.Error("EncryptionKey was not decoded from base64")
	}
	if cfg.Security.EnableAuditLogging {
		t.Error("EnableAuditLogging should be false")
	}
	if !cfg.Instrumentation.Enabled || cfg.Instrumentation.MetricsExporter != "prometheus" {
		t.Errorf("Instrumentation = %+v", cfg.Instrumentation)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want 30s", cfg.SweepInterval)
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric TTL", "OAUTH_GRANTS_CODE_TTL", "ten minutes"},
		{"non-boolean rotation", "OAUTH_GRANTS_REFRESH_TOKEN_ROTATION", "sometimes"},
		{"bad duration", "OAUTH_GRANTS_SWEEP_INTERVAL", "60"},
		{"short encryption key", "OAUTH_GRANTS_ENCRYPTION_KEY", "c2hvcnQ="},
		{"non-numeric db", "OAUTH_GRANTS_VALKEY_DB", "zero"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("LoadConfig() with %s=%q should fail", tt.key, tt.value)
			}
		})
	}
}

func TestLoadConfig_DotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "OAUTH_GRANTS_STORAGE=postgres\n" +
		"OAUTH_GRANTS_POSTGRES_DSN=postgres://grants@localhost:5432/grants\n" +
		"OAUTH_GRANTS_ACCESS_TOKEN_TTL=1800\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// Variables already present in the environment win over the file.
	t.Setenv("OAUTH_GRANTS_ACCESS_TOKEN_TTL", "600")

	// godotenv sets variables for the whole process; restore them afterwards.
	for _, key := range []string{"OAUTH_GRANTS_STORAGE", "OAUTH_GRANTS_POSTGRES_DSN"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Storage.Backend != BackendPostgres {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, BackendPostgres)
	}
	if cfg.Storage.Postgres.DSN != "postgres://grants@localhost:5432/grants" {
		t.Errorf("Postgres.DSN = %q", cfg.Storage.Postgres.DSN)
	}
	if cfg.Server.AccessTokenTTL != 600 {
		t.Errorf("AccessTokenTTL = %d, want 600", cfg.Server.AccessTokenTTL)
	}
}

func TestLoadConfig_MissingDotenvFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("LoadConfig() with a missing file should fail")
	}
}
