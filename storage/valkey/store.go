package valkey

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-grants/clock"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	backendName = "valkey"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
//
// The store requires a single primary. Grant lookups and every Lua script
// touch keys that hash to different slots, so the client never switches to
// cluster routing, even when the server reports cluster mode.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// DisableCache turns off client-side caching, for servers that do not
	// support CLIENT TRACKING
	DisableCache bool

	// Keys are the derived keys used to fingerprint and seal tokens.
	// An empty KeySet stores plain SHA-256 fingerprints and unsealed tokens.
	Keys security.KeySet

	// Clock decides expiry (default: real clock)
	Clock clock.Clock

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.GrantStore.
type Store struct {
	client    valkeygo.Client
	prefix    string
	protector *storage.Protector
	clock     clock.Clock
	logger    *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.GrantStore = (*Store)(nil)
	_ storage.Sweepable  = (*Store)(nil)
)

// New creates a new Valkey-backed store connected to a single primary at
// cfg.Address. A server running in cluster mode is addressed as a single
// node, so all keys must live on it.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	protector, err := storage.NewProtector(cfg.Keys)
	if err != nil {
		return nil, err
	}

	opts := valkeygo.ClientOption{
		InitAddress:       []string{cfg.Address},
		SelectDB:          cfg.DB,
		ForceSingleClient: true,
		DisableCache:      cfg.DisableCache,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix,
		"encryption", protector.IsEncrypting())

	return &Store{
		client:    client,
		prefix:    prefix,
		protector: protector,
		clock:     clock.OrReal(cfg.Clock),
		logger:    logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// Call it before the store is shared between goroutines.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// ============================================================
// Key Helpers
// ============================================================

// codeKey returns {prefix}code:{fp}
func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + s.protector.Fingerprint(code)
}

// grantKey returns {prefix}grant:{id}
func (s *Store) grantKey(id string) string {
	return s.prefix + "grant:" + id
}

// accessKey returns {prefix}access:{fp}
func (s *Store) accessKey(token string) string {
	return s.prefix + "access:" + s.protector.Fingerprint(token)
}

// refreshKey returns {prefix}refresh:{fp}
func (s *Store) refreshKey(token string) string {
	return s.prefix + "refresh:" + s.protector.Fingerprint(token)
}

// subjectKey returns {prefix}subject:{sha256(contextID NUL userID)}
func (s *Store) subjectKey(contextID, userID string) string {
	sum := sha256.Sum256([]byte(contextID + "\x00" + userID))
	return s.prefix + "subject:" + hex.EncodeToString(sum[:])
}

// ttlMillis returns the remaining lifetime in milliseconds, at least 1.
func ttlMillis(now, expiresAt time.Time) int64 {
	if ms := expiresAt.Sub(now).Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

// scanKeys calls fn for every key matching pattern. SCAN may return a key
// more than once, so fn must be idempotent.
func (s *Store) scanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", pattern, err)
		}

		for _, key := range result.Elements {
			if err := fn(key); err != nil {
				return err
			}
		}

		cursor = result.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

// track starts a span for a storage operation and returns a function that
// records its outcome.
func (s *Store) track(ctx context.Context, operation string) (context.Context, func(error)) {
	if s.instrumentation == nil {
		return ctx, func(error) {}
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageBackend, backendName),
		))
	startTime := time.Now()

	return ctx, func(err error) {
		defer span.End()
		result := storage.ResultOf(err)
		if result == storage.ResultError {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		durationMs := float64(time.Since(startTime).Microseconds()) / 1000
		s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result, durationMs)
	}
}
