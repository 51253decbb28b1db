// Package oauth wires the grant management core of an OAuth 2.0
// authorization server: a grant store (memory, Valkey or PostgreSQL), the
// grant manager, the expiry sweeper and instrumentation, built from one Config.
//
// HTTP endpoints, client registration and user authentication belong to the
// host application, which calls the manager and translates its errors with
// FromError.
package oauth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth-grants/clock"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/server"
	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/memory"
	"github.com/giantswarm/oauth-grants/storage/postgres"
	"github.com/giantswarm/oauth-grants/storage/valkey"
)

// Type aliases for the types callers handle most.
type (
	Session   = server.Session
	Client    = server.Client
	GrantView = server.GrantView
	Grant     = storage.Grant
)

// Service is a running grant manager together with the resources it owns.
// The embedded *server.Server exposes every grant operation.
type Service struct {
	*server.Server

	store           storage.GrantStore
	sweeper         *storage.Sweeper
	rateLimiter     *security.RateLimiter
	instrumentation *instrumentation.Instrumentation
	closeStore      func()
	logger          *slog.Logger
}

// New builds a Service from cfg. scopes is the registry every requested
// scope is validated against. opts are passed to server.New, e.g.
// server.WithClientRegistry.
//
// The sweeper is started unless cfg.SweepInterval is negative. Call Close to
// release the store connection and stop background work.
func New(ctx context.Context, cfg *Config, scopes *scope.Registry, opts ...server.Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.OrReal(cfg.Clock)

	svc := &Service{logger: logger}

	inst, err := instrumentation.New(cfg.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	svc.instrumentation = inst

	keys, err := security.DeriveKeys(cfg.Security.EncryptionKey)
	if err != nil {
		_ = svc.closeAll(ctx)
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	if err := svc.openStore(ctx, cfg.Storage, keys, clk, logger); err != nil {
		_ = svc.closeAll(ctx)
		return nil, err
	}

	if cfg.Security.SecurityEventRate > 0 {
		svc.rateLimiter = security.NewRateLimiterWithConfig(security.RateLimiterConfig{
			Rate:   cfg.Security.SecurityEventRate,
			Burst:  cfg.Security.SecurityEventBurst,
			Clock:  clk,
			Logger: logger,
		})
	}

	serverOpts := []server.Option{
		server.WithClock(clk),
		server.WithAuditor(security.NewAuditor(logger, cfg.Security.EnableAuditLogging)),
		server.WithInstrumentation(inst),
		server.WithSecurityEventRateLimiter(svc.rateLimiter),
	}
	srv, err := server.New(svc.store, scopes, &cfg.Server, logger, append(serverOpts, opts...)...)
	if err != nil {
		_ = svc.closeAll(ctx)
		return nil, err
	}
	svc.Server = srv

	if sweepable, ok := svc.store.(storage.Sweepable); ok && cfg.SweepInterval >= 0 {
		svc.sweeper = storage.NewSweeper(sweepable, cfg.SweepInterval, logger)
		svc.sweeper.SetInstrumentation(inst)
		svc.sweeper.Start(context.WithoutCancel(ctx))
	}

	logger.Info("Grant service started",
		"storage", cfg.Storage.Backend,
		"rotation", srv.Config.AllowRefreshTokenRotation,
		"encryption", len(keys.Encryption) > 0)

	return svc, nil
}

func (s *Service) openStore(ctx context.Context, cfg StorageConfig, keys security.KeySet, clk clock.Clock, logger *slog.Logger) error {
	switch cfg.Backend {
	case "", BackendMemory:
		if len(keys.Encryption) > 0 {
			logger.Debug("Encryption key ignored by the in-memory store")
		}
		store := memory.NewWithClock(clk)
		store.SetLogger(logger)
		store.SetInstrumentation(s.instrumentation)
		s.store = store
		s.closeStore = store.Stop

	case BackendValkey:
		store, err := valkey.New(valkey.Config{
			Address:      cfg.Valkey.Address,
			Password:     cfg.Valkey.Password,
			DB:           cfg.Valkey.DB,
			KeyPrefix:    cfg.Valkey.KeyPrefix,
			DisableCache: cfg.Valkey.DisableCache,
			Keys:         keys,
			Clock:        clk,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open valkey storage: %w", err)
		}
		store.SetInstrumentation(s.instrumentation)
		s.store = store
		s.closeStore = store.Close

	case BackendPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:         cfg.Postgres.DSN,
			MaxConns:    cfg.Postgres.MaxConns,
			AutoMigrate: cfg.Postgres.AutoMigrate,
			Keys:        keys,
			Clock:       clk,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open postgres storage: %w", err)
		}
		store.SetInstrumentation(s.instrumentation)
		s.store = store
		s.closeStore = store.Close

	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
	return nil
}

// Store returns the grant store the service runs on.
func (s *Service) Store() storage.GrantStore {
	return s.store
}

// Sweeper returns the expiry sweeper, or nil if sweeping is disabled.
func (s *Service) Sweeper() *storage.Sweeper {
	return s.sweeper
}

// Instrumentation returns the service's instrumentation.
func (s *Service) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Close stops the sweeper, closes the store and flushes instrumentation.
func (s *Service) Close(ctx context.Context) error {
	return s.closeAll(ctx)
}

func (s *Service) closeAll(ctx context.Context) error {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.closeStore != nil {
		s.closeStore()
		s.closeStore = nil
	}
	if s.instrumentation != nil {
		return s.instrumentation.Shutdown(ctx)
	}
	return nil
}
