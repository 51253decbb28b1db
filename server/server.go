package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-grants/clock"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

// Server is the grant manager. It holds no mutable grant state of its own:
// every state transition goes through an atomic GrantStore primitive, so any
// number of Servers may share one store.
type Server struct {
	store     storage.GrantStore
	scopes    *scope.Registry
	generator security.Generator
	clients   ClientRegistry
	clock     clock.Clock

	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Instrumentation          *instrumentation.Instrumentation
	Logger                   *slog.Logger
	Config                   *Config

	tracer trace.Tracer
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithClock sets the time source used for issuance and expiry decisions.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = clock.OrReal(c) }
}

// WithGenerator replaces the credential generator.
func WithGenerator(g security.Generator) Option {
	return func(s *Server) {
		if g != nil {
			s.generator = g
		}
	}
}

// WithClientRegistry enables redirect URI registration and scope
// entitlement checks at code issuance.
func WithClientRegistry(r ClientRegistry) Option {
	return func(s *Server) { s.clients = r }
}

// WithAuditor sets the security auditor.
func WithAuditor(a *security.Auditor) Option {
	return func(s *Server) { s.Auditor = a }
}

// WithSecurityEventRateLimiter limits how often repeated security events
// (code replay, stale refresh tokens, mismatches) are logged.
func WithSecurityEventRateLimiter(rl *security.RateLimiter) Option {
	return func(s *Server) { s.SecurityEventRateLimiter = rl }
}

// WithInstrumentation enables tracing and metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Server) { s.Instrumentation = inst }
}

// New creates a grant manager over store. scopes is the registry every
// requested scope is validated against.
func New(store storage.GrantStore, scopes *scope.Registry, config *Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if scopes == nil {
		return nil, fmt.Errorf("scope registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		store:     store,
		scopes:    scopes,
		generator: security.NewTokenGenerator(),
		clock:     clock.Real{},
		Logger:    logger,
		Config:    applyDefaults(config, logger),
	}
	for _, opt := range opts {
		opt(srv)
	}

	if srv.Instrumentation != nil {
		srv.tracer = srv.Instrumentation.Tracer("server")
	} else {
		srv.tracer = noop.NewTracerProvider().Tracer("")
	}

	return srv, nil
}

// GetScopeProvider returns the provider registered for token.
// Unknown tokens are not an error.
func (s *Server) GetScopeProvider(token string) (scope.Provider, bool) {
	return s.scopes.Lookup(token)
}

// storageContext bounds a single store call by Config.StorageTimeout.
func (s *Server) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Config.storageTimeout())
}

// generate draws one credential. A failing entropy source is reported as a
// storage-class failure because the operation cannot proceed.
func (s *Server) generate() (string, error) {
	v, err := s.generator.Generate()
	if err != nil {
		return "", newError(KindStorage, "credential generation failed", err)
	}
	if v == "" {
		return "", newError(KindStorage, "credential generation returned an empty value", nil)
	}
	return v, nil
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

// logSecurityEvent logs a security-relevant rejection unless the event
// limiter suppresses it for key.
func (s *Server) logSecurityEvent(ctx context.Context, eventType, key, msg string, args ...any) {
	if !s.SecurityEventRateLimiter.Allow(eventType + ":" + key) {
		if m := s.metrics(); m != nil {
			m.RecordSecurityEventSuppressed(ctx, eventType)
		}
		return
	}
	s.Logger.Warn(msg, append([]any{"event_type", eventType}, args...)...)
}

// fail records a failed operation on the span, in metrics and, for storage
// failures, in the error log. err is always an *Error.
func (s *Server) fail(ctx context.Context, span trace.Span, operation string, err error) error {
	kind := KindOf(err)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrErrorKind, string(kind)))
	if kind == KindStorage {
		instrumentation.RecordError(span, err)
		s.Logger.Error("Grant store operation failed",
			"operation", operation,
			"error", err)
	}
	if m := s.metrics(); m != nil {
		m.RecordGrantFailure(ctx, operation, string(kind))
	}
	return err
}

func (s *Server) now() time.Time {
	return s.clock.Now()
}
