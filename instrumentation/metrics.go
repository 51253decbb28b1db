package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the grant core
type Metrics struct {
	// Grant lifecycle
	CodesIssued      metric.Int64Counter
	CodesExchanged   metric.Int64Counter
	TokensRefreshed  metric.Int64Counter
	TokensRevoked    metric.Int64Counter
	GrantsBulkRevoke metric.Int64Counter
	GrantFailures    metric.Int64Counter

	// Security
	CodeReuseDetected        metric.Int64Counter
	TokenReuseDetected       metric.Int64Counter
	SecurityEventsSuppressed metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageCodesCount        metric.Int64ObservableGauge
	StorageGrantsCount       metric.Int64ObservableGauge
	SweepEvicted             metric.Int64Counter
}

type counterSpec struct {
	target *metric.Int64Counter
	meter  metric.Meter
	name   string
	desc   string
	unit   string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.CodesIssued, serverMeter, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodesExchanged, serverMeter, "oauth.code.exchanged", "Number of authorization codes exchanged for grants", "{exchange}"},
		{&m.TokensRefreshed, serverMeter, "oauth.token.refreshed", "Number of grants rotated via refresh token", "{refresh}"},
		{&m.TokensRevoked, serverMeter, "oauth.token.revoked", "Number of revocation requests for a single token", "{revocation}"},
		{&m.GrantsBulkRevoke, serverMeter, "oauth.grants.revoked", "Number of grants removed by bulk revocation", "{grant}"},
		{&m.GrantFailures, serverMeter, "oauth.grant.failures", "Number of failed grant operations by error kind", "{failure}"},
		{&m.CodeReuseDetected, securityMeter, "oauth.code.reuse_detected", "Number of unknown, expired or consumed codes presented", "{attempt}"},
		{&m.TokenReuseDetected, securityMeter, "oauth.token.reuse_detected", "Number of stale refresh tokens presented", "{attempt}"},
		{&m.SecurityEventsSuppressed, securityMeter, "oauth.security_events.suppressed", "Number of security log events dropped by rate limiting", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
		{&m.SweepEvicted, storageMeter, "storage.sweep.evicted", "Number of expired records evicted by the sweeper", "{record}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageCodesCount, err = storageMeter.Int64ObservableGauge(
		"storage.codes.count",
		metric.WithDescription("Number of pending authorization codes"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes.count gauge: %w", err)
	}

	m.StorageGrantsCount, err = storageMeter.Int64ObservableGauge(
		"storage.grants.count",
		metric.WithDescription("Number of stored grants"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.grants.count gauge: %w", err)
	}

	return m, nil
}

// RecordCodeIssued records an issued authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	m.CodesExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a revocation request by the token type
// presented and whether a live grant was removed
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string, revoked bool) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
		attribute.Bool("revoked", revoked),
	))
}

// RecordBulkRevocation records grants removed by a bulk revocation
func (m *Metrics) RecordBulkRevocation(ctx context.Context, clientID string, count int) {
	m.GrantsBulkRevoke.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordGrantFailure records a failed operation by error kind
func (m *Metrics) RecordGrantFailure(ctx context.Context, operation, kind string) {
	m.GrantFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("kind", kind),
	))
}

// RecordCodeReuseDetected records an unusable authorization code being presented
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a stale refresh token being presented
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordSecurityEventSuppressed records a security log event dropped by rate limiting
func (m *Metrics) RecordSecurityEventSuppressed(ctx context.Context, eventType string) {
	m.SecurityEventsSuppressed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}

// RecordSweep records records evicted by one sweep pass
func (m *Metrics) RecordSweep(ctx context.Context, codes, grants int) {
	m.SweepEvicted.Add(ctx, int64(codes), metric.WithAttributes(attribute.String("kind", "code")))
	m.SweepEvicted.Add(ctx, int64(grants), metric.WithAttributes(attribute.String("kind", "grant")))
}
