package instrumentation

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "disabled", config: Config{Enabled: false}},
		{name: "enabled with service name", config: Config{Enabled: true, ServiceName: "test-service", ServiceVersion: "1.0.0"}},
		{name: "enabled with prometheus", config: Config{Enabled: true, MetricsExporter: MetricsExporterPrometheus}},
		{name: "unknown exporter", config: Config{Enabled: true, MetricsExporter: "carrier-pigeon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Meter("server") == nil {
				t.Error("Meter('server') returned nil")
			}
			if inst.Tracer("storage") == nil {
				t.Error("Tracer('storage') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
	if inst.MetricsHandler() != nil {
		t.Error("MetricsHandler() should be nil without an exporter")
	}
}

func collect(t *testing.T, reader sdkmetric.Reader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestMetrics_RecordedValues(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MetricReaders: []sdkmetric.Reader{reader}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(ctx) }()

	m := inst.Metrics()
	m.RecordCodeIssued(ctx, "c1")
	m.RecordCodeIssued(ctx, "c2")
	m.RecordCodeExchange(ctx, "c1")
	m.RecordTokenRefresh(ctx, "c1", true)
	m.RecordTokenRevocation(ctx, "access_token", true)
	m.RecordBulkRevocation(ctx, "c1", 3)
	m.RecordGrantFailure(ctx, "redeem_auth_code", "invalid_grant")
	m.RecordCodeReuseDetected(ctx)
	m.RecordTokenReuseDetected(ctx)
	m.RecordSecurityEventSuppressed(ctx, "auth_failure")
	m.RecordStorageOperation(ctx, "memory", "take_code", "success", 1.5)
	m.RecordSweep(ctx, 2, 5)

	got := collect(t, reader)
	want := map[string]int64{
		"oauth.code.issued":                2,
		"oauth.code.exchanged":             1,
		"oauth.token.refreshed":            1,
		"oauth.token.revoked":              1,
		"oauth.grants.revoked":             3,
		"oauth.grant.failures":             1,
		"oauth.code.reuse_detected":        1,
		"oauth.token.reuse_detected":       1,
		"oauth.security_events.suppressed": 1,
		"storage.operation.total":          1,
		"storage.sweep.evicted":            7,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %d, want %d", name, got[name], v)
		}
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MetricReaders: []sdkmetric.Reader{reader}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(ctx) }()

	reg, err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return 4 },
		func() int64 { return 9 },
	)
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}
	defer func() { _ = reg.Unregister() }()

	got := collect(t, reader)
	if got["storage.codes.count"] != 4 {
		t.Errorf("storage.codes.count = %d, want 4", got["storage.codes.count"])
	}
	if got["storage.grants.count"] != 9 {
		t.Errorf("storage.grants.count = %d, want 9", got["storage.grants.count"])
	}
}

func TestMetricsHandler_Prometheus(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{Enabled: true, MetricsExporter: MetricsExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(ctx) }()

	inst.Metrics().RecordCodeIssued(ctx, "c1")

	handler := inst.MetricsHandler()
	if handler == nil {
		t.Fatal("MetricsHandler() returned nil")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "oauth_code_issued") {
		t.Errorf("prometheus output missing oauth_code_issued:\n%s", body)
	}
}

func TestMetrics_NoOpBehavior(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	m := inst.Metrics()

	// All recorders must be callable on no-op instruments
	m.RecordCodeIssued(ctx, "c1")
	m.RecordStorageOperation(ctx, "memory", "put_code", "error", 0)
	m.RecordSweep(ctx, 0, 0)
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MetricReaders: []sdkmetric.Reader{reader}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(ctx) }()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				inst.Metrics().RecordCodeExchange(ctx, "c1")
			}
		}()
	}
	wg.Wait()

	if got := collect(t, reader)["oauth.code.exchanged"]; got != 1000 {
		t.Errorf("oauth.code.exchanged = %d, want 1000", got)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
