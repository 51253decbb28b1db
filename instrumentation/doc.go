// Package instrumentation provides OpenTelemetry instrumentation for the
// grant core: a tracer and meter per layer ("server", "storage",
// "security"), pre-built metric instruments and nil-safe span helpers.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "my-authorization-server",
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// When Enabled is false every provider is a no-op and recording costs nothing.
//
// # Security
//
// Span attributes and metric labels carry client ids, context ids, user ids
// and scopes. They never carry codes or tokens.
package instrumentation
