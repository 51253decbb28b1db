package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingInstrumentation(t *testing.T) (*Instrumentation, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{Enabled: true, SpanProcessors: []sdktrace.SpanProcessor{recorder}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, recorder
}

func attrMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

func TestRecordError(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "op")
	RecordError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
	if len(ended[0].Events()) == 0 {
		t.Error("expected an exception event")
	}
}

func TestSetSpanSuccess(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "op")
	SetSpanSuccess(span)
	span.End()

	if got := recorder.Ended()[0].Status().Code; got != codes.Ok {
		t.Errorf("status = %v, want Ok", got)
	}
}

func TestAddGrantAttributes(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "op")
	AddGrantAttributes(span, "c1", "7", "", "mail.read")
	span.End()

	attrs := attrMap(recorder.Ended()[0].Attributes())
	if attrs[AttrClientID] != "c1" || attrs[AttrContextID] != "7" || attrs[AttrScope] != "mail.read" {
		t.Errorf("unexpected attributes %v", attrs)
	}
	if _, ok := attrs[AttrUserID]; ok {
		t.Error("empty user id should be skipped")
	}
}

func TestAddStorageAttributes(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("storage").Start(context.Background(), "op")
	AddStorageAttributes(span, "take_code", "valkey")
	span.End()

	attrs := attrMap(recorder.Ended()[0].Attributes())
	if attrs[AttrStorageOperation] != "take_code" || attrs[AttrStorageBackend] != "valkey" {
		t.Errorf("unexpected attributes %v", attrs)
	}
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddGrantAttributes(nil, "c", "ctx", "u", "s")
	AddStorageAttributes(nil, "op", "memory")
}
