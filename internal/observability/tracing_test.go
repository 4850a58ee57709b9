package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := NewTracer(TraceConfig{ServiceName: "valet-test"})
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	if tracer == nil {
		t.Fatal("NewTracer() = nil")
	}
	if tracer.Exporting() {
		t.Error("Exporting() = true with no endpoint")
	}

	// No-op spans must still be safe to use.
	ctx, span := tracer.Start(context.Background(), "operation")
	if ctx == nil {
		t.Fatal("Start() returned nil context")
	}
	tracer.RecordError(span, errors.New("boom"))
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error = %v", err)
	}
}

func TestNewTracerDefaultsServiceName(t *testing.T) {
	tracer, shutdown, err := NewTracer(TraceConfig{})
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "op")
	span.End()
}

// recordingTracer builds a Tracer over an in-memory span recorder so span
// shapes can be asserted without a collector.
func recordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func TestTraceRequestSpanShape(t *testing.T) {
	tracer, recorder := recordingTracer()

	_, span := tracer.TraceRequest(context.Background(), "sess-1", "interactive")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name() != "agent.request" {
		t.Errorf("span name = %q, want agent.request", got.Name())
	}
	if got.SpanKind() != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", got.SpanKind())
	}
	if !hasStringAttr(got, "session.id", "sess-1") {
		t.Errorf("span missing session.id attribute: %v", got.Attributes())
	}
	if !hasStringAttr(got, "session.source", "interactive") {
		t.Errorf("span missing session.source attribute: %v", got.Attributes())
	}
}

func TestTraceProviderCallSpanShape(t *testing.T) {
	tracer, recorder := recordingTracer()

	_, span := tracer.TraceProviderCall(context.Background(), "local", "llama3.1:8b", "workhorse")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name() != "llm.local" {
		t.Errorf("span name = %q, want llm.local", got.Name())
	}
	if got.SpanKind() != trace.SpanKindClient {
		t.Errorf("span kind = %v, want client", got.SpanKind())
	}
	if !hasStringAttr(got, "llm.tier", "workhorse") {
		t.Errorf("span missing llm.tier attribute: %v", got.Attributes())
	}
}

func TestRecordToolSpanBackdatesStart(t *testing.T) {
	tracer, recorder := recordingTracer()

	elapsed := 250 * time.Millisecond
	tracer.RecordToolSpan(context.Background(), "read_file", true, elapsed)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name() != "tool.read_file" {
		t.Errorf("span name = %q, want tool.read_file", got.Name())
	}
	if d := got.EndTime().Sub(got.StartTime()); d != elapsed {
		t.Errorf("span duration = %v, want %v", d, elapsed)
	}
	if got.Status().Code == codes.Error {
		t.Error("successful tool span marked as error")
	}
}

func TestRecordToolSpanFailureStatus(t *testing.T) {
	tracer, recorder := recordingTracer()

	tracer.RecordToolSpan(context.Background(), "shell_exec", false, time.Second)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("failed tool span status = %v, want error", spans[0].Status().Code)
	}
}

func TestRecordErrorSetsStatus(t *testing.T) {
	tracer, recorder := recordingTracer()

	_, span := tracer.Start(context.Background(), "op")
	tracer.RecordError(span, errors.New("provider unavailable"))
	tracer.RecordError(span, nil)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error {
		t.Errorf("status code = %v, want error", status.Code)
	}
	if status.Description != "provider unavailable" {
		t.Errorf("status description = %q", status.Description)
	}
}

func hasStringAttr(span sdktrace.ReadOnlySpan, key, want string) bool {
	for _, attr := range span.Attributes() {
		if string(attr.Key) == key && attr.Value.AsString() == want {
			return true
		}
	}
	return false
}
