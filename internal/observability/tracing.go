package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures span export.
type TraceConfig struct {
	// ServiceName identifies this process in traces. Defaults to "valet".
	ServiceName string

	// ServiceVersion is stamped onto every span's resource.
	ServiceVersion string

	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	// Empty disables export; spans become no-ops.
	Endpoint string

	// Insecure disables TLS on the collector connection. The usual
	// deployment is a collector on the same host, so this is commonly on.
	Insecure bool

	// SamplingRate is the fraction of traces recorded, 0 meaning unset
	// (sample everything).
	SamplingRate float64
}

// Tracer wraps an OpenTelemetry tracer with the span shapes the runtime
// emits: one server span per agent request, a client span per model
// completion, and an internal span per tool execution.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer from cfg. With no endpoint, or when the
// exporter cannot be created, the returned tracer is a working no-op and
// the error (if any) says why export is off; the caller decides whether
// that is worth a log line. The shutdown func flushes pending spans and
// must be called on exit.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "valet"
	}

	noop := &Tracer{tracer: otel.Tracer(cfg.ServiceName)}
	if cfg.Endpoint == "" {
		return noop, func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return noop, func(context.Context) error { return nil }, fmt.Errorf("create OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	rate := cfg.SamplingRate
	if rate == 0 {
		rate = 1.0
	}
	var sampler sdktrace.Sampler
	switch {
	case rate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case rate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}
	return t, provider.Shutdown, nil
}

// Exporting reports whether spans actually leave the process.
func (t *Tracer) Exporting() bool {
	return t != nil && t.provider != nil
}

// Start opens a span. The caller ends it.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// RecordError marks the span failed and attaches err.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceRequest opens the server span that covers one agent request.
func (t *Tracer) TraceRequest(ctx context.Context, sessionID, source string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.source", source),
		),
	)
}

// TraceProviderCall opens the client span for one model completion.
func (t *Tracer) TraceProviderCall(ctx context.Context, provider, model, tier string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("llm.%s", provider),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
			attribute.String("llm.tier", tier),
		),
	)
}

// RecordToolSpan emits a completed span for a tool execution that already
// ran. Tool results are observed after the fact, so the span is back-dated
// by the measured duration.
func (t *Tracer) RecordToolSpan(ctx context.Context, tool string, success bool, elapsed time.Duration) {
	end := time.Now()
	_, span := t.tracer.Start(ctx, fmt.Sprintf("tool.%s", tool),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(end.Add(-elapsed)),
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.Bool("tool.success", success),
		),
	)
	if !success {
		span.SetStatus(codes.Error, "tool failed")
	}
	span.End(trace.WithTimestamp(end))
}
