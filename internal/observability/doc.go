// Package observability carries the runtime's telemetry: structured
// logging with secret redaction, Prometheus metrics on a private
// registry, and optional OTLP tracing.
//
// # Logging
//
// NewLogger builds the process logger from the log section of the
// configuration. Every record passes through a RedactingHandler that
// scrubs API keys, tokens, and password-shaped values from messages and
// attributes before the JSON or text handler sees them; the runtime logs
// tool output and provider errors, either of which can carry a secret.
// Components tag themselves the usual way:
//
//	logger := observability.NewLogger(cfg.Log, nil)
//	slog.SetDefault(logger)
//	child := logger.With("component", "scheduler")
//
// # Metrics
//
// NewMetrics registers the collector set (requests, route decisions,
// provider completions, tokens, cloud spend, tool executions, scheduled
// runs, notifications, control-surface requests) on a private registry
// served by Metrics.Handler at /metrics. A nil *Metrics records nothing,
// so callers hold one pointer and never branch on whether metrics are
// enabled.
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when observability.otlp_endpoint
// is set and is a no-op otherwise. The runtime emits one server span per
// agent request, a client span per model completion, and a back-dated
// internal span per tool execution.
package observability
