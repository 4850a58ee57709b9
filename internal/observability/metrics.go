package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the runtime. Collectors live
// on a private registry so tests and embedders never collide with the
// global one; Handler exposes the registry for the /metrics endpoint.
//
// A nil *Metrics is valid and records nothing, which is how the rest of
// the code runs when metrics_enabled is false.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	routeDecisions *prometheus.CounterVec
	providerReqs   *prometheus.CounterVec
	providerDur    *prometheus.HistogramVec
	tokens         *prometheus.CounterVec
	cloudCost      prometheus.Counter
	toolExecs      *prometheus.CounterVec
	toolDur        *prometheus.HistogramVec
	scheduledRuns  *prometheus.CounterVec
	scheduledDur   *prometheus.HistogramVec
	notifications  *prometheus.CounterVec
	httpReqs       *prometheus.CounterVec
	httpDur        *prometheus.HistogramVec
}

// NewMetrics builds the collector set on a fresh private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_requests_total",
				Help: "Agent requests by outcome status",
			},
			[]string{"status"},
		),

		routeDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_route_decisions_total",
				Help: "Tier resolutions by tier and decision reason",
			},
			[]string{"tier", "reason"},
		),

		providerReqs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_provider_requests_total",
				Help: "Model completions by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		providerDur: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_provider_request_duration_seconds",
				Help:    "Model completion latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_tokens_total",
				Help: "Tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		cloudCost: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "valet_cloud_cost_usd_total",
				Help: "Cumulative cloud spend in US dollars",
			},
		),

		toolExecs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_tool_executions_total",
				Help: "Tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		toolDur: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_tool_execution_duration_seconds",
				Help:    "Tool execution latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		scheduledRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_scheduled_runs_total",
				Help: "Scheduled job firings by job and status",
			},
			[]string{"job", "status"},
		),

		scheduledDur: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_scheduled_run_duration_seconds",
				Help:    "Scheduled job run time in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"job"},
		),

		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_notifications_total",
				Help: "Notification deliveries by outcome",
			},
			[]string{"outcome"},
		),

		httpReqs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_http_requests_total",
				Help: "Control-surface requests by method, path, and code",
			},
			[]string{"method", "path", "code"},
		),

		httpDur: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_http_request_duration_seconds",
				Help:    "Control-surface request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "code"},
		),
	}
}

// Handler serves the private registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one completed agent request.
func (m *Metrics) RecordRequest(status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(status).Inc()
}

// RecordRouteDecision counts one tier resolution.
func (m *Metrics) RecordRouteDecision(tier, reason string) {
	if m == nil {
		return
	}
	m.routeDecisions.WithLabelValues(tier, reason).Inc()
}

// RecordProviderRequest records one model completion with its latency and
// token usage.
func (m *Metrics) RecordProviderRequest(provider, model, status string, seconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.providerReqs.WithLabelValues(provider, model, status).Inc()
	m.providerDur.WithLabelValues(provider, model).Observe(seconds)
	if promptTokens > 0 {
		m.tokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.tokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordCloudCost adds to the cumulative spend counter.
func (m *Metrics) RecordCloudCost(usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.cloudCost.Add(usd)
}

// RecordToolExecution records one tool run.
func (m *Metrics) RecordToolExecution(tool string, success bool, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.toolExecs.WithLabelValues(tool, status).Inc()
	m.toolDur.WithLabelValues(tool).Observe(seconds)
}

// RecordScheduledRun records one scheduled job firing.
func (m *Metrics) RecordScheduledRun(job, status string, seconds float64) {
	if m == nil {
		return
	}
	m.scheduledRuns.WithLabelValues(job, status).Inc()
	m.scheduledDur.WithLabelValues(job).Observe(seconds)
}

// RecordNotification counts one notification delivery attempt.
func (m *Metrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records one control-surface request.
func (m *Metrics) RecordHTTPRequest(method, path, code string, seconds float64) {
	if m == nil {
		return
	}
	m.httpReqs.WithLabelValues(method, path, code).Inc()
	m.httpDur.WithLabelValues(method, path, code).Observe(seconds)
}
