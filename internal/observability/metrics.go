package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for archdraw.
// Uses a custom registry, no global state. Record* methods are nil-safe.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Diagram pipeline metrics.
	SessionsTotal        *prometheus.CounterVec
	SessionDuration      prometheus.Histogram
	AttemptsTotal        *prometheus.CounterVec
	ValidationRejections *prometheus.CounterVec
	ActiveSessions       prometheus.Gauge

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GatewayUpdatesTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archdraw",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archdraw",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archdraw",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archdraw",
			Subsystem: "diagram",
			Name:      "sessions_total",
			Help:      "Diagram sessions by terminal state.",
		}, []string{"status"}),

		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "archdraw",
			Subsystem: "diagram",
			Name:      "session_duration_seconds",
			Help:      "End-to-end diagram session duration in seconds.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 60, 120, 300},
		}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archdraw",
			Subsystem: "diagram",
			Name:      "attempts_total",
			Help:      "Execution attempts by outcome.",
		}, []string{"outcome"}),

		ValidationRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archdraw",
			Subsystem: "diagram",
			Name:      "validation_rejections_total",
			Help:      "Scripts rejected before execution, by reason.",
		}, []string{"reason"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "archdraw",
			Subsystem: "diagram",
			Name:      "active_sessions",
			Help:      "Number of diagram sessions in flight.",
		}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archdraw",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"type", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archdraw",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"type"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archdraw",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archdraw",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		GatewayUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archdraw",
			Subsystem: "gateway",
			Name:      "updates_total",
			Help:      "Chat updates handled, by gateway and kind.",
		}, []string{"gateway", "kind"}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.SessionsTotal,
		m.SessionDuration,
		m.AttemptsTotal,
		m.ValidationRejections,
		m.ActiveSessions,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GatewayUpdatesTotal,
	)

	return m
}

// SessionStarted increments the in-flight gauge.
func (m *MetricsCollector) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionFinished records a session's terminal state and duration.
func (m *MetricsCollector) SessionFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

// GatewayUpdate counts one inbound chat update.
func (m *MetricsCollector) GatewayUpdate(gateway, kind string) {
	if m == nil {
		return
	}
	m.GatewayUpdatesTotal.WithLabelValues(gateway, kind).Inc()
}
