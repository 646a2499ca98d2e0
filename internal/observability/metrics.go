package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the gateway-level Prometheus metrics.
// Uses a custom registry — no global state. Subsystem packages (worker,
// healing, scheduler) register their own metrics on the same Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Queue metrics.
	TasksEnqueuedTotal prometheus.Counter

	// Browser session metrics.
	BrowserSessionsTotal *prometheus.CounterVec
	BrowserSessionActive prometheus.Gauge

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		TasksEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "queue",
			Name:      "tasks_enqueued_total",
			Help:      "Total tasks accepted into the queue.",
		}),

		BrowserSessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "browser",
			Name:      "sessions_total",
			Help:      "Total browser session operations by result.",
		}, []string{"operation", "status"}),

		BrowserSessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "browser",
			Name:      "session_active",
			Help:      "1 when an interactive browser session is live.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.TasksEnqueuedTotal,
		m.BrowserSessionsTotal,
		m.BrowserSessionActive,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
