package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the cron scheduler.
type Metrics struct {
	FiresTotal *prometheus.CounterVec
}

// NewMetrics creates and registers scheduler metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		FiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Total cron mission fires by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.FiresTotal)
	return m
}

// ObserveFire counts one cron fire.
func (m *Metrics) ObserveFire(enqueued bool) {
	outcome := "error"
	if enqueued {
		outcome = "enqueued"
	}
	m.FiresTotal.WithLabelValues(outcome).Inc()
}
