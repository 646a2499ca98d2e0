package healing

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the healing state machine.
// All metrics use the kazi_healing_ namespace.
type Metrics struct {
	AttemptsTotal    *prometheus.CounterVec
	EscalationsTotal prometheus.Counter
}

// NewMetrics creates and registers healing metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "healing",
			Name:      "attempts_total",
			Help:      "Total recorded healing attempts by outcome.",
		}, []string{"outcome"}),

		EscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "healing",
			Name:      "escalations_total",
			Help:      "Total missions escalated to a human after the strike limit.",
		}),
	}

	reg.MustRegister(m.AttemptsTotal, m.EscalationsTotal)
	return m
}

// ObserveAttempt counts one recorded attempt.
func (m *Metrics) ObserveAttempt(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.AttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEscalation counts one escalation latch.
func (m *Metrics) ObserveEscalation() {
	m.EscalationsTotal.Inc()
}
