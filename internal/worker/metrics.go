package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the worker loop.
type Metrics struct {
	ClaimsTotal     prometheus.Counter
	MissionsTotal   *prometheus.CounterVec
	MissionDuration prometheus.Histogram
	ReclaimedTotal  prometheus.Counter
}

// NewMetrics creates and registers worker metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ClaimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "worker",
			Name:      "claims_total",
			Help:      "Total tasks successfully claimed by this worker.",
		}),

		MissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "worker",
			Name:      "missions_total",
			Help:      "Total missions executed by outcome.",
		}, []string{"outcome"}),

		MissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "worker",
			Name:      "mission_duration_seconds",
			Help:      "Wall-clock mission execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		ReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "worker",
			Name:      "reclaimed_tasks_total",
			Help:      "Total abandoned tasks returned to pending by the lease sweep.",
		}),
	}

	reg.MustRegister(m.ClaimsTotal, m.MissionsTotal, m.MissionDuration, m.ReclaimedTotal)
	return m
}

// ObserveClaim counts one successful claim.
func (m *Metrics) ObserveClaim() {
	m.ClaimsTotal.Inc()
}

// ObserveMission counts one finished mission and records its duration.
func (m *Metrics) ObserveMission(success bool, elapsed time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.MissionsTotal.WithLabelValues(outcome).Inc()
	m.MissionDuration.Observe(elapsed.Seconds())
}

// ObserveReclaimed counts tasks returned to pending.
func (m *Metrics) ObserveReclaimed(n int64) {
	m.ReclaimedTotal.Add(float64(n))
}
