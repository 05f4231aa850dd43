package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the janitor.
type Metrics struct {
	Runs        prometheus.Counter
	Failures    prometheus.Counter
	Removed     *prometheus.CounterVec
	RunDuration prometheus.Histogram
}

// NewMetrics creates and registers janitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archdraw",
			Subsystem: "janitor",
			Name:      "runs_total",
			Help:      "Total janitor runs.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archdraw",
			Subsystem: "janitor",
			Name:      "failures_total",
			Help:      "Janitor runs that hit an error.",
		}),
		Removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archdraw",
			Subsystem: "janitor",
			Name:      "removed_total",
			Help:      "Entries removed by the janitor, by kind.",
		}, []string{"kind"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "archdraw",
			Subsystem: "janitor",
			Name:      "run_duration_seconds",
			Help:      "Duration of each janitor run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Runs,
		m.Failures,
		m.Removed,
		m.RunDuration,
	)

	return m
}
