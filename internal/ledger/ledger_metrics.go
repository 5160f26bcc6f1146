package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// mutationsTotal counts mutation attempts by direction and outcome
	// (applied, clamped, duplicate, rejected, unavailable).
	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pointsync",
			Name:      "ledger_mutations_total",
			Help:      "Ledger mutations by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pointsync",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pointsync",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(mutationsTotal, opsTotal, opDuration)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	opsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
