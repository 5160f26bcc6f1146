package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pointsync",
		Subsystem: "reconcile",
		Name:      "mismatches",
		Help:      "Children whose balance disagreed with their records in the last run.",
	})

	reconcileMismatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointsync",
		Subsystem: "reconcile",
		Name:      "mismatches_total",
		Help:      "Total balance mismatches found across all runs.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pointsync",
		Subsystem: "reconcile",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointsync",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileMismatchesTotal,
		reconcileDuration,
		reconcileErrors,
	)
}
