// Package metrics exposes Prometheus instruments for the reminder job.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReminderRuns counts job invocations.
	// Labels:
	//   - result: "success", "error"
	ReminderRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_runs_total",
			Help: "Total number of reminder dispatch runs",
		},
		[]string{"result"},
	)

	// ReminderOutcomes counts per-appointment outcomes.
	// Labels:
	//   - outcome: "sent", "skipped", "failed"
	//   - reason: skip reason or failure classification, empty for sent
	ReminderOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_outcomes_total",
			Help: "Per-appointment reminder outcomes",
		},
		[]string{"outcome", "reason"},
	)

	ReminderRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reminder_run_duration_seconds",
			Help:    "Duration of reminder dispatch runs in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	SubscriptionsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_subscriptions_removed_total",
			Help: "Push subscriptions deleted after the push service reported them gone",
		},
	)
)
