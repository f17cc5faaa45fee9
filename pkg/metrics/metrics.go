// Package metrics exposes Prometheus instrumentation for the action
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActionsClaimed counts actions claimed by this engine, by kind.
	ActionsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corral_actions_claimed_total",
		Help: "Number of actions claimed by this engine",
	}, []string{"kind"})

	// ActionsCompleted counts finished actions by kind and final status.
	ActionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corral_actions_completed_total",
		Help: "Number of actions finished by this engine",
	}, []string{"kind", "status"})

	// ActionDuration observes wall time from claim to completion.
	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corral_action_duration_seconds",
		Help:    "Action execution time from claim to completion",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"kind"})

	// LockRetries counts lock acquisitions deferred by contention.
	LockRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corral_lock_retries_total",
		Help: "Number of times an action was deferred waiting for locks",
	})

	// LocksStolen counts locks taken over from dead engines.
	LocksStolen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corral_locks_stolen_total",
		Help: "Number of locks stolen from dead engines",
	})

	// WorkersBusy tracks workers currently executing an action.
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corral_workers_busy",
		Help: "Number of dispatcher workers currently executing an action",
	})

	// PolicyCheckFailures counts actions aborted by a policy pre-check.
	PolicyCheckFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corral_policy_check_failures_total",
		Help: "Number of actions aborted by a policy pre-check",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
