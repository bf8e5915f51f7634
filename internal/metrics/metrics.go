// Package metrics exposes fleetd's Prometheus instrumentation: active
// run counts, queue depth, publish outcomes, and rate-limiter state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Runner holds the runner process's metrics.
type Runner struct {
	ActiveRuns      prometheus.Gauge
	QueueDepth      prometheus.Gauge
	AssignTotal     prometheus.Counter
	AssignEmpty     prometheus.Counter
	FinishTotal     *prometheus.CounterVec // labeled by result code
	WatchdogFired   prometheus.Counter
	AssignDuration  prometheus.Histogram
	HostBackoffsSet prometheus.Counter
}

// NewRunner registers and returns the runner's metrics against reg.
// cmd/runner passes the registry it serves on /metrics; tests pass a
// fresh prometheus.NewRegistry().
func NewRunner(reg prometheus.Registerer) *Runner {
	factory := promauto.With(reg)
	return &Runner{
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "runner",
			Name:      "active_runs",
			Help:      "Number of runs currently assigned to a worker.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "runner",
			Name:      "queue_depth",
			Help:      "Number of unclaimed items left in the scan window.",
		}),
		AssignTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "runner",
			Name:      "assign_total",
			Help:      "Total number of successful worker assignments.",
		}),
		AssignEmpty: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "runner",
			Name:      "assign_empty_total",
			Help:      "Total number of /assign calls that found no eligible queue item.",
		}),
		FinishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "runner",
			Name:      "finish_total",
			Help:      "Total number of finished runs, labeled by result code.",
		}, []string{"code"}),
		WatchdogFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "runner",
			Name:      "watchdog_fired_total",
			Help:      "Total number of runs finished by watchdog timeout rather than a worker callback.",
		}),
		AssignDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleetd",
			Subsystem: "runner",
			Name:      "assign_duration_seconds",
			Help:      "Time spent scanning the queue for the next eligible item.",
			Buckets:   prometheus.DefBuckets,
		}),
		HostBackoffsSet: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "runner",
			Name:      "host_backoffs_total",
			Help:      "Total number of times a VCS host was placed into backoff after a 429.",
		}),
	}
}

// Publisher holds the publisher process's metrics.
type Publisher struct {
	AttemptsTotal    *prometheus.CounterVec // labeled by hoster, outcome
	RateLimited      prometheus.Counter
	DowngradedToPush prometheus.Counter
	BreakerOpen      *prometheus.GaugeVec // labeled by hoster
	ReconcileTotal   prometheus.Counter
	ProposalsClosed  prometheus.Counter
	ProposalsRefresh prometheus.Counter
}

// NewPublisher registers and returns the publisher's metrics against reg.
func NewPublisher(reg prometheus.Registerer) *Publisher {
	factory := promauto.With(reg)
	return &Publisher{
		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "publisher",
			Name:      "attempts_total",
			Help:      "Total number of publish attempts, labeled by hoster and outcome.",
		}, []string{"hoster", "outcome"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "publisher",
			Name:      "rate_limited_total",
			Help:      "Total number of publish attempts degraded to build-only by a rate limiter.",
		}),
		DowngradedToPush: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "publisher",
			Name:      "downgraded_to_propose_total",
			Help:      "Total number of push attempts downgraded to propose for a never-push organization.",
		}),
		BreakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "publisher",
			Name:      "breaker_open",
			Help:      "1 if the circuit breaker for a hoster is currently open, else 0.",
		}, []string{"hoster"}),
		ReconcileTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "publisher",
			Name:      "reconcile_ticks_total",
			Help:      "Total number of proposal reconciliation ticks completed.",
		}),
		ProposalsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "publisher",
			Name:      "proposals_closed_total",
			Help:      "Total number of open proposals closed because their change was absorbed upstream.",
		}),
		ProposalsRefresh: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "publisher",
			Name:      "proposals_refreshed_total",
			Help:      "Total number of open proposals refreshed with a new revision.",
		}),
	}
}
