// Package metrics registers and exposes kestrel's Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	triggersReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "triggers_received_total",
			Help:      "Total number of workflow triggers accepted for planning.",
		},
		[]string{"kind"},
	)
	runsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "runs_started_total",
			Help:      "Total number of runs that claimed their concurrency group and started.",
		},
	)
	runsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "runs_finalized_total",
			Help:      "Total number of runs that reached a terminal status.",
		},
		[]string{"status"},
	)
	runsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "runs_cancelled_total",
			Help:      "Total number of cancelled runs grouped by cause.",
		},
		[]string{"reason"},
	)
	invocationsDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "invocations_dispatched_total",
			Help:      "Total number of job instances published to the invocation topic.",
		},
	)
	statusCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "status_callbacks_total",
			Help:      "Total number of job status callbacks consumed from the bus.",
		},
		[]string{"status"},
	)
	lintFindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "lint_findings_total",
			Help:      "Total number of lint findings reported, grouped by severity.",
		},
		[]string{"severity"},
	)
	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished runs from start to finalize.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
	)
	runsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kestrel",
			Name:      "runs_in_flight",
			Help:      "Number of runs currently holding a concurrency group.",
		},
	)
)

var defaultRunStatuses = []string{"succeeded", "failed", "cancelled"}
var defaultCallbackStatuses = []string{"succeeded", "failed", "cancelled"}

func init() {
	Register()
}

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			triggersReceivedTotal,
			runsStartedTotal,
			runsFinalizedTotal,
			runsCancelledTotal,
			invocationsDispatchedTotal,
			statusCallbacksTotal,
			lintFindingsTotal,
			runDurationSeconds,
			runsInFlight,
		)

		for _, s := range defaultRunStatuses {
			runsFinalizedTotal.WithLabelValues(s).Add(0)
		}
		for _, s := range defaultCallbackStatuses {
			statusCallbacksTotal.WithLabelValues(s).Add(0)
		}
	})
}

func ObserveTrigger(kind string) {
	triggersReceivedTotal.WithLabelValues(kind).Inc()
}

func ObserveRunStarted() {
	runsStartedTotal.Inc()
	runsInFlight.Inc()
}

// ObserveRunFinalized records a terminal run. The gauge and the duration
// histogram only move for runs that actually started; a run cancelled while
// still queued never held the group.
func ObserveRunFinalized(status string, started bool, duration time.Duration) {
	runsFinalizedTotal.WithLabelValues(status).Inc()
	if started {
		runsInFlight.Dec()
		runDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveRunCancelled counts cancellations by coarse cause ("superseded",
// "user", "fail-fast") rather than the free-form reason text.
func ObserveRunCancelled(cause string) {
	runsCancelledTotal.WithLabelValues(cause).Inc()
}

func ObserveInvocationDispatched() {
	invocationsDispatchedTotal.Inc()
}

func ObserveStatusCallback(status string) {
	statusCallbacksTotal.WithLabelValues(status).Inc()
}

func ObserveLintFindings(errors, warnings int) {
	if errors > 0 {
		lintFindingsTotal.WithLabelValues("error").Add(float64(errors))
	}
	if warnings > 0 {
		lintFindingsTotal.WithLabelValues("warning").Add(float64(warnings))
	}
}
