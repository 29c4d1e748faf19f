// Package observability holds the process-wide Prometheus collectors and the
// logger helpers shared by the domain packages.
package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "learning"

// ─── Enrollment ─────────────────────────────────────────────────────────────

// IntentTransitions counts committed intent state changes.
var IntentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "enrollment",
	Name:      "intent_transitions_total",
	Help:      "Committed enrollment intent transitions by source and target state.",
}, []string{"from", "to"})

// ConfirmDuration observes the latency of the confirm transaction.
var ConfirmDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "enrollment",
	Name:      "confirm_duration_seconds",
	Help:      "Time spent committing a payment confirmation.",
	Buckets:   prometheus.DefBuckets,
})

// ReconciliationCases counts payments that arrived for terminal intents.
var ReconciliationCases = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "enrollment",
	Name:      "reconciliation_cases_total",
	Help:      "Gateway confirmations that need manual reconciliation, by intent state.",
}, []string{"state"})

// GatewayCallbacks counts inbound gateway results by outcome.
var GatewayCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "gateway",
	Name:      "callbacks_total",
	Help:      "Gateway callbacks received, by outcome.",
}, []string{"outcome"})

// ─── Ledger ─────────────────────────────────────────────────────────────────

// LedgerEntries counts appended ledger entries.
var LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "entries_total",
	Help:      "Ledger entries appended, by kind and status.",
}, []string{"kind", "status"})

// ─── Recurrence ─────────────────────────────────────────────────────────────

// InstancesMaterialized counts event instances created by the recurrence engine.
var InstancesMaterialized = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "recurrence",
	Name:      "instances_materialized_total",
	Help:      "Event instances created from recurring definitions.",
})

// InstancesCancelled counts instances moved to cancelled.
var InstancesCancelled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "recurrence",
	Name:      "instances_cancelled_total",
	Help:      "Event instances cancelled.",
})

// ─── Membership sync ────────────────────────────────────────────────────────

// SyncAttempts counts membership sync attempts by outcome.
var SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "membership",
	Name:      "sync_attempts_total",
	Help:      "Membership sync attempts, by outcome.",
}, []string{"outcome"})

// ─── Scheduler ──────────────────────────────────────────────────────────────

// JobRuns counts background job runs by job and outcome.
var JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "scheduler",
	Name:      "job_runs_total",
	Help:      "Background job runs, by job and outcome.",
}, []string{"job", "outcome"})

// ─── Logging ────────────────────────────────────────────────────────────────

// Component returns l (or the default logger when nil) tagged with a
// component attribute.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}
