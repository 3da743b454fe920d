// Package metrics exposes Prometheus counters for the financial core.
// Contention outcomes (lost races, conflict retries) are expected behavior
// and are counted here rather than logged as errors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TxConflicts counts store-detected serialization conflicts.
var TxConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ordermesh",
	Subsystem: "txexec",
	Name:      "conflicts_total",
	Help:      "Total serialization conflicts detected by the transaction executor.",
})

// TxRetries counts transaction attempts replayed after a conflict.
var TxRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ordermesh",
	Subsystem: "txexec",
	Name:      "retries_total",
	Help:      "Total transaction retries performed after serialization conflicts.",
})

// CreditDecisions counts credit reservation outcomes by result.
var CreditDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ordermesh",
	Subsystem: "credit",
	Name:      "decisions_total",
	Help:      "Total credit reservation decisions by outcome.",
}, []string{"outcome"})

// RaceOutcomes counts acceptCandidate results by reason.
var RaceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ordermesh",
	Subsystem: "allocation",
	Name:      "race_outcomes_total",
	Help:      "Total allocation acceptance attempts by outcome.",
}, []string{"reason"})

// ReconciliationDrift counts accounts flagged by the auditor.
var ReconciliationDrift = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ordermesh",
	Subsystem: "reconciliation",
	Name:      "drift_total",
	Help:      "Total accounts whose cached balance drifted from the ledger.",
})
