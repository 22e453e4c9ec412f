// Package observability wires tracing and the ledger's Prometheus collectors.
//
// This file declares the domain counters exported on /metrics next to the
// HTTP collectors of the middleware package. Label sets are closed enums so
// cardinality stays bounded.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// SettlementsTotal counts settlement attempts by payment method and outcome
	// (initiated, nothing_to_collect, in_progress, gateway_error, integrity_error, error).
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_settlements_total",
			Help: "Settlement attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	// PaymentEventsTotal counts gateway events by processing outcome
	// (applied, already_processed, rejected, captured, invalid_signature).
	PaymentEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_payment_events_total",
			Help: "Gateway payment events by outcome.",
		},
		[]string{"outcome"},
	)

	// IntegrityMismatchesTotal counts tabs whose cached totals differed from a
	// fresh recomputation, plus recomputations that produced a negative balance.
	IntegrityMismatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_tab_integrity_mismatches_total",
			Help: "Tab integrity faults detected by recomputation.",
		},
	)

	// FailedEventsTotal counts failed-event state transitions
	// (recorded, claimed, resolved, retry_failed, dead_letter).
	FailedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_failed_events_total",
			Help: "Failed payment event transitions.",
		},
		[]string{"transition"},
	)

	// TxConflictsTotal counts transaction attempts aborted by a write conflict.
	TxConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_tx_conflicts_total",
			Help: "Store transactions retried after a write conflict.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SettlementsTotal,
		PaymentEventsTotal,
		IntegrityMismatchesTotal,
		FailedEventsTotal,
		TxConflictsTotal,
	)
}
