package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLedgerCollectors_RegisteredOnDefaultRegistry(t *testing.T) {
	SettlementsTotal.WithLabelValues("online", "initiated").Inc()
	PaymentEventsTotal.WithLabelValues("applied").Inc()
	FailedEventsTotal.WithLabelValues("recorded").Inc()
	IntegrityMismatchesTotal.Inc()
	TxConflictsTotal.Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"ledger_settlements_total":              false,
		"ledger_payment_events_total":           false,
		"ledger_failed_events_total":            false,
		"ledger_tab_integrity_mismatches_total": false,
		"ledger_tx_conflicts_total":             false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("collector %s not registered", name)
		}
	}
}

func TestSettlementsTotal_LabelsAreIndependent(t *testing.T) {
	a := testutil.ToFloat64(SettlementsTotal.WithLabelValues("counter", "initiated"))
	b := testutil.ToFloat64(SettlementsTotal.WithLabelValues("counter", "nothing_to_collect"))
	SettlementsTotal.WithLabelValues("counter", "initiated").Inc()
	if got := testutil.ToFloat64(SettlementsTotal.WithLabelValues("counter", "initiated")); got != a+1 {
		t.Fatalf("initiated = %v; want %v", got, a+1)
	}
	if got := testutil.ToFloat64(SettlementsTotal.WithLabelValues("counter", "nothing_to_collect")); got != b {
		t.Fatalf("nothing_to_collect changed: %v", got)
	}
}
