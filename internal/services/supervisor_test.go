package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/repo"
)

func recordMissingOrder(t *testing.T, l *ledger, paymentID string) *domain.FailedEvent {
	t.Helper()
	ev := domain.PaymentEvent{
		Type: domain.EventPaymentCaptured, PaymentID: paymentID, Amount: dec("10"),
		Metadata: domain.EventMetadata{Kind: domain.KindOrderPayment, OrderID: "ghost"},
	}
	fe, err := l.sup.Record(context.Background(), nil, ev, errors.New("order not found"))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return fe
}

func TestRetrySupervisor_BudgetEndsInDeadLetter(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	fe := recordMissingOrder(t, l, "P1")

	for i := 1; i <= DefaultRetryBudget; i++ {
		out, err := l.sup.Retry(ctx, fe.ID, staff)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if out.RetryCount != i {
			t.Fatalf("retry %d: retry_count = %d", i, out.RetryCount)
		}
		want := domain.FailedPending
		if i == DefaultRetryBudget {
			want = domain.FailedDeadLetter
		}
		if out.Status != want {
			t.Fatalf("retry %d: status = %s; want %s", i, out.Status, want)
		}
	}

	if _, err := l.sup.Claim(ctx, fe.ID); !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	sum, err := l.sup.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sum != (SweepSummary{}) {
		t.Fatalf("dead letters must never be swept, got %+v", sum)
	}
	stored, _ := repo.GetFailedEvent(ctx, l.db(), fe.ID)
	if stored.RetryCount != DefaultRetryBudget || stored.Status != domain.FailedDeadLetter {
		t.Fatalf("unexpected final record %+v", stored)
	}
}

func TestRetrySupervisor_ClaimStates(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	if _, err := l.sup.Claim(ctx, "nope"); !errors.Is(err, ErrFailedEventNotFound) {
		t.Fatalf("expected ErrFailedEventNotFound, got %v", err)
	}

	fe := recordMissingOrder(t, l, "P1")
	claimed, err := l.sup.Claim(ctx, fe.ID)
	if err != nil || claimed.Status != domain.FailedProcessing {
		t.Fatalf("Claim: %+v, %v", claimed, err)
	}
	if _, err := l.sup.Claim(ctx, fe.ID); !errors.Is(err, ErrRetryInProgress) {
		t.Fatalf("expected ErrRetryInProgress, got %v", err)
	}
	if _, err := l.sup.Retry(ctx, fe.ID, staff); !errors.Is(err, ErrRetryInProgress) {
		t.Fatalf("manual retry racing a claim: expected ErrRetryInProgress, got %v", err)
	}

	// A record that already used its budget is dead-lettered on claim.
	over := recordMissingOrder(t, l, "P2")
	over.RetryCount = DefaultRetryBudget
	if err := repo.SaveFailedEvent(ctx, l.db(), over); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := l.sup.Claim(ctx, over.ID)
	if !errors.Is(err, ErrMaxRetriesExceeded) || out == nil || out.Status != domain.FailedDeadLetter {
		t.Fatalf("expected dead letter on claim, got %+v, %v", out, err)
	}
}

func TestRetrySupervisor_RetryResolves(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	tab := l.seedTab(t, "T1")
	o := l.seedOrder(t, tab, "60", domain.PaymentUnpaid, domain.OrderPending)

	ev := domain.PaymentEvent{
		Type: domain.EventPaymentCaptured, PaymentID: "P1", Amount: dec("60"),
		Metadata: domain.EventMetadata{Kind: domain.KindOrderPayment, OrderID: o.ID},
	}
	fe, err := l.sup.Record(ctx, nil, ev, errors.New("database unavailable"))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	out, err := l.sup.Retry(ctx, fe.ID, staff)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if out.Status != domain.FailedResolved || out.ResolvedBy == nil || *out.ResolvedBy != staff.ID || out.ResolvedAt == nil {
		t.Fatalf("record not resolved: %+v", out)
	}
	if out.RetryCount != 0 {
		t.Fatalf("a successful retry does not consume budget, got %d", out.RetryCount)
	}
	if s := l.order(t, o.ID).Payment.Status; s != domain.PaymentPaid {
		t.Fatalf("order payment = %s; want paid", s)
	}
	if _, err := l.sup.Retry(ctx, fe.ID, staff); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	// A second record for the same payment resolves without a second effect.
	dup, _ := l.sup.Record(ctx, nil, ev, errors.New("timeout"))
	out, err = l.sup.Retry(ctx, dup.ID, staff)
	if err != nil || out.Status != domain.FailedResolved {
		t.Fatalf("duplicate retry: %+v, %v", out, err)
	}
	assertTotals(t, totalsOf(l.tab(t, tab.ID)), "60", "60", "0")
}

func TestRetrySupervisor_SweepTimesOutStaleClaims(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	start := time.Now().UTC()
	l.sup.Now = func() time.Time { return start }

	fe := recordMissingOrder(t, l, "P1")
	if _, err := l.sup.Claim(ctx, fe.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	l.sup.Now = func() time.Time { return start.Add(2 * time.Minute) }
	sum, err := l.sup.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sum.TimedOut != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	stored, _ := repo.GetFailedEvent(ctx, l.db(), fe.ID)
	if stored.Status != domain.FailedPending || stored.RetryCount != 2 {
		t.Fatalf("unexpected record %+v", stored)
	}
}

func TestRetrySupervisor_List(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	for _, id := range []string{"P1", "P2", "P3"} {
		recordMissingOrder(t, l, id)
	}
	last := recordMissingOrder(t, l, "P4")
	if _, err := l.sup.Claim(ctx, last.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	items, total, err := l.sup.List(ctx, "pending", 1, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("total=%d len=%d; want 3 and 2", total, len(items))
	}
	items, total, err = l.sup.List(ctx, "", 1, 10)
	if err != nil || total != 4 || len(items) != 4 {
		t.Fatalf("unfiltered: total=%d len=%d err=%v", total, len(items), err)
	}
	items, total, err = l.sup.List(ctx, "dead_letter", 1, 10)
	if err != nil || total != 0 || len(items) != 0 {
		t.Fatalf("empty filter: total=%d len=%d err=%v", total, len(items), err)
	}
	if _, _, err := l.sup.List(ctx, "lost", 1, 10); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
