package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/repo"
)

func TestTabAggregator_Recompute_PaidAndUnpaidOrders(t *testing.T) {
	l := newLedger(t)
	tab := l.seedTab(t, "T1")
	l.seedOrder(t, tab, "500", domain.PaymentUnpaid, domain.OrderConfirmed)
	l.seedOrder(t, tab, "300", domain.PaymentPaid, domain.OrderServed)

	got, err := l.agg.Recompute(context.Background(), tab.ID)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	assertTotals(t, got, "800", "300", "500")

	stored := l.tab(t, tab.ID)
	assertTotals(t, totalsOf(stored), "800", "300", "500")
	if stored.LastRecalculatedAt == nil {
		t.Fatalf("last_recalculated_at not stamped")
	}
	if !l.cache.has("tab:" + tab.ID) {
		t.Fatalf("tab cache key not invalidated")
	}
}

func TestTabAggregator_Recompute_ExcludesCancelledAndRejected(t *testing.T) {
	l := newLedger(t)
	tab := l.seedTab(t, "T1")
	l.seedOrder(t, tab, "100", domain.PaymentUnpaid, domain.OrderPending)
	l.seedOrder(t, tab, "40", domain.PaymentCancelled, domain.OrderCancelled)
	l.seedOrder(t, tab, "60", domain.PaymentPaid, domain.OrderRejected)

	got, err := l.agg.Recompute(context.Background(), tab.ID)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	assertTotals(t, got, "100", "0", "100")
}

func TestTabAggregator_Recompute_SkipsMissingOrders(t *testing.T) {
	l := newLedger(t)
	tab := l.seedTab(t, "T1")
	l.seedOrder(t, tab, "25.50", domain.PaymentUnpaid, domain.OrderPending)
	if err := repo.LinkOrder(context.Background(), l.db(), tab.ID, "missing-order"); err != nil {
		t.Fatalf("link: %v", err)
	}

	got, err := l.agg.Recompute(context.Background(), tab.ID)
	if err != nil {
		t.Fatalf("missing orders must not abort recompute: %v", err)
	}
	assertTotals(t, got, "25.50", "0", "25.50")
}

func TestTabAggregator_Recompute_NegativePendingIsIntegrityError(t *testing.T) {
	l := newLedger(t)
	tab := l.seedTab(t, "T1")
	l.seedOrder(t, tab, "300", domain.PaymentPaid, domain.OrderServed)
	l.seedOrder(t, tab, "-500", domain.PaymentUnpaid, domain.OrderPending)

	_, err := l.agg.Recompute(context.Background(), tab.ID)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	stored := l.tab(t, tab.ID)
	if !stored.TotalAmount.IsZero() || stored.LastRecalculatedAt != nil || stored.Version != tab.Version {
		t.Fatalf("integrity failure must write nothing, got %+v", stored)
	}
}

func TestTabAggregator_Recompute_TabNotFound(t *testing.T) {
	l := newLedger(t)
	if _, err := l.agg.Recompute(context.Background(), "nope"); !errors.Is(err, ErrTabNotFound) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrTabNotFound, got %v", err)
	}
}

func TestTabAggregator_VerifyIntegrity_CorrectsDrift(t *testing.T) {
	l := newLedger(t)
	tab := l.seedTab(t, "T1")
	l.seedOrder(t, tab, "120", domain.PaymentUnpaid, domain.OrderPending)
	if _, err := l.agg.Recompute(context.Background(), tab.ID); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	// Simulate a stale incremental write.
	if err := l.db().Model(&domain.Tab{}).Where("id = ?", tab.ID).
		Updates(map[string]any{"total_amount": "90", "pending_amount": "90"}).Error; err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	rep, err := l.agg.VerifyIntegrity(context.Background(), tab.ID)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !rep.Mismatch || !rep.Corrected {
		t.Fatalf("expected corrected mismatch, got %+v", rep)
	}
	assertAmount(t, "cached total", rep.Cached.Total, "90")
	assertTotals(t, rep.Fresh, "120", "0", "120")

	rep, err = l.agg.VerifyIntegrity(context.Background(), tab.ID)
	if err != nil || rep.Mismatch {
		t.Fatalf("second pass must be clean, got %+v, %v", rep, err)
	}
}

func TestTabAggregator_VerifyIntegrity_ToleratesEpsilon(t *testing.T) {
	l := newLedger(t)
	tab := l.seedTab(t, "T1")
	l.seedOrder(t, tab, "10.00", domain.PaymentUnpaid, domain.OrderPending)
	if err := l.db().Model(&domain.Tab{}).Where("id = ?", tab.ID).
		Updates(map[string]any{"total_amount": "10.01", "pending_amount": "9.99"}).Error; err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	rep, err := l.agg.VerifyIntegrity(context.Background(), tab.ID)
	if err != nil || rep.Mismatch {
		t.Fatalf("differences within epsilon are not a mismatch: %+v, %v", rep, err)
	}
}

func TestTabAggregator_VerifyIntegrity_FlagsStuckLock(t *testing.T) {
	l := newLedger(t)
	tab := l.seedTab(t, "T1")
	l.seedOrder(t, tab, "50", domain.PaymentUnpaid, domain.OrderPending)

	start := time.Now().UTC()
	l.agg.Now = func() time.Time { return start }
	if _, err := l.locks.Lock(context.Background(), tab.ID, domain.MethodOnline); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	l.agg.Now = func() time.Time { return start.Add(2 * time.Hour) }

	rep, err := l.agg.VerifyIntegrity(context.Background(), tab.ID)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !rep.StuckLock || rep.LockedFor < time.Hour {
		t.Fatalf("expected stuck lock, got %+v", rep)
	}
}

func TestTabAggregator_CloseIfDrained(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	tab := l.seedTab(t, "T1")
	open := l.seedOrder(t, tab, "10", domain.PaymentUnpaid, domain.OrderServed)
	l.seedOrder(t, tab, "20", domain.PaymentPaid, domain.OrderCompleted)
	if err := repo.SetTableOccupancy(ctx, l.db(), "T1", 1); err != nil {
		t.Fatalf("occupancy: %v", err)
	}

	closed, err := l.agg.CloseIfDrainedTx(ctx, l.db(), tab.ID)
	if err != nil || closed {
		t.Fatalf("tab with a served order must stay open: closed=%v err=%v", closed, err)
	}

	open.Status = domain.OrderCompleted
	if err := repo.SaveOrder(ctx, l.db(), open); err != nil {
		t.Fatalf("save: %v", err)
	}
	closed, err = l.agg.CloseIfDrainedTx(ctx, l.db(), tab.ID)
	if err != nil || !closed {
		t.Fatalf("expected close, got closed=%v err=%v", closed, err)
	}
	if got := l.tab(t, tab.ID); got.Status != domain.TabClosed || got.ClosedAt == nil {
		t.Fatalf("tab not closed: %+v", got)
	}
	dt, _ := repo.GetDiningTable(ctx, l.db(), "T1")
	if dt.ActiveTabs != 0 || dt.Status != domain.TableAvailable {
		t.Fatalf("occupancy not recomputed: %+v", dt)
	}
}

func TestTabAggregator_ReconcileAll(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	good := l.seedTab(t, "T1")
	l.seedOrder(t, good, "10", domain.PaymentUnpaid, domain.OrderPending)
	if _, err := l.agg.Recompute(ctx, good.ID); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	drifted := l.seedTab(t, "T2")
	l.seedOrder(t, drifted, "30", domain.PaymentUnpaid, domain.OrderPending)
	broken := l.seedTab(t, "T3")
	l.seedOrder(t, broken, "5", domain.PaymentPaid, domain.OrderServed)
	l.seedOrder(t, broken, "-9", domain.PaymentUnpaid, domain.OrderPending)

	// Stale occupancy counter on T1.
	if err := repo.SetTableOccupancy(ctx, l.db(), "T1", 7); err != nil {
		t.Fatalf("occupancy: %v", err)
	}

	sum, err := l.agg.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if sum.Tabs != 3 || sum.Mismatches != 1 || sum.Integrity != 1 || sum.Tables != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	assertAmount(t, "drifted total", l.tab(t, drifted.ID).TotalAmount, "30")
	dt, _ := repo.GetDiningTable(ctx, l.db(), "T1")
	if dt.ActiveTabs != 1 || dt.Status != domain.TableOccupied {
		t.Fatalf("occupancy not re-derived: %+v", dt)
	}
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errors.New("down") }
func (brokenCache) Set(context.Context, string, []byte) error   { return errors.New("down") }
func (brokenCache) Invalidate(context.Context, ...string) error { return errors.New("down") }

func TestTabAggregator_ReconcileAll_LogsCacheFailures(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	tab := l.seedTab(t, "T1")
	l.seedOrder(t, tab, "10", domain.PaymentUnpaid, domain.OrderPending)

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	agg := NewTabAggregator(l.st, brokenCache{}, eps, time.Hour)
	sum, err := agg.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("cache failures must not fail reconcile: %v", err)
	}
	if sum.Tables != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	out := buf.String()
	if !strings.Contains(out, "reconcile: cache invalidation failed") {
		t.Fatalf("missing warning, log: %s", out)
	}
}

func TestTotals_Within(t *testing.T) {
	a := Totals{Total: dec("10"), Paid: dec("4"), Pending: dec("6")}
	b := Totals{Total: dec("10.01"), Paid: dec("4"), Pending: dec("6.01")}
	if !a.Within(b, eps) {
		t.Fatalf("expected within epsilon")
	}
	if a.Within(b, decimal.Zero) {
		t.Fatalf("zero epsilon must detect the difference")
	}
}
