// Package services – TabAggregator
//
// The aggregator is the only writer of a tab's derived amounts. Every write
// is a full recomputation from the authoritative order rows inside one
// store transaction; nothing increments the totals ad hoc. It also derives
// dining table occupancy from the set of open tabs and closes tabs whose
// orders have all reached a terminal state.
package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-tab-ledger/internal/cache"
	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/observability"
	"github.com/tbourn/go-tab-ledger/internal/repo"
	"github.com/tbourn/go-tab-ledger/internal/store"
)

// Totals are the three derived amounts of a tab.
type Totals struct {
	Total   decimal.Decimal `json:"total_amount"`
	Paid    decimal.Decimal `json:"paid_amount"`
	Pending decimal.Decimal `json:"pending_amount"`
}

func totalsOf(t *domain.Tab) Totals {
	return Totals{Total: t.TotalAmount, Paid: t.PaidAmount, Pending: t.PendingAmount}
}

// Within reports whether every amount differs from o by at most eps.
func (t Totals) Within(o Totals, eps decimal.Decimal) bool {
	return t.Total.Sub(o.Total).Abs().LessThanOrEqual(eps) &&
		t.Paid.Sub(o.Paid).Abs().LessThanOrEqual(eps) &&
		t.Pending.Sub(o.Pending).Abs().LessThanOrEqual(eps)
}

// IntegrityReport is the outcome of VerifyIntegrity.
type IntegrityReport struct {
	TabID     string        `json:"tab_id"`
	Cached    Totals        `json:"cached"`
	Fresh     Totals        `json:"fresh"`
	Mismatch  bool          `json:"mismatch"`
	Corrected bool          `json:"corrected"`
	StuckLock bool          `json:"stuck_lock"`
	LockedFor time.Duration `json:"locked_for,omitempty"`
}

// ReconcileSummary counts what a ReconcileAll pass found.
type ReconcileSummary struct {
	Tabs       int `json:"tabs"`
	Mismatches int `json:"mismatches"`
	StuckLocks int `json:"stuck_locks"`
	Integrity  int `json:"integrity_errors"`
	Tables     int `json:"tables"`
}

// TabAggregator recomputes tab totals and table occupancy.
type TabAggregator struct {
	Store *store.Store
	Cache cache.TabCache

	// Epsilon is the tolerance used when comparing cached and fresh totals.
	Epsilon decimal.Decimal
	// StuckLockAfter flags locks held longer than this; zero disables.
	StuckLockAfter time.Duration
	// Workers bounds the parallelism of ReconcileAll.
	Workers int

	Now func() time.Time
}

// NewTabAggregator constructs a TabAggregator with defaults for the clock
// and reconciliation parallelism.
func NewTabAggregator(st *store.Store, c cache.TabCache, eps decimal.Decimal, stuckAfter time.Duration) *TabAggregator {
	if c == nil {
		c = cache.Nop{}
	}
	return &TabAggregator{
		Store:          st,
		Cache:          c,
		Epsilon:        eps,
		StuckLockAfter: stuckAfter,
		Workers:        4,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a tab by id.
func (a *TabAggregator) Get(ctx context.Context, tabID string) (*domain.Tab, error) {
	t, err := repo.GetTab(ctx, a.Store.Read(ctx), tabID)
	if err != nil {
		return nil, notFound(err, ErrTabNotFound)
	}
	return t, nil
}

// Recompute derives the tab's totals from its orders and writes them back.
func (a *TabAggregator) Recompute(ctx context.Context, tabID string) (Totals, error) {
	tr := otel.Tracer("services/aggregator")
	ctx, span := tr.Start(ctx, "TabAggregator.Recompute",
		trace.WithAttributes(attribute.String("tab.id", tabID)))
	defer span.End()

	var out Totals
	err := a.Store.Transaction(ctx, func(tx *gorm.DB) error {
		t, err := a.RecomputeTx(ctx, tx, tabID)
		out = t
		return err
	})
	if err != nil {
		return Totals{}, observability.Fail(span, err)
	}
	a.forget(ctx, tabID)
	return out, nil
}

// forget drops the cached view of a tab after a committed change.
func (a *TabAggregator) forget(ctx context.Context, tabID string) {
	if err := a.Cache.Invalidate(ctx, cache.TabKey(tabID)); err != nil {
		log.Warn().Err(err).Str("tab_id", tabID).Msg("cache invalidation failed")
	}
}

// RecomputeTx is Recompute inside a caller's transaction. A negative pending
// amount aborts with ErrIntegrity and nothing is written.
func (a *TabAggregator) RecomputeTx(ctx context.Context, tx *gorm.DB, tabID string) (Totals, error) {
	tab, err := repo.GetTab(ctx, store.ForUpdate(tx), tabID)
	if err != nil {
		return Totals{}, notFound(err, ErrTabNotFound)
	}
	totals, err := a.sum(ctx, tx, tabID)
	if err != nil {
		return Totals{}, err
	}
	if totals.Pending.IsNegative() {
		observability.IntegrityMismatchesTotal.Inc()
		log.Error().
			Str("tab_id", tabID).
			Str("total", totals.Total.String()).
			Str("paid", totals.Paid.String()).
			Str("pending", totals.Pending.String()).
			Msg("negative pending amount on tab")
		return Totals{}, fmt.Errorf("%w: tab %s has negative pending amount %s", ErrIntegrity, tabID, totals.Pending)
	}

	now := a.now()
	tab.TotalAmount = totals.Total
	tab.PaidAmount = totals.Paid
	tab.PendingAmount = totals.Pending
	tab.LastRecalculatedAt = &now
	if err := repo.SaveTab(ctx, tx, tab); err != nil {
		return Totals{}, err
	}
	return totals, nil
}

// sum reads every order referencing the tab and applies the tab invariant.
func (a *TabAggregator) sum(ctx context.Context, tx *gorm.DB, tabID string) (Totals, error) {
	ids, err := repo.TabOrderIDs(ctx, tx, tabID)
	if err != nil {
		return Totals{}, err
	}
	orders, err := repo.GetOrdersByIDs(ctx, tx, ids)
	if err != nil {
		return Totals{}, err
	}
	if len(orders) != len(ids) {
		found := make(map[string]struct{}, len(orders))
		for i := range orders {
			found[orders[i].ID] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				log.Warn().Str("tab_id", tabID).Str("order_id", id).Msg("tab references missing order, skipped")
			}
		}
	}

	total, paid := decimal.Zero, decimal.Zero
	for i := range orders {
		o := &orders[i]
		if !o.CountsTowardsTab() {
			continue
		}
		total = total.Add(o.Total)
		if o.Payment.Status == domain.PaymentPaid {
			paid = paid.Add(o.Total)
		}
	}
	return Totals{Total: total, Paid: paid, Pending: total.Sub(paid)}, nil
}

// VerifyIntegrity compares the cached totals with a fresh recomputation. The
// recomputation also corrects the cache, so a mismatch is healed on return.
func (a *TabAggregator) VerifyIntegrity(ctx context.Context, tabID string) (*IntegrityReport, error) {
	tr := otel.Tracer("services/aggregator")
	ctx, span := tr.Start(ctx, "TabAggregator.VerifyIntegrity",
		trace.WithAttributes(attribute.String("tab.id", tabID)))
	defer span.End()

	tab, err := a.Get(ctx, tabID)
	if err != nil {
		return nil, observability.Fail(span, err)
	}
	rep := &IntegrityReport{TabID: tabID, Cached: totalsOf(tab)}

	if tab.Locked() && tab.PaymentInitiatedAt != nil && a.StuckLockAfter > 0 {
		held := a.now().Sub(*tab.PaymentInitiatedAt)
		if held > a.StuckLockAfter {
			rep.StuckLock = true
			rep.LockedFor = held
			log.Warn().Str("tab_id", tabID).Dur("locked_for", held).Msg("settlement lock looks stuck")
		}
	}

	fresh, err := a.Recompute(ctx, tabID)
	if err != nil {
		rep.Mismatch = true
		return rep, observability.Fail(span, err)
	}
	rep.Fresh = fresh
	if !rep.Cached.Within(fresh, a.Epsilon) {
		rep.Mismatch = true
		rep.Corrected = true
		observability.IntegrityMismatchesTotal.Inc()
		log.Warn().
			Str("tab_id", tabID).
			Str("cached_total", rep.Cached.Total.String()).
			Str("fresh_total", fresh.Total.String()).
			Str("cached_paid", rep.Cached.Paid.String()).
			Str("fresh_paid", fresh.Paid.String()).
			Msg("tab totals drifted, corrected")
	}
	span.SetAttributes(attribute.Bool("tab.mismatch", rep.Mismatch), attribute.Bool("tab.stuck_lock", rep.StuckLock))
	return rep, nil
}

// RecomputeOccupancyTx re-derives a dining table's occupancy from the tabs
// still open at it.
func (a *TabAggregator) RecomputeOccupancyTx(ctx context.Context, tx *gorm.DB, tableID string) error {
	if tableID == "" {
		return nil
	}
	n, err := repo.CountOpenTabs(ctx, tx, tableID)
	if err != nil {
		return err
	}
	return repo.SetTableOccupancy(ctx, tx, tableID, int(n))
}

// CloseIfDrainedTx closes the tab when no referencing order is still
// non-terminal, then recomputes its table's occupancy. It reports whether
// the tab was closed.
func (a *TabAggregator) CloseIfDrainedTx(ctx context.Context, tx *gorm.DB, tabID string) (bool, error) {
	tab, err := repo.GetTab(ctx, store.ForUpdate(tx), tabID)
	if err != nil {
		return false, notFound(err, ErrTabNotFound)
	}
	if tab.Status == domain.TabClosed {
		return false, nil
	}
	ids, err := repo.TabOrderIDs(ctx, tx, tabID)
	if err != nil {
		return false, err
	}
	orders, err := repo.GetOrdersByIDs(ctx, tx, ids)
	if err != nil {
		return false, err
	}
	for i := range orders {
		if !orders[i].Status.Terminal() {
			return false, nil
		}
	}

	now := a.now()
	tab.Status = domain.TabClosed
	tab.ClosedAt = &now
	tab.PaymentInitiatedAt = nil
	tab.PaymentMethod = nil
	if err := repo.SaveTab(ctx, tx, tab); err != nil {
		return false, err
	}
	log.Info().Str("tab_id", tabID).Str("table_id", tab.TableID).Msg("tab closed")
	return true, a.RecomputeOccupancyTx(ctx, tx, tab.TableID)
}

// ReconcileAll verifies every open tab and re-derives every table's
// occupancy. Individual failures are counted and logged; the pass goes on.
func (a *TabAggregator) ReconcileAll(ctx context.Context) (ReconcileSummary, error) {
	tr := otel.Tracer("services/aggregator")
	ctx, span := tr.Start(ctx, "TabAggregator.ReconcileAll")
	defer span.End()

	tabs, err := repo.ListOpenTabs(ctx, a.Store.Read(ctx))
	if err != nil {
		return ReconcileSummary{}, observability.Fail(span, err)
	}

	var mismatches, stuck, integrity atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, a.Workers))
	for i := range tabs {
		id := tabs[i].ID
		g.Go(func() error {
			rep, err := a.VerifyIntegrity(gctx, id)
			if rep != nil && rep.StuckLock {
				stuck.Add(1)
			}
			switch {
			case err != nil:
				integrity.Add(1)
				log.Error().Err(err).Str("tab_id", id).Msg("reconcile: verify failed")
			case rep.Mismatch:
				mismatches.Add(1)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileSummary{}, observability.Fail(span, err)
	}

	tables, err := repo.ListDiningTableIDs(ctx, a.Store.Read(ctx))
	if err != nil {
		return ReconcileSummary{}, observability.Fail(span, err)
	}
	for _, id := range tables {
		err := a.Store.Transaction(ctx, func(tx *gorm.DB) error {
			return a.RecomputeOccupancyTx(ctx, tx, id)
		})
		if err != nil {
			log.Error().Err(err).Str("table_id", id).Msg("reconcile: occupancy failed")
			continue
		}
		if err := a.Cache.Invalidate(ctx, cache.TableKey(id)); err != nil {
			log.Warn().Err(err).Str("table_id", id).Msg("reconcile: cache invalidation failed")
		}
	}

	sum := ReconcileSummary{
		Tabs:       len(tabs),
		Mismatches: int(mismatches.Load()),
		StuckLocks: int(stuck.Load()),
		Integrity:  int(integrity.Load()),
		Tables:     len(tables),
	}
	log.Info().
		Int("tabs", sum.Tabs).
		Int("mismatches", sum.Mismatches).
		Int("stuck_locks", sum.StuckLocks).
		Int("integrity_errors", sum.Integrity).
		Int("tables", sum.Tables).
		Msg("reconcile pass done")
	return sum, nil
}

// ETag returns a weak validator that changes whenever the tab or any of its
// orders is written.
func (a *TabAggregator) ETag(ctx context.Context, tabID string) (string, error) {
	db := a.Store.Read(ctx)
	t, err := repo.GetTab(ctx, db, tabID)
	if err != nil {
		return "", notFound(err, ErrTabNotFound)
	}
	count, maxTS, err := repo.TabOrderStats(ctx, db, tabID)
	if err != nil {
		return "", err
	}
	var ts int64
	if maxTS != nil {
		ts = maxTS.UnixNano()
	}
	return fmt.Sprintf(`W/"tab:%s:%d:%d:%d"`, tabID, t.Version, count, ts), nil
}

func (a *TabAggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}
