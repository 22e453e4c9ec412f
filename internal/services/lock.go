package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/observability"
	"github.com/tbourn/go-tab-ledger/internal/repo"
	"github.com/tbourn/go-tab-ledger/internal/store"
)

// PaymentLockManager owns the locked_for_payment flag of a tab, the only
// mutual-exclusion resource of the ledger. At most one settlement can be
// outstanding per tab.
type PaymentLockManager struct {
	Store      *store.Store
	Aggregator *TabAggregator
}

// NewPaymentLockManager constructs a PaymentLockManager.
func NewPaymentLockManager(st *store.Store, agg *TabAggregator) *PaymentLockManager {
	return &PaymentLockManager{Store: st, Aggregator: agg}
}

// Lock marks the tab as locked for payment with method. It fails with
// ErrAlreadyInProgress when a settlement is outstanding.
func (m *PaymentLockManager) Lock(ctx context.Context, tabID string, method domain.PaymentMethod) (*domain.Tab, error) {
	tr := otel.Tracer("services/lock")
	ctx, span := tr.Start(ctx, "PaymentLockManager.Lock",
		trace.WithAttributes(attribute.String("tab.id", tabID), attribute.String("payment.method", string(method))))
	defer span.End()

	var out *domain.Tab
	err := m.Store.Transaction(ctx, func(tx *gorm.DB) error {
		t, err := m.LockTx(ctx, tx, tabID, method)
		out = t
		return err
	})
	if err != nil {
		return nil, observability.Fail(span, err)
	}
	m.Aggregator.forget(ctx, tabID)
	return out, nil
}

// LockTx is Lock inside a caller's transaction.
func (m *PaymentLockManager) LockTx(ctx context.Context, tx *gorm.DB, tabID string, method domain.PaymentMethod) (*domain.Tab, error) {
	tab, err := repo.GetTab(ctx, store.ForUpdate(tx), tabID)
	if err != nil {
		return nil, notFound(err, ErrTabNotFound)
	}
	switch tab.Status {
	case domain.TabLockedForPayment:
		return nil, ErrAlreadyInProgress
	case domain.TabClosed:
		return nil, ErrTabClosed
	}
	now := m.Aggregator.now()
	mstr := string(method)
	tab.Status = domain.TabLockedForPayment
	tab.PaymentInitiatedAt = &now
	tab.PaymentMethod = &mstr
	tab.PaymentReference = nil
	if err := repo.SaveTab(ctx, tx, tab); err != nil {
		return nil, err
	}
	return tab, nil
}

// Unlock returns the tab to active and clears the initiation metadata.
// Unlocking a tab that is not locked is a no-op.
func (m *PaymentLockManager) Unlock(ctx context.Context, tabID string) error {
	tr := otel.Tracer("services/lock")
	ctx, span := tr.Start(ctx, "PaymentLockManager.Unlock",
		trace.WithAttributes(attribute.String("tab.id", tabID)))
	defer span.End()

	err := m.Store.Transaction(ctx, func(tx *gorm.DB) error {
		return m.UnlockTx(ctx, tx, tabID)
	})
	if err != nil {
		return observability.Fail(span, err)
	}
	m.Aggregator.forget(ctx, tabID)
	return nil
}

// UnlockTx is Unlock inside a caller's transaction. Orders left in
// pay_at_counter by an abandoned counter flow go back to unpaid.
func (m *PaymentLockManager) UnlockTx(ctx context.Context, tx *gorm.DB, tabID string) error {
	tab, err := repo.GetTab(ctx, store.ForUpdate(tx), tabID)
	if err != nil {
		return notFound(err, ErrTabNotFound)
	}
	if !tab.Locked() {
		return nil
	}

	ids, err := repo.TabOrderIDs(ctx, tx, tabID)
	if err != nil {
		return err
	}
	orders, err := repo.GetOrdersByIDs(ctx, tx, ids)
	if err != nil {
		return err
	}
	for i := range orders {
		o := &orders[i]
		if o.Payment.Status != domain.PaymentPayAtCounter {
			continue
		}
		o.Payment.Status = domain.PaymentUnpaid
		o.Payment.Method = ""
		if err := repo.SaveOrder(ctx, tx, o); err != nil {
			return err
		}
	}

	tab.Status = domain.TabActive
	tab.PaymentInitiatedAt = nil
	tab.PaymentMethod = nil
	tab.PaymentReference = nil
	return repo.SaveTab(ctx, tx, tab)
}

// BindReference records the gateway order a locked settlement waits for.
// It is a no-op when the tab is no longer locked for method.
func (m *PaymentLockManager) BindReference(ctx context.Context, tabID string, method domain.PaymentMethod, ref string) error {
	err := m.Store.Transaction(ctx, func(tx *gorm.DB) error {
		tab, err := repo.GetTab(ctx, store.ForUpdate(tx), tabID)
		if err != nil {
			return notFound(err, ErrTabNotFound)
		}
		if !tab.Locked() || tab.PaymentMethod == nil || *tab.PaymentMethod != string(method) {
			return nil
		}
		tab.PaymentReference = &ref
		return repo.SaveTab(ctx, tx, tab)
	})
	if err != nil {
		return err
	}
	m.Aggregator.forget(ctx, tabID)
	return nil
}

// Acquire locks the tab and then prices every order that arrived up to now
// into the bill. The lock is released again when there is nothing to
// collect or when the recomputation fails.
func (m *PaymentLockManager) Acquire(ctx context.Context, tabID string, method domain.PaymentMethod) (Totals, error) {
	if _, err := m.Lock(ctx, tabID, method); err != nil {
		return Totals{}, err
	}
	totals, err := m.Aggregator.Recompute(ctx, tabID)
	if err == nil && totals.Pending.IsPositive() {
		return totals, nil
	}
	if uerr := m.Unlock(ctx, tabID); uerr != nil {
		log.Error().Err(uerr).Str("tab_id", tabID).Msg("release lock after failed acquire")
		err = errors.Join(err, uerr)
	}
	if err != nil {
		return Totals{}, err
	}
	return totals, ErrNothingToCollect
}
