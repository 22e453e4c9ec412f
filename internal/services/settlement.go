// Package services – SettlementDispatcher
//
// Settle collects a tab's pending amount through one of the closed set of
// payment methods. Lock-holding channels run under the tab's payment lock:
// the lock is taken first, the bill is recomputed so late orders are
// priced in, and the channel is asked to collect exactly the fresh pending
// amount. A failing channel releases the lock again.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-tab-ledger/internal/cache"
	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/gateway"
	"github.com/tbourn/go-tab-ledger/internal/notify"
	"github.com/tbourn/go-tab-ledger/internal/observability"
	"github.com/tbourn/go-tab-ledger/internal/repo"
	"github.com/tbourn/go-tab-ledger/internal/store"
)

// SettleRequest asks for a tab to be settled.
type SettleRequest struct {
	TabID  string
	Method string
	// ExpectedAmount is what the caller showed the payer, if anything.
	ExpectedAmount *decimal.Decimal
	Actor          domain.Actor
}

// SettlementResult is returned to the caller of Settle.
type SettlementResult struct {
	TabID          string               `json:"tab_id"`
	Method         domain.PaymentMethod `json:"method"`
	Amount         decimal.Decimal      `json:"amount"`
	Currency       string               `json:"currency"`
	AmountAdjusted bool                 `json:"amount_adjusted"`
	ExpectedAmount *decimal.Decimal     `json:"expected_amount,omitempty"`
	TabStatus      domain.TabStatus     `json:"tab_status"`
	Collected
}

// SettlementDispatcher routes settlements to the registered channels.
type SettlementDispatcher struct {
	Store      *store.Store
	Locks      *PaymentLockManager
	Aggregator *TabAggregator
	Effects    Effects
	Currency   string
	Epsilon    decimal.Decimal

	channels map[domain.PaymentMethod]Channel
}

// NewSettlementDispatcher registers channels by their method. A method
// without a channel is reported as unsupported.
func NewSettlementDispatcher(st *store.Store, locks *PaymentLockManager, agg *TabAggregator, eff Effects, cur string, eps decimal.Decimal, channels ...Channel) *SettlementDispatcher {
	d := &SettlementDispatcher{
		Store:      st,
		Locks:      locks,
		Aggregator: agg,
		Effects:    eff.withDefaults(),
		Currency:   cur,
		Epsilon:    eps,
		channels:   make(map[domain.PaymentMethod]Channel, len(channels)),
	}
	for _, ch := range channels {
		d.channels[ch.Method()] = ch
	}
	return d
}

// Settle runs the settlement for req.Method.
func (d *SettlementDispatcher) Settle(ctx context.Context, req SettleRequest) (*SettlementResult, error) {
	tr := otel.Tracer("services/settlement")
	ctx, span := tr.Start(ctx, "SettlementDispatcher.Settle",
		trace.WithAttributes(attribute.String("tab.id", req.TabID), attribute.String("payment.method", req.Method)))
	defer span.End()

	method, ok := domain.ParsePaymentMethod(strings.TrimSpace(req.Method))
	if !ok {
		return nil, observability.Fail(span, ErrUnsupportedMethod)
	}
	ch, ok := d.channels[method]
	if !ok {
		return nil, observability.Fail(span, ErrUnsupportedMethod)
	}
	if strings.TrimSpace(req.TabID) == "" {
		return nil, observability.Fail(span, fmt.Errorf("%w: tab id is required", ErrValidation))
	}

	res, err := d.settle(ctx, ch, req)
	outcome := settleOutcome(err)
	observability.SettlementsTotal.WithLabelValues(string(method), outcome).Inc()
	observability.Outcome(span, outcome)
	if err != nil {
		return nil, observability.Fail(span, err)
	}
	log.Info().
		Str("tab_id", req.TabID).
		Str("method", string(method)).
		Str("amount", res.Amount.StringFixed(2)).
		Bool("amount_adjusted", res.AmountAdjusted).
		Msg("settlement initiated")
	return res, nil
}

func (d *SettlementDispatcher) settle(ctx context.Context, ch Channel, req SettleRequest) (*SettlementResult, error) {
	var (
		totals Totals
		err    error
	)
	if ch.HoldsLock() {
		totals, err = d.Locks.Acquire(ctx, req.TabID, ch.Method())
	} else {
		totals, err = d.validateUnlocked(ctx, req.TabID)
	}
	if err != nil {
		return nil, err
	}

	tab, err := d.Aggregator.Get(ctx, req.TabID)
	if err != nil {
		d.release(ctx, ch, req.TabID)
		return nil, err
	}
	got, err := ch.Collect(ctx, Collection{Tab: tab, Amount: totals.Pending, Currency: d.Currency, Actor: req.Actor})
	if err != nil {
		d.release(ctx, ch, req.TabID)
		var gerr *gateway.Error
		if errors.As(err, &gerr) || errors.Is(err, gateway.ErrNotConfigured) {
			return nil, fmt.Errorf("%w: %w", ErrGateway, err)
		}
		return nil, err
	}

	if ref := got.GatewayOrderID; ch.HoldsLock() && ch.Method().Online() && ref != "" {
		if err := d.Locks.BindReference(ctx, req.TabID, ch.Method(), ref); err != nil {
			log.Error().Err(err).Str("tab_id", req.TabID).Str("gateway_order_id", ref).Msg("bind gateway order to tab")
		}
	}

	res := &SettlementResult{
		TabID:     req.TabID,
		Method:    ch.Method(),
		Amount:    totals.Pending,
		Currency:  d.Currency,
		TabStatus: tab.Status,
		Collected: got,
	}
	if req.ExpectedAmount != nil && req.ExpectedAmount.Sub(totals.Pending).Abs().GreaterThan(d.Epsilon) {
		res.AmountAdjusted = true
		res.ExpectedAmount = req.ExpectedAmount
	}

	amt := totals.Pending
	var p pending
	p.invalidate(cache.TabKey(req.TabID))
	p.notify(notify.Notification{
		Kind:      notify.KindSettlementStarted,
		TabID:     req.TabID,
		Recipient: string(domain.RoleStaff),
		Amount:    &amt,
	})
	d.Effects.flush(ctx, &p)
	return res, nil
}

// validateUnlocked checks a tab for a channel that does not take the lock:
// the tab must be lockable and have something to collect.
func (d *SettlementDispatcher) validateUnlocked(ctx context.Context, tabID string) (Totals, error) {
	tab, err := d.Aggregator.Get(ctx, tabID)
	if err != nil {
		return Totals{}, err
	}
	switch tab.Status {
	case domain.TabLockedForPayment:
		return Totals{}, ErrAlreadyInProgress
	case domain.TabClosed:
		return Totals{}, ErrTabClosed
	}
	totals, err := d.Aggregator.Recompute(ctx, tabID)
	if err != nil {
		return Totals{}, err
	}
	if !totals.Pending.IsPositive() {
		return totals, ErrNothingToCollect
	}
	return totals, nil
}

func (d *SettlementDispatcher) release(ctx context.Context, ch Channel, tabID string) {
	if !ch.HoldsLock() {
		return
	}
	if err := d.Locks.Unlock(ctx, tabID); err != nil {
		log.Error().Err(err).Str("tab_id", tabID).Msg("release settlement lock")
	}
}

// ConfirmCounter records that staff collected a counter settlement: every
// pay_at_counter order becomes paid, totals are recomputed and the tab is
// unlocked.
func (d *SettlementDispatcher) ConfirmCounter(ctx context.Context, tabID string, actor domain.Actor) (Totals, error) {
	tr := otel.Tracer("services/settlement")
	ctx, span := tr.Start(ctx, "SettlementDispatcher.ConfirmCounter",
		trace.WithAttributes(attribute.String("tab.id", tabID)))
	defer span.End()

	if !actor.Role.Privileged() {
		return Totals{}, observability.Fail(span, fmt.Errorf("%w: only staff can confirm counter payments", ErrForbidden))
	}

	var (
		out Totals
		p   pending
	)
	err := d.Store.Transaction(ctx, func(tx *gorm.DB) error {
		p.reset()
		tab, err := repo.GetTab(ctx, store.ForUpdate(tx), tabID)
		if err != nil {
			return notFound(err, ErrTabNotFound)
		}
		if !tab.Locked() || tab.PaymentMethod == nil || *tab.PaymentMethod != string(domain.MethodCounter) {
			return ErrNoCounterSettle
		}
		ids, err := repo.TabOrderIDs(ctx, tx, tabID)
		if err != nil {
			return err
		}
		orders, err := repo.GetOrdersByIDs(ctx, tx, ids)
		if err != nil {
			return err
		}
		now := d.Aggregator.now()
		for i := range orders {
			o := &orders[i]
			if o.Payment.Status != domain.PaymentPayAtCounter {
				continue
			}
			o.Payment.Status = domain.PaymentPaid
			o.Payment.PaidAt = &now
			if err := repo.SaveOrder(ctx, tx, o); err != nil {
				return err
			}
			p.invalidate(cache.OrderKey(o.ID))
		}
		if out, err = d.Aggregator.RecomputeTx(ctx, tx, tabID); err != nil {
			return err
		}
		return d.Locks.UnlockTx(ctx, tx, tabID)
	})
	if err != nil {
		return Totals{}, observability.Fail(span, err)
	}

	paid := out.Paid
	p.invalidate(cache.TabKey(tabID))
	p.notify(notify.Notification{
		Kind:      notify.KindPaymentReceived,
		TabID:     tabID,
		Recipient: string(domain.RoleStaff),
		Amount:    &paid,
		At:        time.Now().UTC(),
	})
	d.Effects.flush(ctx, &p)
	log.Info().Str("tab_id", tabID).Str("actor", actor.ID).Msg("counter settlement confirmed")
	return out, nil
}

func settleOutcome(err error) string {
	switch {
	case err == nil:
		return "initiated"
	case errors.Is(err, ErrNothingToCollect):
		return "nothing_to_collect"
	case errors.Is(err, ErrAlreadyInProgress):
		return "in_progress"
	case errors.Is(err, ErrGateway):
		return "gateway_error"
	case errors.Is(err, ErrIntegrity):
		return "integrity_error"
	}
	return "error"
}
