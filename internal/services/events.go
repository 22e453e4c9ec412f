// Package services – EventProcessor
//
// Gateway payment events are applied exactly once. The idempotency gate
// (processed_payments keyed by payment id) and the financial effect run in
// the same store transaction, so the marker never exists without its effect
// or the other way round. A rejected event writes nothing, which lets a
// corrected redelivery apply later. Notifications and cache invalidation
// happen only after commit.
package services

import (
	"context"
	"encoding/json"
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

// Outcome is the result class of applying an event.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeRejected         Outcome = "rejected"
	// OutcomeCaptured means the event failed for a non-business reason and
	// was stored for the retry supervisor.
	OutcomeCaptured Outcome = "captured"
)

// ApplyResult describes what happened to one event.
type ApplyResult struct {
	Outcome       Outcome `json:"outcome"`
	Reason        string  `json:"reason,omitempty"`
	PaymentID     string  `json:"payment_id"`
	OrderID       string  `json:"order_id,omitempty"`
	TabID         string  `json:"tab_id,omitempty"`
	FailedEventID string  `json:"failed_event_id,omitempty"`
}

// Recorder stores events that could not be applied inline.
type Recorder interface {
	Record(ctx context.Context, payload []byte, ev domain.PaymentEvent, cause error) (*domain.FailedEvent, error)
}

// rejection aborts the transaction so nothing is written, including the
// idempotency marker.
type rejection struct{ reason string }

func (r *rejection) Error() string { return "rejected: " + r.reason }

func reject(format string, args ...any) error {
	return &rejection{reason: fmt.Sprintf(format, args...)}
}

// EventProcessor applies gateway payment events.
type EventProcessor struct {
	Store      *store.Store
	Aggregator *TabAggregator
	Locks      *PaymentLockManager
	Recorder   Recorder
	Effects    Effects

	// Secret verifies event signatures.
	Secret  string
	Epsilon decimal.Decimal
	TaxRate decimal.Decimal
}

// NewEventProcessor constructs an EventProcessor. The recorder is usually
// the RetrySupervisor and may be attached later.
func NewEventProcessor(st *store.Store, agg *TabAggregator, locks *PaymentLockManager, eff Effects, secret string, eps, taxRate decimal.Decimal) *EventProcessor {
	return &EventProcessor{
		Store:      st,
		Aggregator: agg,
		Locks:      locks,
		Effects:    eff.withDefaults(),
		Secret:     secret,
		Epsilon:    eps,
		TaxRate:    taxRate,
	}
}

// Ingest authenticates a raw webhook body and applies it. Events failing
// the signature check are dropped without being stored. Events failing for
// any reason other than a business rejection are handed to the Recorder
// and reported as captured.
func (p *EventProcessor) Ingest(ctx context.Context, body []byte, signature string) (ApplyResult, error) {
	tr := otel.Tracer("services/events")
	ctx, span := tr.Start(ctx, "EventProcessor.Ingest")
	defer span.End()

	if !gateway.VerifySignature(p.Secret, body, signature) {
		observability.PaymentEventsTotal.WithLabelValues("invalid_signature").Inc()
		log.Warn().Int("bytes", len(body)).Msg("payment event with invalid signature dropped")
		return ApplyResult{}, observability.Fail(span, ErrInvalidSignature)
	}

	var ev domain.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ApplyResult{}, observability.Fail(span, fmt.Errorf("%w: malformed event: %v", ErrValidation, err))
	}
	if strings.TrimSpace(ev.PaymentID) == "" {
		return ApplyResult{}, observability.Fail(span, fmt.Errorf("%w: payment_id is required", ErrValidation))
	}
	span.SetAttributes(attribute.String("payment.id", ev.PaymentID), attribute.String("event.type", ev.Type))

	res, err := p.Apply(ctx, ev)
	if err == nil {
		return res, nil
	}
	if p.Recorder == nil {
		return res, observability.Fail(span, err)
	}

	fe, rerr := p.Recorder.Record(ctx, body, ev, err)
	if rerr != nil {
		log.Error().Err(rerr).Str("payment_id", ev.PaymentID).Msg("could not store failed event")
		return res, observability.Fail(span, errors.Join(err, rerr))
	}
	observability.PaymentEventsTotal.WithLabelValues(string(OutcomeCaptured)).Inc()
	observability.Outcome(span, string(OutcomeCaptured))
	log.Warn().Err(err).Str("payment_id", ev.PaymentID).Str("failed_event_id", fe.ID).Msg("payment event captured for retry")
	return ApplyResult{
		Outcome:       OutcomeCaptured,
		Reason:        err.Error(),
		PaymentID:     ev.PaymentID,
		OrderID:       ev.Metadata.OrderID,
		TabID:         ev.Metadata.TabID,
		FailedEventID: fe.ID,
	}, nil
}

// Apply runs the idempotency gate and the event's effect in one retryable
// transaction. Rejections are returned as an outcome, not an error.
func (p *EventProcessor) Apply(ctx context.Context, ev domain.PaymentEvent) (ApplyResult, error) {
	tr := otel.Tracer("services/events")
	ctx, span := tr.Start(ctx, "EventProcessor.Apply",
		trace.WithAttributes(
			attribute.String("payment.id", ev.PaymentID),
			attribute.String("event.type", ev.Type),
			attribute.String("event.kind", ev.Metadata.Kind)))
	defer span.End()

	res := ApplyResult{PaymentID: ev.PaymentID, OrderID: ev.Metadata.OrderID, TabID: ev.Metadata.TabID}
	var fx pending

	err := p.Store.Transaction(ctx, func(tx *gorm.DB) error {
		fx.reset()
		res.Outcome = ""

		_, err := repo.GetProcessedPayment(ctx, tx, ev.PaymentID)
		switch {
		case err == nil:
			res.Outcome = OutcomeAlreadyProcessed
			return nil
		case !repo.IsNotFound(err):
			return err
		}

		if err := p.effect(ctx, tx, ev, &fx); err != nil {
			return err
		}

		marker := &domain.ProcessedPayment{
			PaymentID:   ev.PaymentID,
			OrderID:     ev.Metadata.OrderID,
			TabID:       ev.Metadata.TabID,
			EventType:   ev.Type,
			Amount:      ev.Amount,
			ProcessedAt: time.Now().UTC(),
		}
		if err := repo.CreateProcessedPayment(ctx, tx, marker); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				// A concurrent delivery won; the retry will see its marker.
				return store.ErrConflict
			}
			return err
		}
		res.Outcome = OutcomeApplied
		return nil
	})

	var rj *rejection
	if errors.As(err, &rj) {
		res.Outcome = OutcomeRejected
		res.Reason = rj.reason
		err = nil
		log.Warn().Str("payment_id", ev.PaymentID).Str("reason", rj.reason).Msg("payment event rejected")
	}
	if err != nil {
		return res, observability.Fail(span, err)
	}

	observability.PaymentEventsTotal.WithLabelValues(string(res.Outcome)).Inc()
	observability.Outcome(span, string(res.Outcome))
	if res.Outcome == OutcomeApplied {
		p.Effects.flush(ctx, &fx)
		log.Info().Str("payment_id", ev.PaymentID).Str("kind", ev.Metadata.Kind).Msg("payment event applied")
	}
	return res, nil
}

func (p *EventProcessor) effect(ctx context.Context, tx *gorm.DB, ev domain.PaymentEvent, fx *pending) error {
	switch ev.Type {
	case domain.EventPaymentCaptured:
		switch ev.Metadata.Kind {
		case domain.KindAddon:
			return p.mergeAddon(ctx, tx, ev, fx)
		case domain.KindOrderPayment:
			return p.payOrder(ctx, tx, ev, fx)
		case domain.KindTabSettlement:
			return p.settleTab(ctx, tx, ev, fx)
		}
		return reject("unknown event kind %q", ev.Metadata.Kind)
	case domain.EventPaymentFailed:
		if ev.Metadata.Kind == domain.KindTabSettlement {
			return p.failTabSettlement(ctx, tx, ev, fx)
		}
		return nil
	}
	return reject("unsupported event type %q", ev.Type)
}

func (p *EventProcessor) loadOrder(ctx context.Context, tx *gorm.DB, id string) (*domain.Order, error) {
	if id == "" {
		return nil, reject("metadata.order_id is required")
	}
	o, err := repo.GetOrder(ctx, store.ForUpdate(tx), id)
	if err != nil {
		return nil, notFound(err, ErrOrderNotFound)
	}
	return o, nil
}

// mergeAddon merges paid add-on items into an order that has not been
// confirmed yet.
func (p *EventProcessor) mergeAddon(ctx context.Context, tx *gorm.DB, ev domain.PaymentEvent, fx *pending) error {
	o, err := p.loadOrder(ctx, tx, ev.Metadata.OrderID)
	if err != nil {
		return err
	}
	if o.Status != domain.OrderPending && o.Status != domain.OrderAwaitingPayment {
		return reject("order %s is %s and no longer accepts add-ons", o.ID, o.Status)
	}
	if err := validateItems(ev.Metadata.Items); err != nil {
		return reject("%v", err)
	}

	sub, tax, total := price(ev.Metadata.Items, p.TaxRate)
	if ev.Amount.Sub(total).Abs().GreaterThan(p.Epsilon) {
		return reject("amount %s does not match add-on total %s", ev.Amount, total)
	}
	items, err := o.LineItems()
	if err != nil {
		return err
	}
	if err := o.SetLineItems(append(items, ev.Metadata.Items...)); err != nil {
		return err
	}
	o.Subtotal = o.Subtotal.Add(sub)
	o.Tax = o.Tax.Add(tax)
	o.Total = o.Total.Add(total)
	if err := repo.SaveOrder(ctx, tx, o); err != nil {
		return err
	}
	if err := repo.AppendStatusEvent(ctx, tx, &domain.OrderStatusEvent{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   o.Status,
		ActorID:    domain.SystemActor.ID,
		ActorRole:  domain.RoleSystem,
		Note:       fmt.Sprintf("add-on of %d item(s) merged, payment %s", len(ev.Metadata.Items), ev.PaymentID),
	}); err != nil {
		return err
	}
	return p.touchOrder(ctx, tx, o, fx)
}

// payOrder marks a single order paid.
func (p *EventProcessor) payOrder(ctx context.Context, tx *gorm.DB, ev domain.PaymentEvent, fx *pending) error {
	o, err := p.loadOrder(ctx, tx, ev.Metadata.OrderID)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return reject("order %s is %s", o.ID, o.Status)
	}
	if !o.Payment.Status.CanBecome(domain.PaymentPaid) {
		return reject("order %s payment is %s", o.ID, o.Payment.Status)
	}
	if ev.Amount.Sub(o.Total).Abs().GreaterThan(p.Epsilon) {
		return reject("amount %s does not match order total %s", ev.Amount, o.Total)
	}

	now := time.Now().UTC()
	o.Payment.Status = domain.PaymentPaid
	o.Payment.GatewayPaymentID = ev.PaymentID
	if ev.OrderReference != "" {
		o.Payment.GatewayOrderID = ev.OrderReference
	}
	if o.Payment.Method == "" {
		o.Payment.Method = string(domain.MethodOnline)
	}
	o.Payment.PaidAt = &now
	from := o.Status
	if o.Status == domain.OrderAwaitingPayment {
		o.Status = domain.OrderConfirmed
	}
	if err := repo.SaveOrder(ctx, tx, o); err != nil {
		return err
	}
	if err := repo.AppendStatusEvent(ctx, tx, &domain.OrderStatusEvent{
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   o.Status,
		ActorID:    domain.SystemActor.ID,
		ActorRole:  domain.RoleSystem,
		Note:       "payment " + ev.PaymentID + " captured",
	}); err != nil {
		return err
	}
	amt := ev.Amount
	fx.notify(notify.Notification{Kind: notify.KindPaymentReceived, OrderID: o.ID, Recipient: string(domain.RoleStaff), Amount: &amt})
	return p.touchOrder(ctx, tx, o, fx)
}

// failTabSettlement releases the lock of the online settlement the event
// belongs to. A failure for any other attempt, such as an abandoned
// checkout after the tab moved on to the counter, leaves the tab alone.
func (p *EventProcessor) failTabSettlement(ctx context.Context, tx *gorm.DB, ev domain.PaymentEvent, fx *pending) error {
	tabID := ev.Metadata.TabID
	if tabID == "" {
		return reject("metadata.tab_id is required")
	}
	tab, err := repo.GetTab(ctx, store.ForUpdate(tx), tabID)
	if err != nil {
		return notFound(err, ErrTabNotFound)
	}
	if !tab.AwaitsGatewayOrder(ev.OrderReference) {
		log.Info().
			Str("payment_id", ev.PaymentID).
			Str("tab_id", tabID).
			Str("order_reference", ev.OrderReference).
			Msg("stale payment failure ignored")
		return nil
	}
	if err := p.Locks.UnlockTx(ctx, tx, tabID); err != nil {
		return err
	}
	fx.invalidate(cache.TabKey(tabID))
	return nil
}

// settleTab applies a captured tab settlement: every counted unpaid order
// becomes paid and totals are recomputed. A locked tab is released; a tab
// that was unlocked meanwhile stays active. Captured money the ledger cannot
// book returns ErrUnmatchedPayment rather than a rejection, so Ingest keeps
// the event for an operator.
func (p *EventProcessor) settleTab(ctx context.Context, tx *gorm.DB, ev domain.PaymentEvent, fx *pending) error {
	tabID := ev.Metadata.TabID
	if tabID == "" {
		return reject("metadata.tab_id is required")
	}
	tab, err := repo.GetTab(ctx, store.ForUpdate(tx), tabID)
	if err != nil {
		return notFound(err, ErrTabNotFound)
	}
	if tab.Status == domain.TabClosed {
		return fmt.Errorf("%w: tab %s is closed", ErrUnmatchedPayment, tabID)
	}
	locked := tab.Locked()
	before, err := p.Aggregator.RecomputeTx(ctx, tx, tabID)
	if err != nil {
		return err
	}
	if !before.Pending.IsPositive() {
		return fmt.Errorf("%w: tab %s has nothing pending", ErrUnmatchedPayment, tabID)
	}
	if ev.Amount.Add(p.Epsilon).LessThan(before.Pending) {
		return fmt.Errorf("%w: amount %s does not cover pending %s", ErrUnmatchedPayment, ev.Amount, before.Pending)
	}
	method := string(domain.MethodOnline)
	if locked && tab.PaymentMethod != nil {
		method = *tab.PaymentMethod
	}

	ids, err := repo.TabOrderIDs(ctx, tx, tabID)
	if err != nil {
		return err
	}
	orders, err := repo.GetOrdersByIDs(ctx, tx, ids)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range orders {
		o := &orders[i]
		if !o.CountsTowardsTab() || !o.Payment.Status.CanBecome(domain.PaymentPaid) {
			continue
		}
		o.Payment.Status = domain.PaymentPaid
		o.Payment.GatewayPaymentID = ev.PaymentID
		o.Payment.GatewayOrderID = ev.OrderReference
		o.Payment.Method = method
		o.Payment.PaidAt = &now
		if err := repo.SaveOrder(ctx, tx, o); err != nil {
			return err
		}
		fx.invalidate(cache.OrderKey(o.ID))
	}
	if _, err := p.Aggregator.RecomputeTx(ctx, tx, tabID); err != nil {
		return err
	}
	if locked {
		if err := p.Locks.UnlockTx(ctx, tx, tabID); err != nil {
			return err
		}
	} else {
		log.Warn().Str("payment_id", ev.PaymentID).Str("tab_id", tabID).Msg("tab settlement captured after the lock was released")
	}
	amt := ev.Amount
	fx.invalidate(cache.TabKey(tabID))
	fx.notify(notify.Notification{Kind: notify.KindPaymentReceived, TabID: tabID, Recipient: string(domain.RoleStaff), Amount: &amt})
	return nil
}

// touchOrder recomputes the order's tab, if any, and queues invalidation.
func (p *EventProcessor) touchOrder(ctx context.Context, tx *gorm.DB, o *domain.Order, fx *pending) error {
	fx.invalidate(cache.OrderKey(o.ID))
	if o.TabID == nil {
		return nil
	}
	if _, err := p.Aggregator.RecomputeTx(ctx, tx, *o.TabID); err != nil {
		return err
	}
	fx.invalidate(cache.TabKey(*o.TabID))
	return nil
}
