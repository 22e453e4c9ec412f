// Package services – OrderLifecycle
//
// This file implements order placement, staff status updates and
// cancellation. Every change to an order that belongs to a tab recomputes
// the tab in the same transaction; a change that leaves every order of the
// tab terminal closes the tab and re-derives the table's occupancy.
// Notifications and cache invalidation run after commit.
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-tab-ledger/internal/cache"
	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/notify"
	"github.com/tbourn/go-tab-ledger/internal/observability"
	"github.com/tbourn/go-tab-ledger/internal/repo"
	"github.com/tbourn/go-tab-ledger/internal/store"
)

// MaxItemsPerOrder caps the number of line items of one order.
const MaxItemsPerOrder = 200

// PlaceOrderInput carries a new order.
type PlaceOrderInput struct {
	BusinessID string
	Channel    domain.OrderChannel
	// TableID seats a dine-in order at the table's open tab.
	TableID string
	// TabToken joins the tab owning this access token instead.
	TabToken string
	Items    []domain.LineItem
	Actor    domain.Actor
}

// PlacedOrder is the result of Place.
type PlacedOrder struct {
	Order *domain.Order `json:"order"`
	Tab   *domain.Tab   `json:"tab,omitempty"`
	// AccessToken is returned once, when the tab was opened by this order.
	AccessToken string `json:"access_token,omitempty"`
}

// OrderLifecycle applies order transitions.
type OrderLifecycle struct {
	Store      *store.Store
	Aggregator *TabAggregator
	Effects    Effects
	TaxRate    decimal.Decimal
}

// NewOrderLifecycle constructs an OrderLifecycle.
func NewOrderLifecycle(st *store.Store, agg *TabAggregator, eff Effects, taxRate decimal.Decimal) *OrderLifecycle {
	return &OrderLifecycle{Store: st, Aggregator: agg, Effects: eff.withDefaults(), TaxRate: taxRate}
}

// validateItems checks shape and values of line items.
func validateItems(items []domain.LineItem) error {
	if len(items) == 0 {
		return ErrEmptyOrder
	}
	if len(items) > MaxItemsPerOrder {
		return fmt.Errorf("%w: at most %d items per order", ErrValidation, MaxItemsPerOrder)
	}
	for i, it := range items {
		switch {
		case strings.TrimSpace(it.SKU) == "" && strings.TrimSpace(it.Name) == "":
			return fmt.Errorf("%w: item %d needs a sku or a name", ErrValidation, i)
		case it.Quantity <= 0:
			return fmt.Errorf("%w: item %d quantity must be positive", ErrValidation, i)
		case it.UnitPrice.IsNegative():
			return fmt.Errorf("%w: item %d unit price is negative", ErrValidation, i)
		}
	}
	return nil
}

// price returns subtotal, tax and total of items, rounded to two places.
func price(items []domain.LineItem, taxRate decimal.Decimal) (sub, tax, total decimal.Decimal) {
	sub = decimal.Zero
	for _, it := range items {
		sub = sub.Add(it.Amount())
	}
	sub = sub.Round(2)
	tax = sub.Mul(taxRate).Round(2)
	return sub, tax, sub.Add(tax)
}

// Place validates, prices and stores a new order. Dine-in orders join the
// table's open tab, or open one; a tab locked for payment still accepts
// late orders, which the settlement recompute then prices in.
func (l *OrderLifecycle) Place(ctx context.Context, in PlaceOrderInput) (*PlacedOrder, error) {
	tr := otel.Tracer("services/lifecycle")
	ctx, span := tr.Start(ctx, "OrderLifecycle.Place",
		trace.WithAttributes(attribute.String("order.channel", string(in.Channel)), attribute.Int("order.items", len(in.Items))))
	defer span.End()

	if err := validateItems(in.Items); err != nil {
		return nil, observability.Fail(span, err)
	}
	if in.Channel == "" {
		in.Channel = domain.ChannelDineIn
	}
	switch in.Channel {
	case domain.ChannelDineIn:
		if in.TableID == "" && in.TabToken == "" {
			return nil, observability.Fail(span, fmt.Errorf("%w: dine-in orders need a table or a tab token", ErrValidation))
		}
	case domain.ChannelTakeaway, domain.ChannelDelivery:
	default:
		return nil, observability.Fail(span, fmt.Errorf("%w: unknown channel %q", ErrValidation, in.Channel))
	}
	if in.Actor.ID == "" {
		return nil, observability.Fail(span, fmt.Errorf("%w: actor is required", ErrValidation))
	}
	businessID := in.BusinessID
	if businessID == "" {
		businessID = in.Actor.BusinessID
	}
	sub, tax, total := price(in.Items, l.TaxRate)

	var (
		out PlacedOrder
		fx  pending
	)
	err := l.Store.Transaction(ctx, func(tx *gorm.DB) error {
		fx.reset()
		out = PlacedOrder{}

		o := &domain.Order{
			BusinessID: businessID,
			CustomerID: in.Actor.ID,
			Channel:    in.Channel,
			Status:     domain.OrderPending,
			Payment:    domain.PaymentDetails{Status: domain.PaymentUnpaid},
			Subtotal:   sub,
			Tax:        tax,
			Total:      total,
		}
		if err := o.SetLineItems(in.Items); err != nil {
			return err
		}

		var tab *domain.Tab
		if in.Channel == domain.ChannelDineIn {
			t, opened, err := l.joinTab(ctx, tx, businessID, in)
			if err != nil {
				return err
			}
			tab = t
			if opened {
				out.AccessToken = t.AccessToken
			}
			o.TabID = &t.ID
			o.TableID = &t.TableID
			o.BusinessID = t.BusinessID
		}

		if err := repo.CreateOrder(ctx, tx, o); err != nil {
			return err
		}
		if err := repo.AppendStatusEvent(ctx, tx, &domain.OrderStatusEvent{
			OrderID:   o.ID,
			ToStatus:  o.Status,
			ActorID:   in.Actor.ID,
			ActorRole: in.Actor.Role,
			Note:      "order placed",
		}); err != nil {
			return err
		}
		out.Order = o
		fx.invalidate(cache.OrderKey(o.ID))

		if tab != nil {
			if err := repo.LinkOrder(ctx, tx, tab.ID, o.ID); err != nil {
				return err
			}
			if _, err := l.Aggregator.RecomputeTx(ctx, tx, tab.ID); err != nil {
				return err
			}
			if err := l.Aggregator.RecomputeOccupancyTx(ctx, tx, tab.TableID); err != nil {
				return err
			}
			fresh, err := repo.GetTab(ctx, tx, tab.ID)
			if err != nil {
				return err
			}
			out.Tab = fresh
			fx.invalidate(cache.TabKey(tab.ID), cache.TableKey(tab.TableID))
		}
		return nil
	})
	if err != nil {
		return nil, observability.Fail(span, err)
	}

	amt := out.Order.Total
	fx.notify(notify.Notification{Kind: notify.KindOrderPlaced, OrderID: out.Order.ID, TabID: ptrValue(out.Order.TabID), Recipient: string(domain.RoleStaff), Amount: &amt})
	l.Effects.flush(ctx, &fx)
	log.Info().Str("order_id", out.Order.ID).Str("tab_id", ptrValue(out.Order.TabID)).Str("total", amt.StringFixed(2)).Msg("order placed")
	return &out, nil
}

// joinTab resolves the tab a dine-in order joins, opening one when the
// table has none.
func (l *OrderLifecycle) joinTab(ctx context.Context, tx *gorm.DB, businessID string, in PlaceOrderInput) (*domain.Tab, bool, error) {
	if in.TabToken != "" {
		t, err := repo.GetTabByToken(ctx, tx, in.TabToken)
		if err != nil {
			return nil, false, notFound(err, ErrTabNotFound)
		}
		if t.Status == domain.TabClosed {
			return nil, false, ErrTabClosed
		}
		return t, false, nil
	}

	t, err := repo.FindOpenTab(ctx, tx, businessID, in.TableID)
	if err == nil {
		return t, false, nil
	}
	if !repo.IsNotFound(err) {
		return nil, false, err
	}
	if _, err := repo.EnsureDiningTable(ctx, tx, businessID, in.TableID); err != nil {
		return nil, false, err
	}
	t, err = repo.CreateTab(ctx, tx, businessID, in.TableID)
	if err != nil {
		return nil, false, err
	}
	log.Info().Str("tab_id", t.ID).Str("table_id", in.TableID).Msg("tab opened")
	return t, true, nil
}

// Get returns an order with its status history.
func (l *OrderLifecycle) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	db := l.Store.Read(ctx)
	o, err := repo.GetOrder(ctx, db, orderID)
	if err != nil {
		return nil, notFound(err, ErrOrderNotFound)
	}
	hist, err := repo.ListStatusEvents(ctx, db, orderID)
	if err != nil {
		return nil, err
	}
	o.History = hist
	return o, nil
}

// UpdateStatus applies a staff or rider status transition. Customers cannot
// update statuses; riders may only move orders out for delivery and
// delivered. A move to cancelled is handled by Cancel.
func (l *OrderLifecycle) UpdateStatus(ctx context.Context, orderID, status string, actor domain.Actor, note string) (*domain.Order, error) {
	to, ok := domain.ParseOrderStatus(strings.TrimSpace(status))
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if to == domain.OrderCancelled {
		return l.Cancel(ctx, orderID, actor, note)
	}

	tr := otel.Tracer("services/lifecycle")
	ctx, span := tr.Start(ctx, "OrderLifecycle.UpdateStatus",
		trace.WithAttributes(attribute.String("order.id", orderID), attribute.String("order.to", string(to))))
	defer span.End()

	switch actor.Role {
	case domain.RoleRider:
		if to != domain.OrderOutForDelivery && to != domain.OrderDelivered {
			return nil, observability.Fail(span, fmt.Errorf("%w: riders may only update delivery progress", ErrForbidden))
		}
	default:
		if !actor.Role.Privileged() {
			return nil, observability.Fail(span, fmt.Errorf("%w: %s may not update order status", ErrForbidden, actor.Role))
		}
	}

	var (
		out *domain.Order
		fx  pending
	)
	err := l.Store.Transaction(ctx, func(tx *gorm.DB) error {
		fx.reset()
		o, err := repo.GetOrder(ctx, store.ForUpdate(tx), orderID)
		if err != nil {
			return notFound(err, ErrOrderNotFound)
		}
		if o.Status.Terminal() {
			return fmt.Errorf("%w: order %s is %s", ErrOrderTerminal, o.ID, o.Status)
		}
		if !o.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
		}
		from := o.Status
		o.Status = to
		if to == domain.OrderRejected && o.Payment.Status != domain.PaymentPaid {
			o.Payment.Status = domain.PaymentCancelled
		}
		if err := repo.SaveOrder(ctx, tx, o); err != nil {
			return err
		}
		if err := repo.AppendStatusEvent(ctx, tx, &domain.OrderStatusEvent{
			OrderID: o.ID, FromStatus: from, ToStatus: to,
			ActorID: actor.ID, ActorRole: actor.Role, Note: note,
		}); err != nil {
			return err
		}
		out = o
		fx.invalidate(cache.OrderKey(o.ID))
		fx.notify(notify.Notification{Kind: notify.KindOrderStatusChanged, OrderID: o.ID, TabID: ptrValue(o.TabID), Recipient: string(domain.RoleCustomer)})
		return l.afterChange(ctx, tx, o, &fx)
	})
	if err != nil {
		return nil, observability.Fail(span, err)
	}
	l.Effects.flush(ctx, &fx)
	log.Info().Str("order_id", orderID).Str("status", string(to)).Str("actor", actor.ID).Msg("order status updated")
	return out, nil
}

// Cancel cancels an order. Privileged actors may cancel any non-terminal
// order; the owning customer only while it is pending or confirmed.
func (l *OrderLifecycle) Cancel(ctx context.Context, orderID string, actor domain.Actor, reason string) (*domain.Order, error) {
	tr := otel.Tracer("services/lifecycle")
	ctx, span := tr.Start(ctx, "OrderLifecycle.Cancel",
		trace.WithAttributes(attribute.String("order.id", orderID), attribute.String("actor.role", string(actor.Role))))
	defer span.End()

	var (
		out *domain.Order
		fx  pending
	)
	err := l.Store.Transaction(ctx, func(tx *gorm.DB) error {
		fx.reset()
		o, err := repo.GetOrder(ctx, store.ForUpdate(tx), orderID)
		if err != nil {
			return notFound(err, ErrOrderNotFound)
		}
		if o.Status.Terminal() {
			return fmt.Errorf("%w: order %s is already %s", ErrOrderTerminal, o.ID, o.Status)
		}
		switch {
		case actor.Role.Privileged():
		case actor.Role == domain.RoleCustomer:
			if o.CustomerID != actor.ID {
				return fmt.Errorf("%w: order belongs to another customer", ErrForbidden)
			}
			if !o.Status.CustomerCancellable() {
				return fmt.Errorf("%w: customers cannot cancel an order that is %s", ErrInvalidTransition, o.Status)
			}
		default:
			return fmt.Errorf("%w: %s may not cancel orders", ErrForbidden, actor.Role)
		}

		now := l.Aggregator.now()
		by, role := actor.ID, string(actor.Role)
		from := o.Status
		o.Status = domain.OrderCancelled
		o.Payment.Status = domain.PaymentCancelled
		o.CancelledBy = &by
		o.CancelledByRole = &role
		o.CancelledAt = &now
		if r := strings.TrimSpace(reason); r != "" {
			o.CancelReason = &r
		}
		if err := repo.SaveOrder(ctx, tx, o); err != nil {
			return err
		}
		if err := repo.AppendStatusEvent(ctx, tx, &domain.OrderStatusEvent{
			OrderID: o.ID, FromStatus: from, ToStatus: domain.OrderCancelled,
			ActorID: actor.ID, ActorRole: actor.Role, Note: reason,
		}); err != nil {
			return err
		}
		out = o
		fx.invalidate(cache.OrderKey(o.ID))
		recipient := domain.RoleStaff
		if actor.Role.Privileged() {
			recipient = domain.RoleCustomer
		}
		fx.notify(notify.Notification{Kind: notify.KindOrderCancelled, OrderID: o.ID, TabID: ptrValue(o.TabID), Recipient: string(recipient)})
		return l.afterChange(ctx, tx, o, &fx)
	})
	if err != nil {
		return nil, observability.Fail(span, err)
	}
	l.Effects.flush(ctx, &fx)
	log.Info().Str("order_id", orderID).Str("actor", actor.ID).Str("role", string(actor.Role)).Msg("order cancelled")
	return out, nil
}

// afterChange recomputes the order's tab and runs the auto-close check when
// the order reached a terminal state.
func (l *OrderLifecycle) afterChange(ctx context.Context, tx *gorm.DB, o *domain.Order, fx *pending) error {
	if o.TabID == nil {
		return nil
	}
	tabID := *o.TabID
	if _, err := l.Aggregator.RecomputeTx(ctx, tx, tabID); err != nil {
		return err
	}
	fx.invalidate(cache.TabKey(tabID))
	if !o.Status.Terminal() {
		return nil
	}
	closed, err := l.Aggregator.CloseIfDrainedTx(ctx, tx, tabID)
	if err != nil {
		return err
	}
	if closed {
		if o.TableID != nil {
			fx.invalidate(cache.TableKey(*o.TableID))
		}
		fx.notify(notify.Notification{Kind: notify.KindTabClosed, TabID: tabID, Recipient: string(domain.RoleStaff)})
	}
	return nil
}

func ptrValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
