// Package domain defines the persistence models for orders, tabs, dining
// tables and payment bookkeeping. These types are mapped with GORM and form
// the core data layer of the ledger. Monetary values use decimal.Decimal and
// are stored as strings so no precision is lost on any driver.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderAwaitingPayment OrderStatus = "awaiting_payment"
	OrderConfirmed       OrderStatus = "confirmed"
	OrderPreparing       OrderStatus = "preparing"
	OrderReady           OrderStatus = "ready"
	OrderServed          OrderStatus = "served"
	OrderOutForDelivery  OrderStatus = "out_for_delivery"
	OrderDelivered       OrderStatus = "delivered"
	OrderCompleted       OrderStatus = "completed"
	OrderRejected        OrderStatus = "rejected"
	OrderCancelled       OrderStatus = "cancelled"
)

// orderTransitions lists the forward moves staff may apply with a plain
// status update. Cancellation has its own rules (see CustomerCancellable).
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderAwaitingPayment, OrderConfirmed, OrderRejected},
	OrderAwaitingPayment: {OrderConfirmed, OrderRejected},
	OrderConfirmed:       {OrderPreparing, OrderRejected},
	OrderPreparing:       {OrderReady},
	OrderReady:           {OrderServed, OrderOutForDelivery, OrderCompleted},
	OrderServed:          {OrderCompleted},
	OrderOutForDelivery:  {OrderDelivered},
}

// ParseOrderStatus validates s against the known statuses.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	switch st {
	case OrderPending, OrderAwaitingPayment, OrderConfirmed, OrderPreparing,
		OrderReady, OrderServed, OrderOutForDelivery, OrderDelivered,
		OrderCompleted, OrderRejected, OrderCancelled:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderDelivered, OrderCompleted, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// ExcludedFromTotals reports whether orders in this state never count
// towards a tab's total.
func (s OrderStatus) ExcludedFromTotals() bool {
	return s == OrderRejected || s == OrderCancelled
}

// CanTransition reports whether a status update from s to next is allowed.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, to := range orderTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// CustomerCancellable reports whether the owning customer may still cancel.
func (s OrderStatus) CustomerCancellable() bool {
	return s == OrderPending || s == OrderConfirmed
}

// PaymentStatus is the state of an order's payment sub-record.
type PaymentStatus string

const (
	PaymentUnpaid       PaymentStatus = "unpaid"
	PaymentPayAtCounter PaymentStatus = "pay_at_counter"
	PaymentPaid         PaymentStatus = "paid"
	PaymentCancelled    PaymentStatus = "cancelled"
)

// CanBecome enforces the one-way payment transitions: paid is never undone
// except by cancellation.
func (p PaymentStatus) CanBecome(next PaymentStatus) bool {
	if next == PaymentCancelled {
		return true
	}
	switch p {
	case PaymentUnpaid:
		return next == PaymentPaid || next == PaymentPayAtCounter
	case PaymentPayAtCounter:
		return next == PaymentPaid || next == PaymentUnpaid
	}
	return false
}

// OrderChannel distinguishes how the order is fulfilled.
type OrderChannel string

const (
	ChannelDineIn   OrderChannel = "dine_in"
	ChannelTakeaway OrderChannel = "takeaway"
	ChannelDelivery OrderChannel = "delivery"
)

// PaymentDetails is the payment sub-record embedded in an order.
type PaymentDetails struct {
	Method           string        `json:"method"             gorm:"type:varchar(32)"`
	GatewayOrderID   string        `json:"gateway_order_id"   gorm:"type:varchar(64);index"`
	GatewayPaymentID string        `json:"gateway_payment_id" gorm:"type:varchar(64)"`
	Status           PaymentStatus `json:"status"             gorm:"type:varchar(16);not null;default:'unpaid'"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
}

// LineItem is a single priced entry of an order.
type LineItem struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Amount returns quantity × unit price.
func (li LineItem) Amount() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Order is one customer transaction for a set of line items. Orders are
// never deleted; cancelled and rejected are soft terminal states.
//
// Version is bumped on every write and guards concurrent saves.
type Order struct {
	ID         string       `json:"id"          gorm:"type:char(36);primaryKey"`
	BusinessID string       `json:"business_id" gorm:"type:varchar(64);not null;index"`
	CustomerID string       `json:"customer_id" gorm:"type:varchar(64);not null;index"`
	TabID      *string      `json:"tab_id,omitempty"   gorm:"type:char(36);index"`
	TableID    *string      `json:"table_id,omitempty" gorm:"type:varchar(64)"`
	Channel    OrderChannel `json:"channel"     gorm:"type:varchar(16);not null"`
	Status     OrderStatus  `json:"status"      gorm:"type:varchar(24);not null;index"`

	Payment PaymentDetails `json:"payment" gorm:"embedded;embeddedPrefix:payment_"`

	Items    datatypes.JSON  `json:"items"    gorm:"not null"`
	Subtotal decimal.Decimal `json:"subtotal" gorm:"type:varchar(32);not null"`
	Tax      decimal.Decimal `json:"tax"      gorm:"type:varchar(32);not null"`
	Total    decimal.Decimal `json:"total"    gorm:"type:varchar(32);not null"`

	CancelledBy     *string    `json:"cancelled_by,omitempty"      gorm:"type:varchar(64)"`
	CancelledByRole *string    `json:"cancelled_by_role,omitempty" gorm:"type:varchar(16)"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CancelReason    *string    `json:"cancel_reason,omitempty"     gorm:"type:text"`

	Version   int64     `json:"version" gorm:"not null;default:1"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	History []OrderStatusEvent `json:"history,omitempty" gorm:"-"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }

// LineItems decodes the items column.
func (o *Order) LineItems() ([]LineItem, error) {
	if len(o.Items) == 0 {
		return nil, nil
	}
	var out []LineItem
	if err := json.Unmarshal(o.Items, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetLineItems encodes items into the items column.
func (o *Order) SetLineItems(items []LineItem) error {
	b, err := json.Marshal(items)
	if err != nil {
		return err
	}
	o.Items = datatypes.JSON(b)
	return nil
}

// CountsTowardsTab reports whether the order contributes to tab totals.
func (o *Order) CountsTowardsTab() bool { return !o.Status.ExcludedFromTotals() }

// OrderStatusEvent is one append-only entry of an order's status history.
type OrderStatusEvent struct {
	ID         string      `json:"id"          gorm:"type:char(36);primaryKey"`
	OrderID    string      `json:"order_id"    gorm:"type:char(36);not null;index:idx_order_history,priority:1"`
	FromStatus OrderStatus `json:"from_status" gorm:"type:varchar(24)"`
	ToStatus   OrderStatus `json:"to_status"   gorm:"type:varchar(24);not null"`
	ActorID    string      `json:"actor_id"    gorm:"type:varchar(64)"`
	ActorRole  ActorRole   `json:"actor_role"  gorm:"type:varchar(16)"`
	Note       string      `json:"note,omitempty" gorm:"type:text"`
	CreatedAt  time.Time   `json:"created_at"  gorm:"index:idx_order_history,priority:2"`
}

// TableName returns the database table name for OrderStatusEvent.
func (OrderStatusEvent) TableName() string { return "order_status_events" }
