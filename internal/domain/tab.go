package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TabStatus is the settlement state of a tab.
type TabStatus string

const (
	TabActive           TabStatus = "active"
	TabLockedForPayment TabStatus = "locked_for_payment"
	TabClosed           TabStatus = "closed"
)

// Tab aggregates every order placed during one dine-in session. The three
// amounts are derived from the orders and only ever written by a full
// recomputation.
type Tab struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	BusinessID string    `json:"business_id" gorm:"type:varchar(64);not null;index"`
	TableID    string    `json:"table_id"    gorm:"type:varchar(64);not null;index"`
	Status     TabStatus `json:"status"      gorm:"type:varchar(24);not null;index"`

	TotalAmount   decimal.Decimal `json:"total_amount"   gorm:"type:varchar(32);not null"`
	PaidAmount    decimal.Decimal `json:"paid_amount"    gorm:"type:varchar(32);not null"`
	PendingAmount decimal.Decimal `json:"pending_amount" gorm:"type:varchar(32);not null"`

	PaymentInitiatedAt *time.Time `json:"payment_initiated_at,omitempty"`
	PaymentMethod      *string    `json:"payment_method,omitempty" gorm:"type:varchar(32)"`
	// PaymentReference is the gateway order an online settlement waits for.
	PaymentReference *string `json:"payment_reference,omitempty" gorm:"type:varchar(64)"`

	AccessToken        string     `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	LastRecalculatedAt *time.Time `json:"last_recalculated_at,omitempty"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`

	Version   int64     `json:"version" gorm:"not null;default:1"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Tab.
func (Tab) TableName() string { return "tabs" }

// Locked reports whether a settlement is in progress.
func (t *Tab) Locked() bool { return t.Status == TabLockedForPayment }

// AwaitsGatewayOrder reports whether the tab is locked for an online
// settlement bound to the gateway order ref.
func (t *Tab) AwaitsGatewayOrder(ref string) bool {
	if !t.Locked() || ref == "" || t.PaymentMethod == nil || t.PaymentReference == nil {
		return false
	}
	return PaymentMethod(*t.PaymentMethod).Online() && *t.PaymentReference == ref
}

// TabOrder links an order to a tab. Links are appended when an order joins
// and never removed.
type TabOrder struct {
	TabID   string    `gorm:"type:char(36);primaryKey"`
	OrderID string    `gorm:"type:char(36);primaryKey"`
	AddedAt time.Time `gorm:"not null"`
}

// TableName returns the database table name for TabOrder.
func (TabOrder) TableName() string { return "tab_orders" }

// TableStatus is the occupancy state of a dining table.
type TableStatus string

const (
	TableAvailable TableStatus = "available"
	TableOccupied  TableStatus = "occupied"
)

// DiningTable is a physical table. ActiveTabs is derived from the tabs table.
type DiningTable struct {
	ID         string      `json:"id"          gorm:"type:varchar(64);primaryKey"`
	BusinessID string      `json:"business_id" gorm:"type:varchar(64);not null;index"`
	Label      string      `json:"label"       gorm:"type:varchar(64)"`
	ActiveTabs int         `json:"active_tabs" gorm:"not null;default:0"`
	Status     TableStatus `json:"status"      gorm:"type:varchar(16);not null;default:'available'"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// TableName returns the database table name for DiningTable.
func (DiningTable) TableName() string { return "dining_tables" }
