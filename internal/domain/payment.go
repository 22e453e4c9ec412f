package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentMethod is the closed set of settlement channels.
type PaymentMethod string

const (
	MethodOnline         PaymentMethod = "online"
	MethodOnlineRedirect PaymentMethod = "online_redirect"
	MethodCounter        PaymentMethod = "counter"
	MethodSplitBill      PaymentMethod = "split_bill"
)

// PaymentMethods lists every supported method in display order.
var PaymentMethods = []PaymentMethod{MethodOnline, MethodOnlineRedirect, MethodCounter, MethodSplitBill}

// ParsePaymentMethod maps s onto a known method.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	for _, m := range PaymentMethods {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// Online reports whether the method settles through a payment gateway.
func (m PaymentMethod) Online() bool { return m == MethodOnline || m == MethodOnlineRedirect }

// Payment event types delivered by the gateway.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
)

// Effect kinds carried in event metadata.
const (
	KindAddon         = "addon"
	KindOrderPayment  = "order_payment"
	KindTabSettlement = "tab_settlement"
)

// PaymentEvent is an inbound gateway confirmation.
type PaymentEvent struct {
	Type           string          `json:"event"`
	PaymentID      string          `json:"payment_id"`
	OrderReference string          `json:"order_reference"`
	Amount         decimal.Decimal `json:"amount"`
	Metadata       EventMetadata   `json:"metadata"`
}

// EventMetadata describes which record the event settles and how.
type EventMetadata struct {
	Kind    string     `json:"kind"`
	OrderID string     `json:"order_id,omitempty"`
	TabID   string     `json:"tab_id,omitempty"`
	Items   []LineItem `json:"items,omitempty"`
}

// ProcessedPayment marks a gateway payment id whose effect is applied.
// Rows are insert-only.
type ProcessedPayment struct {
	PaymentID   string          `json:"payment_id"   gorm:"type:varchar(64);primaryKey"`
	OrderID     string          `json:"order_id"     gorm:"type:char(36);index"`
	TabID       string          `json:"tab_id"       gorm:"type:char(36);index"`
	EventType   string          `json:"event_type"   gorm:"type:varchar(32);not null"`
	Amount      decimal.Decimal `json:"amount"       gorm:"type:varchar(32);not null"`
	ProcessedAt time.Time       `json:"processed_at" gorm:"not null"`
}

// TableName returns the database table name for ProcessedPayment.
func (ProcessedPayment) TableName() string { return "processed_payments" }

// FailedEventStatus is the supervisor state of a failed event.
type FailedEventStatus string

const (
	FailedPending    FailedEventStatus = "pending"
	FailedProcessing FailedEventStatus = "processing"
	FailedResolved   FailedEventStatus = "resolved"
	FailedDeadLetter FailedEventStatus = "dead_letter"
)

// ParseFailedEventStatus validates s.
func ParseFailedEventStatus(s string) (FailedEventStatus, bool) {
	st := FailedEventStatus(s)
	switch st {
	case FailedPending, FailedProcessing, FailedResolved, FailedDeadLetter:
		return st, true
	}
	return "", false
}

// FailedEvent is a payment event that could not be applied inline.
type FailedEvent struct {
	ID          string            `json:"id"          gorm:"type:char(36);primaryKey"`
	PaymentID   string            `json:"payment_id"  gorm:"type:varchar(64);index"`
	EventType   string            `json:"event_type"  gorm:"type:varchar(32)"`
	Payload     datatypes.JSON    `json:"payload"     gorm:"not null"`
	Status      FailedEventStatus `json:"status"      gorm:"type:varchar(16);not null;index"`
	RetryCount  int               `json:"retry_count" gorm:"not null;default:0"`
	LastTriedAt *time.Time        `json:"last_tried_at,omitempty"`
	LastError   string            `json:"last_error,omitempty" gorm:"type:text"`
	ResolvedBy  *string           `json:"resolved_by,omitempty" gorm:"type:varchar(64)"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
	Version     int64             `json:"version"     gorm:"not null;default:1"`
	CreatedAt   time.Time         `json:"created_at"  gorm:"index"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TableName returns the database table name for FailedEvent.
func (FailedEvent) TableName() string { return "failed_events" }

// Terminal reports whether the supervisor will never touch the record again.
func (f *FailedEvent) Terminal() bool {
	return f.Status == FailedResolved || f.Status == FailedDeadLetter
}
