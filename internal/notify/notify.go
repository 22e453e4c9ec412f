// Package notify decides how ledger notifications leave the process. The
// engine only states that something happened (payment received, order
// cancelled); delivery to people is handled by subscribers of the bus.
//
// All notifiers are best-effort: callers log a returned error and move on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Kinds of notification emitted by the engine.
const (
	KindOrderPlaced        = "order_placed"
	KindPaymentReceived    = "payment_received"
	KindOrderCancelled     = "order_cancelled"
	KindOrderStatusChanged = "order_status_changed"
	KindTabClosed          = "tab_closed"
	KindSettlementStarted  = "settlement_started"
)

// Notification is one fire-and-forget event for external recipients.
type Notification struct {
	Kind      string           `json:"kind"`
	OrderID   string           `json:"order_id,omitempty"`
	TabID     string           `json:"tab_id,omitempty"`
	Recipient string           `json:"recipient"` // role, e.g. "staff" or "customer"
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Display   string           `json:"display,omitempty"`
	At        time.Time        `json:"at"`
}

// Notifier publishes notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Publisher is the subset of the Redis client used by RedisNotifier.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes JSON payloads on "<prefix>:<kind>" and on
// "<prefix>:all".
type RedisNotifier struct {
	Client   Publisher
	Prefix   string
	Currency currency.Unit
	Printer  *message.Printer
}

// NewRedisNotifier returns a notifier that formats amounts in cur.
func NewRedisNotifier(client Publisher, prefix, cur string) *RedisNotifier {
	unit, err := currency.ParseISO(cur)
	if err != nil {
		unit = currency.XXX
	}
	return &RedisNotifier{
		Client:   client,
		Prefix:   prefix,
		Currency: unit,
		Printer:  message.NewPrinter(language.English),
	}
}

// Notify implements Notifier.
func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	if n.Amount != nil && n.Display == "" {
		n.Display = FormatAmount(r.Printer, r.Currency, *n.Amount)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := r.Client.Publish(ctx, r.Prefix+":"+n.Kind, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	if err := r.Client.Publish(ctx, r.Prefix+":all", payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to all channel: %w", err)
	}
	return nil
}

// FormatAmount renders amount with the currency symbol, e.g. "₹ 500.00".
func FormatAmount(p *message.Printer, unit currency.Unit, amount decimal.Decimal) string {
	if p == nil {
		p = message.NewPrinter(language.English)
	}
	f, _ := amount.Float64()
	return p.Sprint(currency.Symbol(unit.Amount(f)))
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, n Notification) error {
	ev := log.Info().
		Str("kind", n.Kind).
		Str("order_id", n.OrderID).
		Str("tab_id", n.TabID).
		Str("recipient", n.Recipient)
	if n.Amount != nil {
		ev = ev.Str("amount", n.Amount.StringFixed(2))
	}
	ev.Msg("notification")
	return nil
}

// Nop drops every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }
