package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"gorm.io/gorm"

	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/gateway"
	"github.com/tbourn/go-tab-ledger/internal/repo"
	"github.com/tbourn/go-tab-ledger/internal/store"
)

// Collection is what a channel is asked to collect.
type Collection struct {
	Tab      *domain.Tab
	Amount   decimal.Decimal
	Currency string
	Actor    domain.Actor
}

// Collected is the channel's answer to the caller.
type Collected struct {
	GatewayOrderID string `json:"gateway_order_id,omitempty"`
	Receipt        string `json:"receipt,omitempty"`
	RedirectURL    string `json:"redirect_url,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
}

// Channel is one settlement method. Channels that hold the lock leave the
// tab locked_for_payment until a confirmation arrives.
type Channel interface {
	Method() domain.PaymentMethod
	HoldsLock() bool
	Collect(ctx context.Context, c Collection) (Collected, error)
}

// OrderCreator creates a remote payment order (immediate order flow).
type OrderCreator interface {
	CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error)
}

// RedirectCreator creates a hosted checkout (token + redirect flow).
type RedirectCreator interface {
	CreatePayment(ctx context.Context, r gateway.RedirectRequest) (*gateway.Redirect, error)
}

// Receipt builds the gateway receipt id of a tab settlement.
func Receipt(tabID string, at time.Time) string {
	short := tabID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("tab_%s_%d", short, at.UnixMilli())
}

// MinorUnits converts amount to the smallest unit of cur (paise, cents).
func MinorUnits(amount decimal.Decimal, cur string) int64 {
	scale := 2
	if unit, err := currency.ParseISO(cur); err == nil {
		scale, _ = currency.Standard.Rounding(unit)
	}
	return amount.Shift(int32(scale)).Round(0).IntPart()
}

// OnlineChannel creates a gateway order keyed by a tab receipt.
type OnlineChannel struct {
	Gateway OrderCreator
	Now     func() time.Time
}

func (OnlineChannel) Method() domain.PaymentMethod { return domain.MethodOnline }
func (OnlineChannel) HoldsLock() bool              { return true }

// Collect implements Channel.
func (ch OnlineChannel) Collect(ctx context.Context, c Collection) (Collected, error) {
	if ch.Gateway == nil {
		return Collected{}, gateway.ErrNotConfigured
	}
	receipt := Receipt(c.Tab.ID, clock(ch.Now))
	o, err := ch.Gateway.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   MinorUnits(c.Amount, c.Currency),
		Currency: c.Currency,
		Receipt:  receipt,
		Notes:    map[string]string{"tab_id": c.Tab.ID, "kind": domain.KindTabSettlement},
	})
	if err != nil {
		return Collected{}, err
	}
	return Collected{GatewayOrderID: o.ID, Receipt: receipt}, nil
}

// RedirectChannel obtains a checkout redirect from the token-based gateway.
type RedirectChannel struct {
	Gateway     RedirectCreator
	CallbackURL string
	Now         func() time.Time
}

func (RedirectChannel) Method() domain.PaymentMethod { return domain.MethodOnlineRedirect }
func (RedirectChannel) HoldsLock() bool              { return true }

// Collect implements Channel.
func (ch RedirectChannel) Collect(ctx context.Context, c Collection) (Collected, error) {
	if ch.Gateway == nil {
		return Collected{}, gateway.ErrNotConfigured
	}
	receipt := Receipt(c.Tab.ID, clock(ch.Now))
	r, err := ch.Gateway.CreatePayment(ctx, gateway.RedirectRequest{
		MerchantOrderID: receipt,
		Amount:          MinorUnits(c.Amount, c.Currency),
		CallbackURL:     ch.CallbackURL,
	})
	if err != nil {
		return Collected{}, err
	}
	return Collected{GatewayOrderID: r.OrderID, Receipt: receipt, RedirectURL: r.RedirectURL}, nil
}

// CounterChannel marks every counted unpaid order pay_at_counter in one
// atomic batch, the same set the quoted amount is priced from. Staff confirm the cash with SettlementDispatcher.ConfirmCounter.
type CounterChannel struct {
	Store *store.Store
}

func (CounterChannel) Method() domain.PaymentMethod { return domain.MethodCounter }
func (CounterChannel) HoldsLock() bool              { return true }

// Collect implements Channel.
func (ch CounterChannel) Collect(ctx context.Context, c Collection) (Collected, error) {
	err := ch.Store.Batch(ctx, func(tx *gorm.DB) error {
		ids, err := repo.TabOrderIDs(ctx, tx, c.Tab.ID)
		if err != nil {
			return err
		}
		orders, err := repo.GetOrdersByIDs(ctx, tx, ids)
		if err != nil {
			return err
		}
		for i := range orders {
			o := &orders[i]
			if !o.CountsTowardsTab() || !o.Payment.Status.CanBecome(domain.PaymentPayAtCounter) {
				continue
			}
			o.Payment.Status = domain.PaymentPayAtCounter
			o.Payment.Method = string(domain.MethodCounter)
			if err := repo.SaveOrder(ctx, tx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Collected{}, err
	}
	return Collected{Instructions: "collect " + c.Amount.StringFixed(2) + " " + c.Currency + " at the counter"}, nil
}

// SplitBillChannel only validates; collection happens downstream.
type SplitBillChannel struct{}

func (SplitBillChannel) Method() domain.PaymentMethod { return domain.MethodSplitBill }
func (SplitBillChannel) HoldsLock() bool              { return false }

// Collect implements Channel.
func (SplitBillChannel) Collect(_ context.Context, c Collection) (Collected, error) {
	if !c.Amount.IsPositive() {
		return Collected{}, ErrNothingToCollect
	}
	return Collected{Instructions: "split " + c.Amount.StringFixed(2) + " " + c.Currency + " between payers"}, nil
}

func clock(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now().UTC()
}
