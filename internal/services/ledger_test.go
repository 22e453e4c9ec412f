package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/gateway"
	"github.com/tbourn/go-tab-ledger/internal/notify"
	"github.com/tbourn/go-tab-ledger/internal/repo"
	"github.com/tbourn/go-tab-ledger/internal/store"
)

// ---------- test helpers ----------

const testSecret = "whsec_test"

var (
	eps   = decimal.RequireFromString("0.01")
	staff = domain.Actor{ID: "staff-1", Role: domain.RoleStaff, BusinessID: "b1"}
	cust  = domain.Actor{ID: "cust-1", Role: domain.RoleCustomer, BusinessID: "b1"}
	rider = domain.Actor{ID: "rider-1", Role: domain.RoleRider, BusinessID: "b1"}
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:ledgersvc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection keeps the shared in-memory database alive and
	// serializes writers the way a real database would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return store.New(db, store.Policy{MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

type recordingCache struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (r *recordingCache) Get(context.Context, string) ([]byte, error) { return nil, nil }
func (r *recordingCache) Set(context.Context, string, []byte) error   { return nil }
func (r *recordingCache) Invalidate(_ context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, keys...)
	return r.err
}

func (r *recordingCache) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k == key {
			return true
		}
	}
	return false
}

type fakeOrders struct {
	mu   sync.Mutex
	reqs []gateway.OrderRequest
	err  error
}

func (f *fakeOrders) CreateOrder(_ context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Order{ID: fmt.Sprintf("order_%d", len(f.reqs)), Amount: req.Amount, Currency: req.Currency, Receipt: req.Receipt, Status: "created"}, nil
}

type fakeRedirects struct {
	reqs []gateway.RedirectRequest
	err  error
}

func (f *fakeRedirects) CreatePayment(_ context.Context, r gateway.RedirectRequest) (*gateway.Redirect, error) {
	f.reqs = append(f.reqs, r)
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Redirect{OrderID: "OMO1", RedirectURL: "https://pay.example/checkout/OMO1"}, nil
}

// ledger wires every service over one store the way cmd/ledgerd does.
type ledger struct {
	st        *store.Store
	agg       *TabAggregator
	locks     *PaymentLockManager
	disp      *SettlementDispatcher
	proc      *EventProcessor
	sup       *RetrySupervisor
	life      *OrderLifecycle
	notes     *recordingNotifier
	cache     *recordingCache
	orders    *fakeOrders
	redirects *fakeRedirects
}

func newLedger(t *testing.T) *ledger {
	t.Helper()
	st := newTestStore(t)
	l := &ledger{
		st:        st,
		notes:     &recordingNotifier{},
		cache:     &recordingCache{},
		orders:    &fakeOrders{},
		redirects: &fakeRedirects{},
	}
	eff := Effects{Notifier: l.notes, Cache: l.cache}
	l.agg = NewTabAggregator(st, l.cache, eps, time.Hour)
	l.locks = NewPaymentLockManager(st, l.agg)
	l.disp = NewSettlementDispatcher(st, l.locks, l.agg, eff, "INR", eps,
		OnlineChannel{Gateway: l.orders},
		RedirectChannel{Gateway: l.redirects, CallbackURL: "https://shop.example/cb"},
		CounterChannel{Store: st},
		SplitBillChannel{},
	)
	l.proc = NewEventProcessor(st, l.agg, l.locks, eff, testSecret, eps, decimal.Zero)
	l.sup = NewRetrySupervisor(st, l.proc, DefaultRetryBudget, time.Minute, 10)
	l.proc.Recorder = l.sup
	l.life = NewOrderLifecycle(st, l.agg, eff, decimal.Zero)
	return l
}

func (l *ledger) db() *gorm.DB { return l.st.DB }

// seedTab creates an active tab at tableID.
func (l *ledger) seedTab(t *testing.T, tableID string) *domain.Tab {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.EnsureDiningTable(ctx, l.db(), "b1", tableID); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	tab, err := repo.CreateTab(ctx, l.db(), "b1", tableID)
	if err != nil {
		t.Fatalf("create tab: %v", err)
	}
	return tab
}

// seedOrder inserts an order on tab (nil for none) and links it.
func (l *ledger) seedOrder(t *testing.T, tab *domain.Tab, total string, pay domain.PaymentStatus, status domain.OrderStatus) *domain.Order {
	t.Helper()
	ctx := context.Background()
	amt := decimal.RequireFromString(total)
	o := &domain.Order{
		BusinessID: "b1",
		CustomerID: cust.ID,
		Channel:    domain.ChannelDineIn,
		Status:     status,
		Payment:    domain.PaymentDetails{Status: pay},
		Subtotal:   amt,
		Tax:        decimal.Zero,
		Total:      amt,
	}
	if err := o.SetLineItems([]domain.LineItem{{SKU: "dish", Name: "Dish", Quantity: 1, UnitPrice: amt}}); err != nil {
		t.Fatalf("items: %v", err)
	}
	if tab != nil {
		o.TabID = &tab.ID
		o.TableID = &tab.TableID
	}
	if err := repo.CreateOrder(ctx, l.db(), o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if tab != nil {
		if err := repo.LinkOrder(ctx, l.db(), tab.ID, o.ID); err != nil {
			t.Fatalf("link: %v", err)
		}
	}
	return o
}

func (l *ledger) tab(t *testing.T, id string) *domain.Tab {
	t.Helper()
	tab, err := repo.GetTab(context.Background(), l.db(), id)
	if err != nil {
		t.Fatalf("get tab: %v", err)
	}
	return tab
}

func (l *ledger) order(t *testing.T, id string) *domain.Order {
	t.Helper()
	o, err := repo.GetOrder(context.Background(), l.db(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return o
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertAmount(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("%s = %s; want %s", name, got, want)
	}
}

func assertTotals(t *testing.T, got Totals, total, paid, pending string) {
	t.Helper()
	assertAmount(t, "total", got.Total, total)
	assertAmount(t, "paid", got.Paid, paid)
	assertAmount(t, "pending", got.Pending, pending)
}
