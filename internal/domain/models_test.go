package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		Order{}.TableName():            "orders",
		OrderStatusEvent{}.TableName(): "order_status_events",
		Tab{}.TableName():              "tabs",
		TabOrder{}.TableName():         "tab_orders",
		DiningTable{}.TableName():      "dining_tables",
		ProcessedPayment{}.TableName(): "processed_payments",
		FailedEvent{}.TableName():      "failed_events",
		Idempotency{}.TableName():      "idempotency",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestMigrations_CreateTablesAndIndexes(t *testing.T) {
	db := newDomainDB(t)
	models := []any{
		&Order{}, &OrderStatusEvent{}, &Tab{}, &TabOrder{}, &DiningTable{},
		&ProcessedPayment{}, &FailedEvent{}, &Idempotency{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	for _, mdl := range models {
		if !m.HasTable(mdl) {
			t.Fatalf("expected table for %T", mdl)
		}
	}
	if !m.HasIndex(&Idempotency{}, "ux_actor_tab_key") {
		t.Fatalf("expected unique index ux_actor_tab_key")
	}
	if !m.HasIndex(&OrderStatusEvent{}, "idx_order_history") {
		t.Fatalf("expected index idx_order_history")
	}
	if !m.HasColumn(&Order{}, "payment_status") || !m.HasColumn(&Order{}, "payment_gateway_order_id") {
		t.Fatalf("expected embedded payment columns with payment_ prefix")
	}
}

func TestProcessedPayment_PrimaryKeyIsPaymentID(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&ProcessedPayment{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	rec := ProcessedPayment{PaymentID: "P1", EventType: EventPaymentCaptured, Amount: decimal.NewFromInt(10), ProcessedAt: time.Now().UTC()}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := rec
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected primary key violation on duplicate payment id")
	}
}

func TestTab_AccessTokenUnique(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&Tab{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	mk := func(id string) *Tab {
		return &Tab{ID: id, BusinessID: "b1", TableID: "t1", Status: TabActive, AccessToken: "same"}
	}
	if err := db.Create(mk("tab-1")).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Create(mk("tab-2")).Error; err == nil {
		t.Fatalf("expected unique violation on access_token")
	}
}

func TestOrder_MoneyAndItemsRoundTrip(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&Order{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	o := &Order{
		ID: "o1", BusinessID: "b1", CustomerID: "c1", Channel: ChannelDineIn, Status: OrderPending,
		Subtotal: decimal.RequireFromString("12.30"),
		Tax:      decimal.RequireFromString("0.62"),
		Total:    decimal.RequireFromString("12.92"),
		Payment:  PaymentDetails{Status: PaymentUnpaid},
	}
	items := []LineItem{{SKU: "s1", Name: "Tea", Quantity: 3, UnitPrice: decimal.RequireFromString("4.10")}}
	if err := o.SetLineItems(items); err != nil {
		t.Fatalf("SetLineItems: %v", err)
	}
	if err := db.Create(o).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	var got Order
	if err := db.First(&got, "id = ?", "o1").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if !got.Total.Equal(decimal.RequireFromString("12.92")) {
		t.Fatalf("total = %s", got.Total)
	}
	li, err := got.LineItems()
	if err != nil || len(li) != 1 || li[0].Quantity != 3 {
		t.Fatalf("items = %+v err=%v", li, err)
	}
	if !li[0].Amount().Equal(decimal.RequireFromString("12.30")) {
		t.Fatalf("line amount = %s", li[0].Amount())
	}
}

func TestOrderStatus_Rules(t *testing.T) {
	terminal := []OrderStatus{OrderDelivered, OrderCompleted, OrderRejected, OrderCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if OrderPreparing.Terminal() || OrderPending.Terminal() {
		t.Errorf("pending/preparing must not be terminal")
	}
	if !OrderRejected.ExcludedFromTotals() || !OrderCancelled.ExcludedFromTotals() || OrderCompleted.ExcludedFromTotals() {
		t.Errorf("unexpected exclusion set")
	}

	trans := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderPending, OrderConfirmed, true},
		{OrderConfirmed, OrderPreparing, true},
		{OrderPreparing, OrderReady, true},
		{OrderReady, OrderOutForDelivery, true},
		{OrderOutForDelivery, OrderDelivered, true},
		{OrderPreparing, OrderPending, false},
		{OrderCompleted, OrderReady, false},
		{OrderPending, OrderCancelled, false},
	}
	for _, tc := range trans {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s = %v; want %v", tc.from, tc.to, got, tc.ok)
		}
	}

	if !OrderPending.CustomerCancellable() || !OrderConfirmed.CustomerCancellable() || OrderPreparing.CustomerCancellable() {
		t.Errorf("customer cancel set must be exactly {pending, confirmed}")
	}
}

func TestPaymentStatus_NeverRegressesFromPaid(t *testing.T) {
	if PaymentPaid.CanBecome(PaymentUnpaid) || PaymentPaid.CanBecome(PaymentPayAtCounter) {
		t.Fatalf("paid must not go back")
	}
	if !PaymentPaid.CanBecome(PaymentCancelled) {
		t.Fatalf("any -> cancelled must be allowed")
	}
	if !PaymentUnpaid.CanBecome(PaymentPaid) || !PaymentPayAtCounter.CanBecome(PaymentUnpaid) {
		t.Fatalf("expected forward transitions")
	}
	if PaymentCancelled.CanBecome(PaymentPaid) {
		t.Fatalf("cancelled is terminal")
	}
}

func TestParseHelpers(t *testing.T) {
	for _, m := range []string{"online", "online_redirect", "counter", "split_bill"} {
		if _, ok := ParsePaymentMethod(m); !ok {
			t.Errorf("ParsePaymentMethod(%q) rejected", m)
		}
	}
	for _, m := range []string{"", "razorpay", "cod", "ONLINE"} {
		if _, ok := ParsePaymentMethod(m); ok {
			t.Errorf("ParsePaymentMethod(%q) accepted", m)
		}
	}
	if _, ok := ParseOrderStatus("served"); !ok {
		t.Errorf("served should parse")
	}
	if _, ok := ParseOrderStatus("lost"); ok {
		t.Errorf("lost should not parse")
	}
	if r, ok := ParseActorRole("rider"); !ok || r.Privileged() {
		t.Errorf("rider parses but is not privileged")
	}
	if !RoleStaff.Privileged() || !RoleAdmin.Privileged() || RoleCustomer.Privileged() {
		t.Errorf("unexpected privilege mapping")
	}
	if _, ok := ParseFailedEventStatus("dead_letter"); !ok {
		t.Errorf("dead_letter should parse")
	}
}

func TestTab_AwaitsGatewayOrder(t *testing.T) {
	str := func(s string) *string { return &s }
	cases := []struct {
		name string
		tab  Tab
		ref  string
		want bool
	}{
		{"online match", Tab{Status: TabLockedForPayment, PaymentMethod: str("online"), PaymentReference: str("order_1")}, "order_1", true},
		{"redirect match", Tab{Status: TabLockedForPayment, PaymentMethod: str("online_redirect"), PaymentReference: str("OMO1")}, "OMO1", true},
		{"other order", Tab{Status: TabLockedForPayment, PaymentMethod: str("online"), PaymentReference: str("order_2")}, "order_1", false},
		{"counter lock", Tab{Status: TabLockedForPayment, PaymentMethod: str("counter")}, "order_1", false},
		{"unlocked", Tab{Status: TabActive, PaymentMethod: str("online"), PaymentReference: str("order_1")}, "order_1", false},
		{"empty ref", Tab{Status: TabLockedForPayment, PaymentMethod: str("online"), PaymentReference: str("")}, "", false},
	}
	for _, tc := range cases {
		if got := tc.tab.AwaitsGatewayOrder(tc.ref); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
	if !MethodOnline.Online() || !MethodOnlineRedirect.Online() || MethodCounter.Online() || MethodSplitBill.Online() {
		t.Errorf("unexpected Online mapping")
	}
}
