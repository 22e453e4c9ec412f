// Package handlers provides the HTTP handlers of the ledger API.
//
// Handlers are transport-thin: they bind input, resolve the actor set by
// middleware.Authenticate, call a service and translate the result. The
// service contracts below are satisfied by the types in package services.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tab-ledger/internal/cache"
	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/http/middleware"
	"github.com/tbourn/go-tab-ledger/internal/services"
	"github.com/tbourn/go-tab-ledger/internal/utils"
)

// OrderService places orders and moves them through their lifecycle.
type OrderService interface {
	Place(ctx context.Context, in services.PlaceOrderInput) (*services.PlacedOrder, error)
	Get(ctx context.Context, orderID string) (*domain.Order, error)
	UpdateStatus(ctx context.Context, orderID, status string, actor domain.Actor, note string) (*domain.Order, error)
	Cancel(ctx context.Context, orderID string, actor domain.Actor, reason string) (*domain.Order, error)
}

// TabService reads and checks tab balances.
type TabService interface {
	Get(ctx context.Context, tabID string) (*domain.Tab, error)
	Recompute(ctx context.Context, tabID string) (services.Totals, error)
	VerifyIntegrity(ctx context.Context, tabID string) (*services.IntegrityReport, error)
	ETag(ctx context.Context, tabID string) (string, error)
}

// SettlementService starts settlements and confirms counter payments.
type SettlementService interface {
	Settle(ctx context.Context, req services.SettleRequest) (*services.SettlementResult, error)
	ConfirmCounter(ctx context.Context, tabID string, actor domain.Actor) (services.Totals, error)
}

// LockService releases a stuck payment lock.
type LockService interface {
	Unlock(ctx context.Context, tabID string) error
}

// EventService authenticates and applies payment webhooks.
type EventService interface {
	Ingest(ctx context.Context, body []byte, signature string) (services.ApplyResult, error)
}

// FailedEventService lists and retries captured events.
type FailedEventService interface {
	List(ctx context.Context, status string, page, pageSize int) ([]domain.FailedEvent, int64, error)
	Retry(ctx context.Context, id string, actor domain.Actor) (*domain.FailedEvent, error)
}

// IdempotencyStore keeps settlement responses keyed by actor, tab and key.
type IdempotencyStore interface {
	// Lookup returns the stored record or an error when none is valid.
	Lookup(ctx context.Context, actorID, tabID, key string, now time.Time) (*domain.Idempotency, error)
	Save(ctx context.Context, actorID, tabID, key string, status int, body []byte) error
}

// Deps carries everything the handlers need. Cache may be nil.
type Deps struct {
	Orders       OrderService
	Tabs         TabService
	Settlements  SettlementService
	Locks        LockService
	Events       EventService
	FailedEvents FailedEventService
	Idempotency  IdempotencyStore
	Cache        cache.TabCache
	// SignatureHeader names the webhook signature header; default X-Signature.
	SignatureHeader string
}

// Handlers groups the API endpoints.
type Handlers struct {
	orders      OrderService
	tabs        TabService
	settle      SettlementService
	locks       LockService
	events      EventService
	failed      FailedEventService
	idem        IdempotencyStore
	cache       cache.TabCache
	sigHeader   string
	maxEventLen int64
}

// New constructs Handlers from d.
func New(d Deps) *Handlers {
	h := &Handlers{
		orders:      d.Orders,
		tabs:        d.Tabs,
		settle:      d.Settlements,
		locks:       d.Locks,
		events:      d.Events,
		failed:      d.FailedEvents,
		idem:        d.Idempotency,
		cache:       d.Cache,
		sigHeader:   d.SignatureHeader,
		maxEventLen: 256 << 10,
	}
	if h.cache == nil {
		h.cache = cache.Nop{}
	}
	if h.sigHeader == "" {
		h.sigHeader = "X-Signature"
	}
	return h
}

// actor returns the authenticated caller or writes 401.
func actor(c *gin.Context) (domain.Actor, bool) {
	a, ok := middleware.ActorFrom(c)
	if !ok {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
	}
	return a, ok
}

// privileged returns the caller when it acts for the business, otherwise
// writes 401 or 403.
func privileged(c *gin.Context) (domain.Actor, bool) {
	a, ok := actor(c)
	if !ok {
		return a, false
	}
	if !a.Role.Privileged() {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "staff or admin role required")
		return a, false
	}
	return a, true
}

// Pagination carries paging metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, size int, total int64) Pagination {
	pages := int((total + int64(size) - 1) / int64(size))
	return Pagination{Page: page, PageSize: size, Total: total, TotalPages: pages, HasNext: page < pages}
}

// clampPagination reads page and page_size, bounded to [1,100].
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
