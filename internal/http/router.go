// Package httpapi wires the Gin transport to the ledger services. It owns
// middleware ordering, route registration and the small adapters between
// the repository and the HTTP layer.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-tab-ledger/internal/cache"
	"github.com/tbourn/go-tab-ledger/internal/config"
	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/http/handlers"
	"github.com/tbourn/go-tab-ledger/internal/http/middleware"
	"github.com/tbourn/go-tab-ledger/internal/repo"
	"github.com/tbourn/go-tab-ledger/internal/services"
	"github.com/tbourn/go-tab-ledger/internal/store"
)

// Services bundles what the API exposes. Cache may be nil.
type Services struct {
	Store      *store.Store
	Orders     *services.OrderLifecycle
	Tabs       *services.TabAggregator
	Settlement *services.SettlementDispatcher
	Locks      *services.PaymentLockManager
	Events     *services.EventProcessor
	Supervisor *services.RetrySupervisor
	Cache      cache.TabCache
}

// idempotencyShim adapts the repository functions to
// handlers.IdempotencyStore.
type idempotencyShim struct {
	st  *store.Store
	ttl time.Duration
}

func (s idempotencyShim) Lookup(ctx context.Context, actorID, tabID, key string, now time.Time) (*domain.Idempotency, error) {
	return repo.GetIdempotency(ctx, s.st.Read(ctx), actorID, tabID, key, now)
}

func (s idempotencyShim) Save(ctx context.Context, actorID, tabID, key string, status int, body []byte) error {
	_, err := repo.CreateIdempotency(ctx, s.st.DB, actorID, tabID, key, status, body, s.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		// A concurrent request with the same key stored first.
		return nil
	}
	return err
}

// hit reports whether a still-valid response exists; errors count as a miss.
func (s idempotencyShim) hit(ctx context.Context, actorID, tabID, key string, now time.Time) (bool, error) {
	rec, err := s.Lookup(ctx, actorID, tabID, key, now)
	return err == nil && rec != nil, nil
}

// RegisterRoutes installs middleware and mounts the API under
// cfg.APIBasePath.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger
//  4. Recovery
//  5. body size limit
//  6. Metrics
//  7. gzip
//  8. CORS and security headers
//
// API routes add Authenticate and the per-actor rate limiter; the settle
// route validates Idempotency-Key before the limiter so replays bypass it.
// The webhook route skips authentication and has its own per-IP limiter.
func RegisterRoutes(r *gin.Engine, svc Services, cfg config.Config) error {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{cfg.Gateway.SignatureHeader, middleware.HeaderIdempotencyKey},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))
	r.Use(middleware.Metrics())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeBadRequest, "method not allowed")
	})

	r.GET("/health", health(svc.Store))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	idem := idempotencyShim{st: svc.Store, ttl: cfg.IdempotencyTTL}
	h := handlers.New(handlers.Deps{
		Orders:          svc.Orders,
		Tabs:            svc.Tabs,
		Settlements:     svc.Settlement,
		Locks:           svc.Locks,
		Events:          svc.Events,
		FailedEvents:    svc.Supervisor,
		Idempotency:     idem,
		Cache:           svc.Cache,
		SignatureHeader: cfg.Gateway.SignatureHeader,
	})

	webhookLimit, err := middleware.WebhookLimiter(cfg.Gateway.WebhookRate)
	if err != nil {
		return err
	}
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByActorOrIP())

	root := groupWithPrefix(r, cfg.APIBasePath)
	root.POST("/webhooks/payments", webhookLimit, h.PaymentWebhook)

	api := root.Group("", middleware.Authenticate(cfg.JWTSecret))
	api.POST("/tabs/:id/settle",
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idem.hit),
		rl.Handler(),
		h.SettleTab)

	limited := api.Group("", rl.Handler())
	{
		limited.POST("/orders", h.PlaceOrder)
		limited.GET("/orders/:id", h.GetOrder)
		limited.POST("/orders/:id/status", h.UpdateOrderStatus)
		limited.POST("/orders/:id/cancel", h.CancelOrder)

		limited.GET("/tabs/:id", h.GetTab)
		limited.POST("/tabs/:id/recompute", h.RecomputeTab)
		limited.POST("/tabs/:id/verify", h.VerifyTab)
		limited.POST("/tabs/:id/unlock", h.UnlockTab)
		limited.POST("/tabs/:id/counter/confirm", h.ConfirmCounter)

		limited.GET("/failed-events", h.ListFailedEvents)
		limited.POST("/failed-events/:id/retry", h.RetryFailedEvent)
	}
	return nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
			middleware.HeaderIdempotencyKey, middleware.HeaderActorID,
			middleware.HeaderActorRole, middleware.HeaderBusinessID,
		},
		ExposeHeaders: []string{"X-Request-ID", "ETag", "Idempotent-Replay", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// health pings the database; a failing ping answers 503.
func health(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := st.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
