// Command ledgerd runs the order ledger HTTP API together with the retry
// sweeper and the tab reconciler.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	_ "github.com/tbourn/go-tab-ledger/docs"
	"github.com/tbourn/go-tab-ledger/internal/cache"
	"github.com/tbourn/go-tab-ledger/internal/config"
	"github.com/tbourn/go-tab-ledger/internal/gateway"
	httpapi "github.com/tbourn/go-tab-ledger/internal/http"
	"github.com/tbourn/go-tab-ledger/internal/notify"
	"github.com/tbourn/go-tab-ledger/internal/observability"
	"github.com/tbourn/go-tab-ledger/internal/repo"
	"github.com/tbourn/go-tab-ledger/internal/services"
	"github.com/tbourn/go-tab-ledger/internal/store"
	"github.com/tbourn/go-tab-ledger/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg(".env not loaded")
	}
	cfg := config.MustLoad()
	sysutil.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("ledgerd exited")
	}
}

// storePolicy maps the ledger settings onto the transaction retry policy.
func storePolicy(l config.LedgerConfig) store.Policy {
	return store.Policy{
		MaxAttempts: uint(l.TxMaxAttempts),
		BaseBackoff: l.TxBaseBackoff,
		MaxBackoff:  20 * l.TxBaseBackoff,
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.Storage.Driver, cfg.Storage.DSN())
	if err != nil {
		return err
	}
	if cfg.OTEL.Enabled {
		if err := repo.Instrument(db); err != nil {
			return err
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	st := store.New(db, storePolicy(cfg.Ledger))

	var (
		tabCache cache.TabCache = cache.Nop{}
		notifier notify.Notifier = notify.LogNotifier{}
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable; cache and notifications degraded")
		}
		tabCache = cache.NewRedis(rdb, cfg.Redis.CacheTTL)
		notifier = notify.NewRedisNotifier(rdb, cfg.Redis.Channel, cfg.Ledger.Currency)
	}
	eff := services.Effects{Notifier: notifier, Cache: tabCache}

	razorpay := gateway.NewRazorpayClient(cfg.Gateway.RazorpayBaseURL, cfg.Gateway.RazorpayKeyID, cfg.Gateway.RazorpayKeySecret, cfg.Gateway.Timeout)
	phonepe := gateway.NewPhonePeClient(cfg.Gateway.PhonePeBaseURL, cfg.Gateway.PhonePeClientID, cfg.Gateway.PhonePeSecret, cfg.Gateway.Timeout)

	eps := cfg.Ledger.Epsilon
	agg := services.NewTabAggregator(st, tabCache, eps, cfg.Ledger.StuckLockAfter)
	locks := services.NewPaymentLockManager(st, agg)
	disp := services.NewSettlementDispatcher(st, locks, agg, eff, cfg.Ledger.Currency, eps,
		services.OnlineChannel{Gateway: razorpay},
		services.RedirectChannel{Gateway: phonepe, CallbackURL: cfg.Gateway.PhonePeCallback},
		services.CounterChannel{Store: st},
		services.SplitBillChannel{},
	)
	proc := services.NewEventProcessor(st, agg, locks, eff, cfg.Gateway.WebhookSecret, eps, cfg.Ledger.TaxRate)
	sup := services.NewRetrySupervisor(st, proc, cfg.Ledger.RetryBudget, cfg.Ledger.ProcessingTimeout, cfg.Ledger.RetrySweepBatch)
	proc.Recorder = sup
	orders := services.NewOrderLifecycle(st, agg, eff, cfg.Ledger.TaxRate)

	r := gin.New()
	if err := httpapi.RegisterRoutes(r, httpapi.Services{
		Store:      st,
		Orders:     orders,
		Tabs:       agg,
		Settlement: disp,
		Locks:      locks,
		Events:     proc,
		Supervisor: sup,
		Cache:      tabCache,
	}, cfg); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("ledgerd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		return sysutil.Every(gctx, "retry_sweep", cfg.Ledger.RetrySweepInterval, func(ctx context.Context) error {
			sum, err := sup.Sweep(ctx)
			if err == nil {
				log.Debug().Interface("summary", sum).Msg("retry sweep done")
			}
			return err
		})
	})
	g.Go(func() error {
		return sysutil.Every(gctx, "reconcile", cfg.Ledger.ReconcileInterval, func(ctx context.Context) error {
			sum, err := agg.ReconcileAll(ctx)
			if err == nil {
				log.Debug().Interface("summary", sum).Msg("reconcile done")
			}
			return err
		})
	})
	return g.Wait()
}
