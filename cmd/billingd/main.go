// Command billingd serves billing webhooks, checkout and the nightly
// subscription reconciliation.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	modbilling "github.com/dmitrymomot/billingcore/modules/billing"
	"github.com/dmitrymomot/billingcore/pkg/clientip"
	"github.com/dmitrymomot/billingcore/pkg/config"
	"github.com/dmitrymomot/billingcore/pkg/email"
	"github.com/dmitrymomot/billingcore/pkg/environment"
	"github.com/dmitrymomot/billingcore/pkg/httpserver"
	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/pkg/metrics"
	"github.com/dmitrymomot/billingcore/pkg/pg"
	"github.com/dmitrymomot/billingcore/pkg/ratelimiter"
	"github.com/dmitrymomot/billingcore/pkg/redis"
	"github.com/dmitrymomot/billingcore/pkg/requestid"
	"github.com/dmitrymomot/billingcore/pkg/scheduler"
	"github.com/dmitrymomot/billingcore/svc/billing"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/downgrade"
	"github.com/dmitrymomot/billingcore/svc/fraudguard"
	"github.com/dmitrymomot/billingcore/svc/limits"
	"github.com/dmitrymomot/billingcore/svc/notify"
	"github.com/dmitrymomot/billingcore/svc/pgstore"
	"github.com/dmitrymomot/billingcore/svc/subscription"
	"github.com/dmitrymomot/billingcore/svc/sweeper"
)

const (
	sweepJob = "midnight_reconciliation"
	purgeJob = "purge_rate_limits"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("billingd stopped", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg serviceConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}

	env := environment.Normalize(cfg.App.Env)
	log := logger.New(
		logger.WithEnvironment(cfg.App.Env, cfg.App.ServiceName),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	)
	logger.SetAsDefault(log)

	if err := modbilling.ValidateCronSecret(env, cfg.App.CronSecret); err != nil {
		return err
	}
	cat, err := catalog.NewFromConfig(cfg.Catalog)
	if err != nil {
		return err
	}

	pool, err := pg.Connect(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	if cfg.Postgres.AutoMigrate {
		if err := pgstore.Migrate(ctx, pool, cfg.Postgres, log); err != nil {
			return err
		}
	}
	store := pgstore.New(pool)

	collector := metrics.New(cfg.App.MetricsNamespace)
	checks := []httpserver.Check{{Name: "postgres", Fn: pg.Healthcheck(pool)}}

	rlStore, rlCheck, closeRL, err := rateLimitStore(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeRL()
	if rlCheck != nil {
		checks = append(checks, *rlCheck)
	}
	limiter, err := ratelimiter.New(rlStore, ratelimiter.DefaultConfig())
	if err != nil {
		return err
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	sender, err := email.NewSender(cfg.Email)
	if err != nil {
		return err
	}
	outbox := notify.NewOutbox(sender, notify.WithLogger(log))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := outbox.Close(closeCtx); err != nil {
			log.Warn("notification outbox not drained", logger.Error(err))
		}
	}()
	notifier := notify.NewNotifier(outbox, cfg.Email.SupportEmail)

	subs := subscription.NewService(store, subscription.WithLogger(log))
	guard := fraudguard.New(limiter, store, store, fraudguard.WithCampaigns(store), fraudguard.WithLogger(log))
	enforcer := downgrade.New(store, store, store, subs, downgrade.WithMetrics(collector), downgrade.WithLogger(log))
	limitSvc := limits.New(subs, cat, store, store, store,
		limits.WithOrganizations(store), limits.WithHistory(subs), limits.WithMetrics(collector), limits.WithLogger(log))
	reconciler := billing.NewReconciler(subs, cat, enforcer, store,
		billing.WithPromoTracker(guard), billing.WithWebhookMetrics(collector), billing.WithReconcilerLogger(log))
	checkout := billing.NewCheckout(provider, cat, guard,
		billing.WithCheckoutConfig(cfg.Checkout), billing.WithCheckoutMetrics(collector), billing.WithCheckoutLogger(log))
	job := sweeper.New(subs, enforcer, store,
		sweeper.WithConfig(cfg.Sweeper), sweeper.WithNotifier(notifier), sweeper.WithMetrics(collector), sweeper.WithLogger(log))

	if cfg.App.EnableScheduler {
		sched := scheduler.New(scheduler.WithLogger(log))
		if err := sched.Add(sweepJob, scheduler.Midnight(), job.RunScheduled); err != nil {
			return err
		}
		if cfg.App.RateLimitBackend == backendPostgres {
			rl := store.RateLimits()
			if err := sched.Add(purgeJob, scheduler.HourlyAt(5), func(ctx context.Context) error {
				n, err := rl.PurgeExpired(ctx)
				if err == nil && n > 0 {
					log.InfoContext(ctx, "expired rate limit records purged", slog.Int64("count", n))
				}
				return err
			}); err != nil {
				return err
			}
		}
		go func() {
			if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("scheduler stopped", logger.Error(err))
			}
		}()
		defer sched.Wait()
	}

	r := chi.NewRouter()
	r.Use(requestid.Middleware, clientip.Middleware, environment.Middleware(env), collector.Middleware)
	r.Get("/health", httpserver.LivenessHandler())
	r.Get("/ready", httpserver.ReadinessHandler(log, 5*time.Second, checks...))
	r.Method(http.MethodGet, "/metrics", collector.Handler())
	r.Mount("/billing", modbilling.Router(modbilling.RouterOptions{
		Providers:   []billing.Provider{provider},
		Reconciler:  reconciler,
		Checkout:    checkout,
		SelfService: billing.NewSelfService(provider, subs, log),
		Limits:      limitSvc,
		Activity:    subs,
		Sweeper:     job,
		CronSecret:  cfg.App.CronSecret,
		Environment: env,
		Logger:      log,
	}))

	log.Info("billingd starting",
		slog.String("provider", cfg.App.BillingProvider),
		slog.String("rate_limit_backend", cfg.App.RateLimitBackend),
		slog.Int("prices", len(cat.Prices())),
	)
	if cfg.App.CronSecret == "" {
		log.Warn("CRON_SECRET is not set; the reconciliation trigger runs unauthenticated")
	}

	return httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log)).Run(ctx, r)
}

func newProvider(cfg serviceConfig) (billing.Provider, error) {
	switch billing.ProviderName(strings.ToLower(cfg.App.BillingProvider)) {
	case billing.ProviderStripe:
		p, err := billing.NewStripeProvider(cfg.Stripe)
		if err != nil {
			return nil, errors.Join(catalog.ErrConfiguration, err)
		}
		return p, nil
	case billing.ProviderPaddle:
		p, err := billing.NewPaddleProvider(cfg.Paddle)
		if err != nil {
			return nil, errors.Join(catalog.ErrConfiguration, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", billing.ErrUnknownProvider, cfg.App.BillingProvider)
}

// rateLimitStore builds the checkout limiter backend with its readiness check.
func rateLimitStore(ctx context.Context, cfg serviceConfig, store *pgstore.Store) (ratelimiter.Store, *httpserver.Check, func(), error) {
	switch cfg.App.RateLimitBackend {
	case backendRedis:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		check := &httpserver.Check{Name: "redis", Fn: redis.Healthcheck(client)}
		return ratelimiter.NewRedisStore(client, cfg.Redis.KeyPrefix+"checkout:"), check, func() { _ = client.Close() }, nil
	case backendPostgres:
		return store.RateLimits(), nil, func() {}, nil
	case backendMemory:
		return ratelimiter.NewMemoryStore(), nil, func() {}, nil
	}
	return nil, nil, nil, errors.Join(catalog.ErrConfiguration,
		fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", cfg.App.RateLimitBackend))
}
