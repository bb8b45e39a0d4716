package main

import (
	"github.com/dmitrymomot/billingcore/pkg/email"
	"github.com/dmitrymomot/billingcore/pkg/httpserver"
	"github.com/dmitrymomot/billingcore/pkg/pg"
	"github.com/dmitrymomot/billingcore/pkg/redis"
	"github.com/dmitrymomot/billingcore/svc/billing"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/sweeper"
)

// Rate limit backends.
const (
	backendRedis    = "redis"
	backendPostgres = "postgres"
	backendMemory   = "memory"
)

type appConfig struct {
	Env             string `env:"APP_ENV" envDefault:"development"`
	ServiceName     string `env:"SERVICE_NAME" envDefault:"billingd"`
	BillingProvider string `env:"BILLING_PROVIDER" envDefault:"stripe"`
	CronSecret      string `env:"CRON_SECRET"`
	// RateLimitBackend is one of redis, postgres or memory.
	RateLimitBackend string `env:"RATE_LIMIT_BACKEND" envDefault:"redis"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"billing"`
	EnableScheduler  bool   `env:"ENABLE_SCHEDULER" envDefault:"true"`
}

// serviceConfig groups every env-driven section the process reads.
type serviceConfig struct {
	App      appConfig
	Postgres pg.Config
	Redis    redis.Config
	HTTP     httpserver.Config
	Email    email.Config
	Stripe   billing.StripeConfig
	Paddle   billing.PaddleConfig
	Checkout billing.CheckoutConfig
	Catalog  catalog.Config
	Sweeper  sweeper.Config
}
