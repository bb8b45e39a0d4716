// Package billing mounts the subscription lifecycle HTTP endpoints: processor
// webhooks, hosted checkout, the scheduled reconciliation trigger and the
// per-organization limits, usage, activity and cancellation routes.
package billing

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/handler"
	"github.com/dmitrymomot/billingcore/pkg/binder"
	"github.com/dmitrymomot/billingcore/pkg/environment"
	"github.com/dmitrymomot/billingcore/pkg/logger"
	svcbilling "github.com/dmitrymomot/billingcore/svc/billing"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/limits"
	"github.com/dmitrymomot/billingcore/svc/subscription"
	"github.com/dmitrymomot/billingcore/svc/sweeper"
)

// MaxWebhookBody caps processor payloads.
const MaxWebhookBody = 64 << 10

const maxCheckoutBody = 16 << 10

type WebhookReconciler interface {
	Handle(ctx context.Context, ev svcbilling.Event) (svcbilling.Outcome, error)
}

type CheckoutInitiator interface {
	Initiate(ctx context.Context, req svcbilling.CheckoutRequest) (*svcbilling.CheckoutSession, error)
}

type SelfService interface {
	Cancel(ctx context.Context, orgID uuid.UUID) (*svcbilling.CancelResult, error)
	Portal(ctx context.Context, orgID uuid.UUID) (*svcbilling.PortalLink, error)
}

type LimitsReader interface {
	GetSubscriptionLimits(ctx context.Context, orgID uuid.UUID) catalog.Limits
	GetCurrentUsage(ctx context.Context, orgID uuid.UUID) (limits.Usage, error)
	CheckCanCreateTeamMember(ctx context.Context, orgID uuid.UUID) (limits.Check, error)
	CheckCanCreateAdmin(ctx context.Context, orgID uuid.UUID) (limits.Check, error)
	CheckCanCreateTemplate(ctx context.Context, orgID uuid.UUID) (limits.Check, error)
	CheckCanSubmitReport(ctx context.Context, orgID uuid.UUID) (limits.Check, error)
}

type ActivityLister interface {
	ListActivity(ctx context.Context, orgID uuid.UUID, limit int) ([]subscription.ActivityEntry, error)
}

type Sweeper interface {
	Run(ctx context.Context) sweeper.Summary
}

// RouterOptions configures which routes the billing module mounts. Each
// dependency is optional; its routes are mounted only if it is provided.
type RouterOptions struct {
	Providers   []svcbilling.Provider
	Reconciler  WebhookReconciler
	Checkout    CheckoutInitiator
	SelfService SelfService
	Limits      LimitsReader
	Activity    ActivityLister
	Sweeper     Sweeper

	// CronSecret guards the reconciliation trigger. Empty means development
	// mode outside production and a refused trigger in production.
	CronSecret  string
	Environment environment.Environment
	Logger      *slog.Logger
}

type module struct {
	opts RouterOptions
	log  *slog.Logger
	errs handler.ErrorHandler[handler.Context]
}

// Router creates the billing router.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/billing", billing.Router(billing.RouterOptions{
//	    Providers:  []svcbilling.Provider{stripe},
//	    Reconciler: reconciler,
//	    Sweeper:    job,
//	    CronSecret: cfg.CronSecret,
//	}))
func Router(opts RouterOptions) chi.Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &module{opts: opts, log: log.With(logger.Component("billing_http"))}
	m.errs = handler.NewErrorHandler(m.log)

	r := chi.NewRouter()

	if opts.Reconciler != nil {
		r.Route("/webhooks", func(wh chi.Router) {
			for _, p := range opts.Providers {
				wh.Post("/"+string(p.Name()), wrap(m.webhook(p), m.errs))
			}
		})
	}

	if opts.Checkout != nil {
		r.Post("/checkout", wrap(m.checkout, m.errs, binder.JSONWithLimit(maxCheckoutBody)))
	}

	if opts.Sweeper != nil {
		r.Post("/cron/midnight", handler.Wrap(m.midnight,
			handler.WithDecorators[handler.Context, struct{}](m.requireCronSecret),
			handler.WithErrorHandler[handler.Context, struct{}](m.errs),
		))
	}

	r.Route("/organizations/{orgID}", func(org chi.Router) {
		path := binder.Path(chi.URLParam)
		if opts.Limits != nil {
			org.Get("/limits", wrap(m.getLimits, m.errs, path))
			org.Get("/usage", wrap(m.getUsage, m.errs, path))
		}
		if opts.Activity != nil {
			org.Get("/activity", wrap(m.listActivity, m.errs, path, binder.Query()))
		}
		if opts.SelfService != nil {
			org.Post("/subscription/cancel", wrap(m.cancel, m.errs, path))
			org.Get("/subscription/portal", wrap(m.portal, m.errs, path))
		}
	})

	return r
}

func wrap[R any](h handler.HandlerFunc[handler.Context, R], errs handler.ErrorHandler[handler.Context], binders ...handler.Bind) http.HandlerFunc {
	return handler.Wrap(h,
		handler.WithBinders[handler.Context, R](binders...),
		handler.WithErrorHandler[handler.Context, R](errs),
	)
}
