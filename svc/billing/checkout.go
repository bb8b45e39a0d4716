package billing

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/fraudguard"
)

// Checkout results reported to metrics.
const (
	CheckoutCreated       = "created"
	CheckoutInvalid       = "invalid"
	CheckoutConfigError   = "config_error"
	CheckoutRateLimited   = "rate_limited"
	CheckoutPromoDenied   = "promo_denied"
	CheckoutProviderError = "provider_error"
	CheckoutGuardError    = "guard_error"
)

// CheckoutRequest is the customer's request to start a paid subscription.
type CheckoutRequest struct {
	Plan           string `json:"plan" validate:"required"`
	Period         string `json:"period" validate:"required"`
	Currency       string `json:"currency,omitempty"`
	OrganizationID string `json:"organization_id" validate:"required,uuid"`
	UserEmail      string `json:"user_email" validate:"required,email"`
	UserID         string `json:"user_id" validate:"required"`
	PromoCode      string `json:"promo_code,omitempty" validate:"omitempty,max=64"`
	SuccessURL     string `json:"success_url,omitempty" validate:"omitempty,url"`
	CancelURL      string `json:"cancel_url,omitempty" validate:"omitempty,url"`

	// ClientIP is filled by the transport, never decoded from the body.
	ClientIP string `json:"-"`
}

// CheckoutConfig holds hosted checkout redirect defaults.
type CheckoutConfig struct {
	SuccessURL string `env:"CHECKOUT_SUCCESS_URL"`
	CancelURL  string `env:"CHECKOUT_CANCEL_URL"`
}

type CheckoutGuard interface {
	CheckCheckoutRateLimit(ctx context.Context, email, ip string) (fraudguard.RateLimitResult, error)
	CheckPromoEligibility(ctx context.Context, email, code string, orgID uuid.UUID) error
}

type CheckoutRecorder interface {
	CheckoutResult(result string)
}

// Checkout opens hosted checkout sessions after validation and fraud checks.
type Checkout struct {
	provider Provider
	catalog  *catalog.Catalog
	guard    CheckoutGuard
	config   CheckoutConfig
	validate *validator.Validate
	metrics  CheckoutRecorder
	log      *slog.Logger
}

type CheckoutOption func(*Checkout)

func WithCheckoutConfig(cfg CheckoutConfig) CheckoutOption {
	return func(c *Checkout) { c.config = cfg }
}

func WithCheckoutMetrics(m CheckoutRecorder) CheckoutOption {
	return func(c *Checkout) { c.metrics = m }
}

func WithCheckoutLogger(l *slog.Logger) CheckoutOption {
	return func(c *Checkout) {
		if l != nil {
			c.log = l
		}
	}
}

func NewCheckout(provider Provider, cat *catalog.Catalog, guard CheckoutGuard, opts ...CheckoutOption) *Checkout {
	if provider == nil || cat == nil || guard == nil {
		panic("billing: checkout requires provider, catalog and guard")
	}
	c := &Checkout{
		provider: provider,
		catalog:  cat,
		guard:    guard,
		validate: newValidator(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logger.Component("checkout"))
	return c
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Initiate validates req, resolves its price, applies the checkout rate
// limit and promo checks, then asks the provider for a session.
func (c *Checkout) Initiate(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	plan, period, currency, orgID, err := c.parse(req)
	if err != nil {
		c.record(CheckoutInvalid)
		return nil, err
	}

	priceID, err := c.catalog.PriceID(plan, period, currency)
	if err != nil {
		c.record(CheckoutConfigError)
		c.log.ErrorContext(ctx, "checkout price not configured",
			logger.Plan(plan), slog.String("period", string(period)), slog.String("currency", string(currency)))
		return nil, err
	}

	rl, err := c.guard.CheckCheckoutRateLimit(ctx, req.UserEmail, req.ClientIP)
	switch {
	case err != nil:
		// The limiter store is down; checkout stays available.
		c.log.WarnContext(ctx, "checkout rate limit unavailable", logger.OrganizationID(orgID), logger.Error(err))
	case !rl.Allowed:
		c.record(CheckoutRateLimited)
		return nil, rl.Err()
	}

	if req.PromoCode != "" {
		if err := c.guard.CheckPromoEligibility(ctx, req.UserEmail, req.PromoCode, orgID); err != nil {
			var denied *fraudguard.PromoDeniedError
			if errors.As(err, &denied) {
				c.record(CheckoutPromoDenied)
			} else {
				c.record(CheckoutGuardError)
			}
			return nil, err
		}
	}

	params := CheckoutParams{
		PriceID:        priceID,
		OrganizationID: orgID,
		UserID:         req.UserID,
		Email:          strings.TrimSpace(req.UserEmail),
		PromoCode:      strings.TrimSpace(req.PromoCode),
		SuccessURL:     firstNonEmpty(req.SuccessURL, c.config.SuccessURL),
		CancelURL:      firstNonEmpty(req.CancelURL, c.config.CancelURL),
	}
	sess, err := c.provider.CreateCheckout(ctx, params)
	if err != nil {
		c.record(CheckoutProviderError)
		return nil, err
	}

	c.record(CheckoutCreated)
	c.log.InfoContext(ctx, "checkout session created",
		logger.OrganizationID(orgID), logger.Plan(plan), slog.String("session_id", sess.SessionID))
	return sess, nil
}

func (c *Checkout) parse(req CheckoutRequest) (catalog.Tier, catalog.Period, catalog.Currency, uuid.UUID, error) {
	ve := NewValidationError()
	if err := c.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return "", "", "", uuid.Nil, err
		}
		for _, fe := range fieldErrs {
			ve.Add(fe.Field(), validationMessage(fe))
		}
	}

	var (
		plan     catalog.Tier
		period   catalog.Period
		currency = catalog.DefaultCurrency
		err      error
	)
	if req.Plan != "" {
		if plan, err = catalog.ParseTier(req.Plan); err != nil {
			ve.Add("plan", "must be one of starter, growth, scale")
		}
	}
	if req.Period != "" {
		if period, err = catalog.ParsePeriod(req.Period); err != nil {
			ve.Add("period", "must be monthly or annual")
		}
	}
	if req.Currency != "" {
		if currency, err = catalog.ParseCurrency(req.Currency); err != nil {
			ve.Add("currency", "must be one of GBP, USD, EUR")
		}
	}
	if !ve.IsEmpty() {
		return "", "", "", uuid.Nil, ve
	}
	return plan, period, currency, uuid.MustParse(req.OrganizationID), nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "uuid":
		return "must be a valid UUID"
	case "url":
		return "must be a valid URL"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "is invalid"
}

func (c *Checkout) record(result string) {
	if c.metrics != nil {
		c.metrics.CheckoutResult(result)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
