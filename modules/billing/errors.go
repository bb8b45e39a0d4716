package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/dmitrymomot/billingcore/handler"
	"github.com/dmitrymomot/billingcore/pkg/environment"
	"github.com/dmitrymomot/billingcore/pkg/logger"
	svcbilling "github.com/dmitrymomot/billingcore/svc/billing"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/fraudguard"
	"github.com/dmitrymomot/billingcore/svc/limits"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

// ErrCronSecretRequired is returned when production runs without a cron secret.
var ErrCronSecretRequired = fmt.Errorf("%w: CRON_SECRET is required in production", catalog.ErrConfiguration)

// ValidateCronSecret refuses a production deployment without a secret.
func ValidateCronSecret(env environment.Environment, secret string) error {
	if env.IsProduction() && secret == "" {
		return ErrCronSecretRequired
	}
	return nil
}

// errorResponse maps domain errors onto status codes. Server-side failures
// are logged; their messages never reach the client.
func (m *module) errorResponse(ctx context.Context, err error) handler.Response {
	var (
		ve      svcbilling.ValidationError
		limited *fraudguard.RateLimitedError
		denied  *fraudguard.PromoDeniedError
	)
	switch {
	case errors.As(err, &ve):
		return handler.JSONError(&handler.ErrorDetail{
			Code:    "validation_failed",
			Message: "request validation failed",
			Details: url.Values(ve),
		}, handler.WithJSONStatus(http.StatusUnprocessableEntity), handler.WithJSONMeta(map[string]any{
			"fields": ve.Fields(),
		}))
	case errors.As(err, &limited):
		return handler.JSONError(&handler.ErrorDetail{Code: "rate_limited", Message: limited.Reason},
			handler.WithJSONStatus(http.StatusTooManyRequests), handler.WithJSONMeta(map[string]any{
				"reason":        limited.Reason,
				"blocked_until": limited.BlockedUntil.UTC().Format(time.RFC3339),
			}))
	case errors.As(err, &denied):
		meta := map[string]any{"reason": denied.Reason}
		if denied.DaysRemaining > 0 {
			meta["days_remaining"] = denied.DaysRemaining
		}
		return handler.JSONError(&handler.ErrorDetail{Code: "promo_denied", Message: denied.Reason},
			handler.WithJSONStatus(http.StatusForbidden), handler.WithJSONMeta(meta))
	case errors.Is(err, subscription.ErrNotFound):
		return handler.JSONError(&handler.ErrorDetail{Code: "subscription_not_found", Message: err.Error()},
			handler.WithJSONStatus(http.StatusNotFound))
	case errors.Is(err, svcbilling.ErrNotCancellable):
		return handler.JSONError(&handler.ErrorDetail{Code: "not_cancellable", Message: err.Error()},
			handler.WithJSONStatus(http.StatusConflict))
	case errors.Is(err, svcbilling.ErrInvalidSignature), errors.Is(err, svcbilling.ErrMalformedEvent):
		// Verification detail stays in the log.
		return handler.JSONError(&handler.ErrorDetail{Code: "invalid_webhook", Message: "webhook could not be verified"},
			handler.WithJSONStatus(http.StatusBadRequest))
	case errors.Is(err, catalog.ErrConfiguration):
		m.log.ErrorContext(ctx, "billing configuration error", logger.Error(err))
		return handler.JSONError(&handler.ErrorDetail{Code: "configuration_error", Message: "billing is misconfigured"},
			handler.WithJSONStatus(http.StatusInternalServerError))
	case errors.Is(err, limits.ErrUsageUnavailable):
		m.log.WarnContext(ctx, "usage counts unavailable", logger.Error(err))
		return handler.JSONError(handler.ErrServiceUnavailable)
	}

	m.log.LogAttrs(ctx, slog.LevelError, "billing request failed", logger.Error(err))
	return handler.JSONError(err)
}
