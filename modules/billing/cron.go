package billing

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dmitrymomot/billingcore/handler"
	"github.com/dmitrymomot/billingcore/pkg/clientip"
	"github.com/dmitrymomot/billingcore/pkg/logger"
)

func (m *module) midnight(ctx handler.Context, _ struct{}) handler.Response {
	// The run outlives a dropped client connection.
	summary := m.opts.Sweeper.Run(context.WithoutCancel(ctx))
	return handler.JSON(summary)
}

// requireCronSecret checks the bearer token in constant time. Without a
// configured secret the trigger runs unauthenticated outside production and
// is refused in production.
func (m *module) requireCronSecret(next handler.HandlerFunc[handler.Context, struct{}]) handler.HandlerFunc[handler.Context, struct{}] {
	return func(ctx handler.Context, req struct{}) handler.Response {
		if m.opts.CronSecret == "" {
			if err := ValidateCronSecret(m.opts.Environment, ""); err != nil {
				m.log.ErrorContext(ctx, "reconciliation trigger refused", logger.Error(err))
				return handler.JSONError(&handler.ErrorDetail{Code: "configuration_error", Message: "cron secret is not configured"},
					handler.WithJSONStatus(http.StatusServiceUnavailable))
			}
			m.log.WarnContext(ctx, "reconciliation triggered in development mode without authentication",
				slog.String("ip", clientip.GetIP(ctx.Request())))
			return next(ctx, req)
		}

		token, ok := strings.CutPrefix(ctx.Request().Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(m.opts.CronSecret)) != 1 {
			m.log.WarnContext(ctx, "reconciliation trigger unauthorized",
				slog.String("ip", clientip.GetIP(ctx.Request())))
			return handler.JSONError(handler.ErrUnauthorized)
		}
		return next(ctx, req)
	}
}
