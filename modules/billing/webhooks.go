package billing

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/billingcore/handler"
	"github.com/dmitrymomot/billingcore/pkg/logger"
	svcbilling "github.com/dmitrymomot/billingcore/svc/billing"
)

type webhookResponse struct {
	Received bool               `json:"received"`
	Outcome  svcbilling.Outcome `json:"outcome"`
}

// webhook verifies and reconciles one processor event. The processor retries
// anything but 2xx, so 200 is written only after the store committed.
func (m *module) webhook(p svcbilling.Provider) handler.HandlerFunc[handler.Context, struct{}] {
	return func(ctx handler.Context, _ struct{}) handler.Response {
		r := ctx.Request()
		payload, err := io.ReadAll(http.MaxBytesReader(ctx.ResponseWriter(), r.Body, MaxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return handler.JSONError(&handler.ErrorDetail{Code: "payload_too_large", Message: "webhook body too large"},
					handler.WithJSONStatus(http.StatusRequestEntityTooLarge))
			}
			return handler.JSONError(handler.ErrBadRequest)
		}

		ev, err := p.ParseWebhook(ctx, payload, r.Header)
		if err != nil {
			if errors.Is(err, svcbilling.ErrInvalidSignature) || errors.Is(err, svcbilling.ErrMalformedEvent) {
				m.log.WarnContext(ctx, "webhook rejected",
					slog.String("provider", string(p.Name())), logger.Error(err))
			}
			return m.errorResponse(ctx, err)
		}

		out, err := m.opts.Reconciler.Handle(ctx, ev)
		if err != nil {
			return m.errorResponse(ctx, err)
		}
		return handler.JSON(webhookResponse{Received: true, Outcome: out})
	}
}
