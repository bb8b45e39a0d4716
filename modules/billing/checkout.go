package billing

import (
	"github.com/dmitrymomot/billingcore/handler"
	"github.com/dmitrymomot/billingcore/pkg/clientip"
	svcbilling "github.com/dmitrymomot/billingcore/svc/billing"
)

func (m *module) checkout(ctx handler.Context, req svcbilling.CheckoutRequest) handler.Response {
	req.ClientIP = clientip.FromContext(ctx)
	if req.ClientIP == "" {
		req.ClientIP = clientip.GetIP(ctx.Request())
	}

	sess, err := m.opts.Checkout.Initiate(ctx, req)
	if err != nil {
		return m.errorResponse(ctx, err)
	}
	return handler.JSON(sess)
}
