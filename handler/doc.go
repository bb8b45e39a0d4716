// Package handler turns typed request handlers into http.HandlerFunc values.
//
// A handler receives a Context and a request struct filled by one or more
// binders, and returns a Response that renders itself:
//
//	type LimitsRequest struct {
//		OrganizationID uuid.UUID `path:"orgID"`
//	}
//
//	func limits(ctx handler.Context, req LimitsRequest) handler.Response {
//		return handler.JSON(svc.GetSubscriptionLimits(ctx, req.OrganizationID))
//	}
//
//	r.Get("/organizations/{orgID}/limits", handler.Wrap(limits,
//		handler.WithBinders[handler.Context, LimitsRequest](binder.Path(chi.URLParam)),
//	))
//
// Binding and rendering failures go to the configured ErrorHandler, which by
// default writes a JSON error envelope.
package handler
