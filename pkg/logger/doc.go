// Package logger builds *slog.Logger instances for billingcore services.
//
// New applies functional options (format, level, static attributes, context
// extractors) and wraps the resulting handler with LogHandlerDecorator so that
// request-scoped values such as the request id are attached to every record
// without threading them through call sites.
//
// Attribute helpers in attr.go keep key names consistent across packages:
//
//	log.WarnContext(ctx, "falling back to starter limits",
//		logger.OrganizationID(orgID),
//		logger.Error(err),
//	)
package logger
