package handler

import (
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/pkg/requestid"
)

// NewErrorHandler logs the failure (client errors at Warn, server errors at
// Error) and writes the JSON error envelope.
func NewErrorHandler(log *slog.Logger) ErrorHandler[Context] {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(logger.Component("error_handler"))

	return func(ctx Context, err error) {
		rec := &statusCapture{ResponseWriter: ctx.ResponseWriter()}
		_ = JSONError(err).Render(rec, ctx.Request())

		level := slog.LevelError
		if rec.status >= http.StatusBadRequest && rec.status < http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		r := ctx.Request()
		log.LogAttrs(r.Context(), level, "request error",
			logger.RequestID(requestid.FromContext(r.Context())),
			logger.Error(err),
			slog.Int("status_code", rec.status),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (s *statusCapture) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
