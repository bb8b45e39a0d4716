package subscription

import (
	"log/slog"
	"time"
)

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithManualEditWindow sets how long a manual display edit is protected from
// sync overwrites. Defaults to 5 minutes.
func WithManualEditWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.editWindow = d
		}
	}
}
