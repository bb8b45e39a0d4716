package ratelimiter

import (
	"context"
	"errors"
	"time"
)

// Limiter counts attempts per key inside a fixed window that starts at the
// first attempt. Overflowing the window blocks the key for Config.BlockDuration;
// once the block passes the key starts over with a fresh window.
type Limiter struct {
	store  Store
	config Config
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a limiter. It panics on a nil store.
func New(store Store, config Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		panic("ratelimiter: store is required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	l := &Limiter{store: store, config: config, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config { return l.config }

// Attempt records one attempt for key and reports whether it is allowed.
func (l *Limiter) Attempt(ctx context.Context, key string) (Result, error) {
	if key == "" {
		return Result{}, ErrEmptyKey
	}
	now := l.now()

	rec, found, err := l.store.Get(ctx, key)
	if err != nil {
		return Result{}, errors.Join(ErrStoreUnavailable, err)
	}

	if found && rec.Blocked {
		if now.Before(rec.BlockedUntil) {
			return Result{
				Allowed:      false,
				Attempts:     rec.Attempts,
				Remaining:    0,
				BlockedUntil: rec.BlockedUntil,
			}, nil
		}
		// Block served: forget the old window entirely.
		found = false
	}

	switch {
	case !found, now.After(rec.FirstAttemptAt.Add(l.config.Window)):
		rec = Record{Attempts: 1, FirstAttemptAt: now, LastAttemptAt: now}
	default:
		rec.Attempts++
		rec.LastAttemptAt = now
		if rec.Attempts > l.config.MaxAttempts {
			rec.Blocked = true
			rec.BlockedUntil = now.Add(l.config.BlockDuration)
		}
	}

	if err := l.store.Save(ctx, key, rec, l.ttl(rec, now)); err != nil {
		return Result{}, errors.Join(ErrStoreUnavailable, err)
	}

	if rec.Blocked {
		return Result{
			Allowed:      false,
			Attempts:     rec.Attempts,
			Remaining:    0,
			BlockedUntil: rec.BlockedUntil,
		}, nil
	}

	return Result{
		Allowed:   true,
		Attempts:  rec.Attempts,
		Remaining: l.config.MaxAttempts - rec.Attempts,
	}, nil
}

// Reset clears the state for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Reset(ctx, key); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// ttl is how long rec still matters: until the block ends, or until the window closes.
func (l *Limiter) ttl(rec Record, now time.Time) time.Duration {
	end := rec.FirstAttemptAt.Add(l.config.Window)
	if rec.Blocked {
		end = rec.BlockedUntil
	}
	return max(end.Sub(now), time.Second)
}
