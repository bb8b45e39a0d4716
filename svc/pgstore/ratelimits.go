package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrymomot/billingcore/pkg/pg"
	"github.com/dmitrymomot/billingcore/pkg/ratelimiter"
)

// RateLimits adapts Store to ratelimiter.Store, keeping checkout attempt
// records in checkout_rate_limits.
type RateLimits struct {
	db  DB
	now func() time.Time
}

func (s *Store) RateLimits() *RateLimits {
	return &RateLimits{db: s.db, now: time.Now}
}

func (r *RateLimits) Get(ctx context.Context, key string) (ratelimiter.Record, bool, error) {
	var (
		rec   ratelimiter.Record
		until *time.Time
	)
	err := r.db.QueryRow(ctx, `
		SELECT attempts, first_attempt_at, last_attempt_at, is_blocked, blocked_until
		FROM checkout_rate_limits WHERE key = $1 AND expires_at > $2`, key, r.now()).
		Scan(&rec.Attempts, &rec.FirstAttemptAt, &rec.LastAttemptAt, &rec.Blocked, &until)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return ratelimiter.Record{}, false, nil
		}
		return ratelimiter.Record{}, false, fmt.Errorf("get rate limit record: %w", err)
	}
	if until != nil {
		rec.BlockedUntil = *until
	}
	return rec, true, nil
}

func (r *RateLimits) Save(ctx context.Context, key string, rec ratelimiter.Record, ttl time.Duration) error {
	var until *time.Time
	if !rec.BlockedUntil.IsZero() {
		until = &rec.BlockedUntil
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO checkout_rate_limits (key, attempts, first_attempt_at, last_attempt_at,
			is_blocked, blocked_until, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			attempts = EXCLUDED.attempts, first_attempt_at = EXCLUDED.first_attempt_at,
			last_attempt_at = EXCLUDED.last_attempt_at, is_blocked = EXCLUDED.is_blocked,
			blocked_until = EXCLUDED.blocked_until, expires_at = EXCLUDED.expires_at`,
		key, rec.Attempts, rec.FirstAttemptAt, rec.LastAttemptAt, rec.Blocked, until, r.now().Add(ttl))
	if err != nil {
		return fmt.Errorf("save rate limit record: %w", err)
	}
	return nil
}

func (r *RateLimits) Reset(ctx context.Context, key string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM checkout_rate_limits WHERE key = $1`, key); err != nil {
		return fmt.Errorf("reset rate limit record: %w", err)
	}
	return nil
}

// PurgeExpired removes records whose window and block have both passed.
func (r *RateLimits) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM checkout_rate_limits WHERE expires_at <= $1`, r.now())
	if err != nil {
		return 0, fmt.Errorf("purge rate limit records: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ ratelimiter.Store = (*RateLimits)(nil)
