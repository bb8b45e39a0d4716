package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingcore/pkg/pg"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

const subscriptionColumns = `id, organization_id, plan, period, currency, status,
	COALESCE(external_subscription_id, ''), COALESCE(external_customer_id, ''),
	current_period_start, current_period_end, trial_ends_at, is_trial,
	is_internal_trial, cancel_at_period_end, payment_failed_at, last_event_at,
	organization_name, display_updated_at, display_updated_by,
	version, created_at, updated_at`

func scanSubscription(row pgx.CollectableRow) (subscription.Subscription, error) {
	var (
		s                                  subscription.Subscription
		plan, period, currency, status, by string
	)
	err := row.Scan(
		&s.ID, &s.OrganizationID, &plan, &period, &currency, &status,
		&s.ExternalSubscriptionID, &s.ExternalCustomerID,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.TrialEndsAt, &s.IsTrial,
		&s.IsInternalTrial, &s.CancelAtPeriodEnd, &s.PaymentFailedAt, &s.LastEventAt,
		&s.OrganizationName, &s.DisplayUpdatedAt, &by,
		&s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, err
	}
	s.Plan = catalog.Tier(plan)
	s.Period = catalog.Period(period)
	s.Currency = catalog.Currency(currency)
	s.Status = subscription.Status(status)
	s.DisplayUpdatedBy = subscription.TriggeredBy(by)
	return s, nil
}

func (s *Store) findOne(ctx context.Context, q pgx.Tx, query string, args ...any) (*subscription.Subscription, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if q != nil {
		rows, err = q.Query(ctx, query, args...)
	} else {
		rows, err = s.db.Query(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	sub, err := pgx.CollectExactlyOneRow(rows, scanSubscription)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &sub, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]subscription.Subscription, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	subs, err := pgx.CollectRows(rows, scanSubscription)
	if err != nil {
		return nil, fmt.Errorf("scan subscriptions: %w", err)
	}
	return subs, nil
}

// FindCanonical returns the newest active or trialing row.
func (s *Store) FindCanonical(ctx context.Context, orgID uuid.UUID) (*subscription.Subscription, error) {
	return s.findOne(ctx, nil, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE organization_id = $1 AND status IN ('active', 'trialing')
		ORDER BY created_at DESC LIMIT 1`, orgID)
}

func (s *Store) FindLatest(ctx context.Context, orgID uuid.UUID) (*subscription.Subscription, error) {
	return s.findOne(ctx, nil, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE organization_id = $1 ORDER BY created_at DESC LIMIT 1`, orgID)
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	if externalID == "" {
		return nil, subscription.ErrNotFound
	}
	return s.findOne(ctx, nil, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE external_subscription_id = $1 ORDER BY created_at DESC LIMIT 1`, externalID)
}

// Replace serializes writers of one organization on a transaction-scoped
// advisory lock, then upserts the row keyed by organization_id. Readers see
// either the old or the new row, never none.
func (s *Store) Replace(ctx context.Context, orgID uuid.UUID, fn subscription.ReplaceFunc) error {
	return pg.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, orgID); err != nil {
			return fmt.Errorf("lock organization subscription: %w", err)
		}

		prev, err := s.findOne(ctx, tx, `SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE organization_id = $1 FOR UPDATE`, orgID)
		if err != nil && !errors.Is(err, subscription.ErrNotFound) {
			return err
		}

		next, entry, err := fn(prev)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO subscriptions (id, organization_id, plan, period, currency, status,
				external_subscription_id, external_customer_id, current_period_start,
				current_period_end, trial_ends_at, is_trial, is_internal_trial,
				cancel_at_period_end, payment_failed_at, last_event_at, organization_name,
				display_updated_at, display_updated_by, version, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
			ON CONFLICT (organization_id) DO UPDATE SET
				id = EXCLUDED.id, plan = EXCLUDED.plan, period = EXCLUDED.period,
				currency = EXCLUDED.currency, status = EXCLUDED.status,
				external_subscription_id = EXCLUDED.external_subscription_id,
				external_customer_id = EXCLUDED.external_customer_id,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				trial_ends_at = EXCLUDED.trial_ends_at, is_trial = EXCLUDED.is_trial,
				is_internal_trial = EXCLUDED.is_internal_trial,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				payment_failed_at = EXCLUDED.payment_failed_at,
				last_event_at = EXCLUDED.last_event_at,
				organization_name = EXCLUDED.organization_name,
				display_updated_at = EXCLUDED.display_updated_at,
				display_updated_by = EXCLUDED.display_updated_by,
				version = EXCLUDED.version, created_at = EXCLUDED.created_at,
				updated_at = EXCLUDED.updated_at`,
			next.ID, next.OrganizationID, string(next.Plan), string(next.Period), string(next.Currency),
			string(next.Status), nullString(next.ExternalSubscriptionID), nullString(next.ExternalCustomerID),
			next.CurrentPeriodStart, next.CurrentPeriodEnd, next.TrialEndsAt, next.IsTrial,
			next.IsInternalTrial, next.CancelAtPeriodEnd, next.PaymentFailedAt, next.LastEventAt, next.OrganizationName,
			next.DisplayUpdatedAt, string(next.DisplayUpdatedBy), next.Version, next.CreatedAt, next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		return insertActivity(ctx, tx, entry)
	})
}

// Update writes next only if the stored row still has expectedVersion.
func (s *Store) Update(ctx context.Context, next subscription.Subscription, expectedVersion int64, entry *subscription.ActivityEntry) error {
	return pg.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE subscriptions SET plan = $3, period = $4, status = $5,
				current_period_start = $6, current_period_end = $7, trial_ends_at = $8,
				is_trial = $9, is_internal_trial = $10, cancel_at_period_end = $11,
				payment_failed_at = $12, organization_name = $13, display_updated_at = $14,
				display_updated_by = $15, version = $16, updated_at = $17
			WHERE id = $1 AND version = $2`,
			next.ID, expectedVersion, string(next.Plan), string(next.Period), string(next.Status),
			next.CurrentPeriodStart, next.CurrentPeriodEnd, next.TrialEndsAt,
			next.IsTrial, next.IsInternalTrial, next.CancelAtPeriodEnd,
			next.PaymentFailedAt, next.OrganizationName, next.DisplayUpdatedAt,
			string(next.DisplayUpdatedBy), next.Version, next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check subscription: %w", err)
			}
			if exists {
				return subscription.ErrConcurrentUpdate
			}
			return subscription.ErrNotFound
		}
		if entry == nil {
			return nil
		}
		return insertActivity(ctx, tx, *entry)
	})
}

func (s *Store) ListExpiredInternalTrials(ctx context.Context, now time.Time) ([]subscription.Subscription, error) {
	return s.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE is_internal_trial AND status IN ('active', 'trialing')
			AND trial_ends_at IS NOT NULL AND trial_ends_at < $1
		ORDER BY organization_id`, now)
}

func (s *Store) ListGraceExpired(ctx context.Context, before time.Time) ([]subscription.Subscription, error) {
	return s.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'past_due' AND payment_failed_at IS NOT NULL AND payment_failed_at < $1
		ORDER BY organization_id`, before)
}

// ListLapsed returns cancelled rows and paid canonical rows whose period
// ended before the cutoff. Free rows carry no external id and never lapse.
func (s *Store) ListLapsed(ctx context.Context, before time.Time) ([]subscription.Subscription, error) {
	return s.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'cancelled'
			OR (status IN ('active', 'trialing')
				AND external_subscription_id IS NOT NULL
				AND current_period_end < $1)
		ORDER BY organization_id`, before)
}

func (s *Store) ListCanonical(ctx context.Context, after uuid.UUID, limit int) ([]subscription.Subscription, error) {
	return s.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('active', 'trialing') AND organization_id > $1
		ORDER BY organization_id LIMIT $2`, after, limit)
}
