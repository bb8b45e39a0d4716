package pgstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// insertActivity appends one ledger entry. The table is insert-only.
func insertActivity(ctx context.Context, db execer, e subscription.ActivityEntry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO subscription_activity_log (id, subscription_id, organization_id,
			external_subscription_id, event_type, from_plan, to_plan, from_status,
			to_status, amount, currency, triggered_by, admin_email, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.ID, e.SubscriptionID, e.OrganizationID, nullString(e.ExternalSubscriptionID),
		string(e.EventType), nullString(string(e.FromPlan)), nullString(string(e.ToPlan)),
		nullString(string(e.FromStatus)), nullString(string(e.ToStatus)), e.Amount, nullString(string(e.Currency)),
		string(e.TriggeredBy), nullString(e.AdminEmail), nullString(e.Details), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription activity: %w", err)
	}
	return nil
}

func (s *Store) AppendActivity(ctx context.Context, entry subscription.ActivityEntry) error {
	return insertActivity(ctx, s.db, entry)
}

// ListActivity returns the newest entries first.
func (s *Store) ListActivity(ctx context.Context, orgID uuid.UUID, limit int) ([]subscription.ActivityEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, subscription_id, organization_id, external_subscription_id, event_type,
			from_plan, to_plan, from_status, to_status, amount, currency, triggered_by,
			admin_email, details, created_at
		FROM subscription_activity_log
		WHERE organization_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list subscription activity: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (subscription.ActivityEntry, error) {
		var (
			e                                     subscription.ActivityEntry
			eventType, by                         string
			extID, fromPlan, toPlan, fromSt, toSt *string
			currency, adminEmail, details         *string
		)
		err := row.Scan(&e.ID, &e.SubscriptionID, &e.OrganizationID, &extID, &eventType,
			&fromPlan, &toPlan, &fromSt, &toSt, &e.Amount, &currency, &by,
			&adminEmail, &details, &e.CreatedAt)
		if err != nil {
			return e, err
		}
		e.ExternalSubscriptionID = derefString(extID)
		e.EventType = subscription.EventType(eventType)
		e.FromPlan = catalog.Tier(derefString(fromPlan))
		e.ToPlan = catalog.Tier(derefString(toPlan))
		e.FromStatus = subscription.Status(derefString(fromSt))
		e.ToStatus = subscription.Status(derefString(toSt))
		e.Currency = catalog.Currency(derefString(currency))
		e.TriggeredBy = subscription.TriggeredBy(by)
		e.AdminEmail = derefString(adminEmail)
		e.Details = derefString(details)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan subscription activity: %w", err)
	}
	return entries, nil
}
