package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingcore/pkg/pg"
	"github.com/dmitrymomot/billingcore/svc/directory"
)

func scanOrganization(row pgx.CollectableRow) (directory.Organization, error) {
	var o directory.Organization
	err := row.Scan(&o.ID, &o.Name, &o.ContactEmail, &o.LastCancelledAt, &o.CancellationCount, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

const organizationColumns = `id, name, contact_email, last_subscription_cancelled_at,
	cancellation_count, created_at, updated_at`

func (s *Store) GetOrganization(ctx context.Context, id uuid.UUID) (*directory.Organization, error) {
	rows, err := s.db.Query(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query organization: %w", err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrganization)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, directory.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	return &o, nil
}

// RecordCancellation is idempotent for a repeated timestamp so webhook
// redeliveries do not inflate the counter.
func (s *Store) RecordCancellation(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE organizations
		SET last_subscription_cancelled_at = $2,
			cancellation_count = cancellation_count + 1,
			updated_at = $2
		WHERE id = $1
			AND last_subscription_cancelled_at IS DISTINCT FROM $2`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("record cancellation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM organizations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check organization: %w", err)
	}
	if !exists {
		return directory.ErrOrganizationNotFound
	}
	return nil
}

func (s *Store) ListOrganizations(ctx context.Context, after uuid.UUID, limit int) ([]directory.Organization, error) {
	rows, err := s.db.Query(ctx, `SELECT `+organizationColumns+` FROM organizations
		WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	orgs, err := pgx.CollectRows(rows, scanOrganization)
	if err != nil {
		return nil, fmt.Errorf("scan organizations: %w", err)
	}
	return orgs, nil
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *Store) CountActiveProfiles(ctx context.Context, orgID uuid.UUID, role directory.Role) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM profiles
		WHERE organization_id = $1 AND role = $2 AND active`, orgID, string(role))
}

// ListActiveProfiles returns profiles oldest first; ties break on id.
func (s *Store) ListActiveProfiles(ctx context.Context, orgID uuid.UUID, role directory.Role) ([]directory.Profile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, organization_id, email, role, active, created_at FROM profiles
		WHERE organization_id = $1 AND role = $2 AND active
		ORDER BY created_at, id`, orgID, string(role))
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (directory.Profile, error) {
		var (
			p    directory.Profile
			role string
		)
		err := row.Scan(&p.ID, &p.OrganizationID, &p.Email, &role, &p.Active, &p.CreatedAt)
		p.Role = directory.Role(role)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan profiles: %w", err)
	}
	return profiles, nil
}

func (s *Store) DeactivateProfiles(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `UPDATE profiles SET active = FALSE
		WHERE organization_id = $1 AND id = ANY($2)`, orgID, ids); err != nil {
		return fmt.Errorf("deactivate profiles: %w", err)
	}
	return nil
}

func (s *Store) CountActiveTemplates(ctx context.Context, orgID uuid.UUID) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM templates WHERE organization_id = $1 AND active`, orgID)
}

// ListActiveTemplates returns templates oldest first; ties break on id.
func (s *Store) ListActiveTemplates(ctx context.Context, orgID uuid.UUID) ([]directory.Template, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, organization_id, name, active, created_at FROM templates
		WHERE organization_id = $1 AND active
		ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	templates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (directory.Template, error) {
		var t directory.Template
		err := row.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Active, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan templates: %w", err)
	}
	return templates, nil
}

func (s *Store) DeactivateTemplates(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `UPDATE templates SET active = FALSE
		WHERE organization_id = $1 AND id = ANY($2)`, orgID, ids); err != nil {
		return fmt.Errorf("deactivate templates: %w", err)
	}
	return nil
}

func (s *Store) CountSubmittedSince(ctx context.Context, orgID uuid.UUID, since time.Time) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM reports
		WHERE organization_id = $1 AND submitted_at >= $2`, orgID, since)
}

// ListStoredReports returns non-archived reports oldest first.
func (s *Store) ListStoredReports(ctx context.Context, orgID uuid.UUID) ([]directory.Report, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, organization_id, submitted_at, archived FROM reports
		WHERE organization_id = $1 AND NOT archived
		ORDER BY submitted_at, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	reports, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (directory.Report, error) {
		var r directory.Report
		err := row.Scan(&r.ID, &r.OrganizationID, &r.SubmittedAt, &r.Archived)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan reports: %w", err)
	}
	return reports, nil
}

func (s *Store) ArchiveReports(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `UPDATE reports SET archived = TRUE
		WHERE organization_id = $1 AND id = ANY($2)`, orgID, ids); err != nil {
		return fmt.Errorf("archive reports: %w", err)
	}
	return nil
}
