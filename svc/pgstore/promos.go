package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingcore/pkg/pg"
	"github.com/dmitrymomot/billingcore/svc/fraudguard"
)

func (s *Store) HasRedemption(ctx context.Context, email, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM promo_redemptions WHERE email = $1 AND code = $2)`, email, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check promo redemption: %w", err)
	}
	return exists, nil
}

func (s *Store) SaveRedemption(ctx context.Context, r fraudguard.PromoRedemption) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO promo_redemptions (email, code, organization_id, campaign_id, redeemed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.Email, r.Code, r.OrganizationID, r.CampaignID, r.RedeemedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return fraudguard.ErrDuplicateRedemption
		}
		return fmt.Errorf("insert promo redemption: %w", err)
	}
	return nil
}

// ActiveCampaigns lists campaigns running at now.
func (s *Store) ActiveCampaigns(ctx context.Context, now time.Time) ([]fraudguard.Campaign, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, code_pattern, starts_at, ends_at FROM promo_campaigns
		WHERE starts_at <= $1 AND (ends_at IS NULL OR ends_at > $1)
		ORDER BY starts_at DESC`, now)
	if err != nil {
		return nil, fmt.Errorf("list promo campaigns: %w", err)
	}
	campaigns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (fraudguard.Campaign, error) {
		var (
			c    fraudguard.Campaign
			ends *time.Time
		)
		err := row.Scan(&c.ID, &c.Name, &c.CodePattern, &c.StartsAt, &ends)
		if ends != nil {
			c.EndsAt = *ends
		}
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan promo campaigns: %w", err)
	}
	return campaigns, nil
}
