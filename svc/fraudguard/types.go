package fraudguard

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RateLimitResult is the verdict for one checkout attempt.
type RateLimitResult struct {
	Allowed           bool      `json:"allowed"`
	Reason            string    `json:"reason,omitempty"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	BlockedUntil      time.Time `json:"blocked_until,omitzero"`
}

// Err returns a *RateLimitedError for denied attempts and nil otherwise.
func (r RateLimitResult) Err() error {
	if r.Allowed {
		return nil
	}
	return &RateLimitedError{Reason: r.Reason, BlockedUntil: r.BlockedUntil}
}

// CooldownResult reports whether an organization recently cancelled.
type CooldownResult struct {
	InCooldown    bool   `json:"in_cooldown"`
	Reason        string `json:"reason,omitempty"`
	DaysRemaining int    `json:"days_remaining,omitempty"`
}

// PromoRedemption is written once per (email, code).
type PromoRedemption struct {
	Email          string     `json:"email"`
	Code           string     `json:"code"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	CampaignID     *uuid.UUID `json:"campaign_id,omitempty"`
	RedeemedAt     time.Time  `json:"redeemed_at"`
}

type PromoRedemptionParams struct {
	Email          string
	Code           string
	OrganizationID uuid.UUID
}

// Campaign groups promo codes for reporting. CodePattern is an exact code or
// a prefix ending in "*".
type Campaign struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	CodePattern string    `json:"code_pattern"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at,omitzero"`
}

// Matches reports whether code belongs to the campaign and the campaign is
// running at now.
func (c Campaign) Matches(code string, now time.Time) bool {
	if now.Before(c.StartsAt) || (!c.EndsAt.IsZero() && !now.Before(c.EndsAt)) {
		return false
	}
	pattern := normalizeCode(c.CodePattern)
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return prefix != "" && strings.HasPrefix(code, prefix)
	}
	return code == pattern
}

// PromoStore persists redemptions. SaveRedemption returns
// ErrDuplicateRedemption when the pair already exists.
type PromoStore interface {
	HasRedemption(ctx context.Context, email, code string) (bool, error)
	SaveRedemption(ctx context.Context, r PromoRedemption) error
}

// CampaignFinder lists campaigns running at a point in time.
type CampaignFinder interface {
	ActiveCampaigns(ctx context.Context, now time.Time) ([]Campaign, error)
}

// StaticCampaigns is a fixed CampaignFinder.
type StaticCampaigns []Campaign

func (s StaticCampaigns) ActiveCampaigns(_ context.Context, now time.Time) ([]Campaign, error) {
	out := make([]Campaign, 0, len(s))
	for _, c := range s {
		if !now.Before(c.StartsAt) && (c.EndsAt.IsZero() || now.Before(c.EndsAt)) {
			out = append(out, c)
		}
	}
	return out, nil
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func normalizeCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }
