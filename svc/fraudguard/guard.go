package fraudguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/pkg/ratelimiter"
	"github.com/dmitrymomot/billingcore/svc/directory"
)

// DefaultCooldown is how long promo codes stay unavailable after a
// cancellation.
const DefaultCooldown = 30 * 24 * time.Hour

// Guard throttles checkout attempts and polices promo code reuse.
type Guard struct {
	limiter   *ratelimiter.Limiter
	promos    PromoStore
	orgs      directory.Organizations
	campaigns CampaignFinder
	cooldown  time.Duration
	now       func() time.Time
	log       *slog.Logger
}

type Option func(*Guard)

func WithCampaigns(f CampaignFinder) Option {
	return func(g *Guard) { g.campaigns = f }
}

func WithCooldown(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.cooldown = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

func New(limiter *ratelimiter.Limiter, promos PromoStore, orgs directory.Organizations, opts ...Option) *Guard {
	if limiter == nil {
		panic("fraudguard: limiter is required")
	}
	if promos == nil {
		panic("fraudguard: promo store is required")
	}
	if orgs == nil {
		panic("fraudguard: organization directory is required")
	}
	g := &Guard{
		limiter:  limiter,
		promos:   promos,
		orgs:     orgs,
		cooldown: DefaultCooldown,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With(logger.Component("fraudguard"))
	return g
}

// CheckCheckoutRateLimit counts one checkout attempt for (email, ip).
func (g *Guard) CheckCheckoutRateLimit(ctx context.Context, email, ip string) (RateLimitResult, error) {
	res, err := g.limiter.Attempt(ctx, normalizeEmail(email)+"|"+ip)
	if err != nil {
		return RateLimitResult{}, errors.Join(ErrGuardUnavailable, err)
	}
	if res.Allowed {
		return RateLimitResult{Allowed: true, AttemptsRemaining: res.Remaining}, nil
	}
	return RateLimitResult{
		Allowed:      false,
		BlockedUntil: res.BlockedUntil,
		Reason: fmt.Sprintf("Too many checkout attempts. Please try again after %s.",
			res.BlockedUntil.UTC().Format("2 Jan 2006 15:04 MST")),
	}, nil
}

// HasRedeemedPromoCode reports whether email already used code.
func (g *Guard) HasRedeemedPromoCode(ctx context.Context, email, code string) (bool, error) {
	ok, err := g.promos.HasRedemption(ctx, normalizeEmail(email), normalizeCode(code))
	if err != nil {
		return false, errors.Join(ErrGuardUnavailable, err)
	}
	return ok, nil
}

// CheckCancellationCooldown reports whether the organization cancelled
// within the cooldown period. Unknown organizations are not in cooldown.
func (g *Guard) CheckCancellationCooldown(ctx context.Context, orgID uuid.UUID) (CooldownResult, error) {
	org, err := g.orgs.GetOrganization(ctx, orgID)
	if errors.Is(err, directory.ErrOrganizationNotFound) {
		return CooldownResult{}, nil
	}
	if err != nil {
		return CooldownResult{}, errors.Join(ErrGuardUnavailable, err)
	}
	if org.LastCancelledAt == nil {
		return CooldownResult{}, nil
	}

	now := g.now()
	until := org.LastCancelledAt.Add(g.cooldown)
	if !now.Before(until) {
		return CooldownResult{}, nil
	}
	days := int((until.Sub(now) + 24*time.Hour - 1) / (24 * time.Hour))
	return CooldownResult{
		InCooldown:    true,
		DaysRemaining: days,
		Reason:        fmt.Sprintf("Promo codes are unavailable for %d more %s after a recent cancellation.", days, plural(days, "day", "days")),
	}, nil
}

// CheckPromoEligibility combines the replay and cooldown checks and returns
// a *PromoDeniedError when the code may not be used.
func (g *Guard) CheckPromoEligibility(ctx context.Context, email, code string, orgID uuid.UUID) error {
	used, err := g.HasRedeemedPromoCode(ctx, email, code)
	if err != nil {
		return err
	}
	if used {
		return &PromoDeniedError{Reason: "This promo code has already been redeemed.", cause: ErrPromoReplayed}
	}
	cd, err := g.CheckCancellationCooldown(ctx, orgID)
	if err != nil {
		return err
	}
	if cd.InCooldown {
		return &PromoDeniedError{Reason: cd.Reason, DaysRemaining: cd.DaysRemaining, cause: ErrPromoCooldown}
	}
	return nil
}

// TrackPromoRedemption records a redemption. Only the store write can fail;
// campaign linkage is best effort and a repeated redemption is not an error.
func (g *Guard) TrackPromoRedemption(ctx context.Context, p PromoRedemptionParams) error {
	now := g.now().UTC()
	rec := PromoRedemption{
		Email:          normalizeEmail(p.Email),
		Code:           normalizeCode(p.Code),
		OrganizationID: p.OrganizationID,
		RedeemedAt:     now,
	}
	rec.CampaignID = g.findCampaign(ctx, rec.Code, now)

	err := g.promos.SaveRedemption(ctx, rec)
	switch {
	case errors.Is(err, ErrDuplicateRedemption):
		return nil
	case err != nil:
		return errors.Join(ErrGuardUnavailable, err)
	}
	return nil
}

func (g *Guard) findCampaign(ctx context.Context, code string, now time.Time) *uuid.UUID {
	if g.campaigns == nil {
		return nil
	}
	campaigns, err := g.campaigns.ActiveCampaigns(ctx, now)
	if err != nil {
		g.log.WarnContext(ctx, "campaign lookup failed", logger.Error(err))
		return nil
	}
	for _, c := range campaigns {
		if c.Matches(code, now) {
			id := c.ID
			return &id
		}
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
