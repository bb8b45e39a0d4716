package fraudguard

import (
	"errors"
	"time"
)

var (
	ErrRateLimited         = errors.New("checkout rate limited")
	ErrPromoReplayed       = errors.New("promo code already redeemed")
	ErrPromoCooldown       = errors.New("promo codes unavailable after recent cancellation")
	ErrDuplicateRedemption = errors.New("promo redemption already recorded")
	ErrGuardUnavailable    = errors.New("fraud guard state unavailable")
)

// RateLimitedError carries the unblock time of a denied checkout.
type RateLimitedError struct {
	Reason       string
	BlockedUntil time.Time
}

func (e *RateLimitedError) Error() string { return e.Reason }

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// PromoDeniedError explains why a promo code may not be used.
type PromoDeniedError struct {
	Reason string
	// DaysRemaining is set for cooldown denials.
	DaysRemaining int
	cause         error
}

func (e *PromoDeniedError) Error() string { return e.Reason }

func (e *PromoDeniedError) Unwrap() error { return e.cause }
