package ratelimiter

import (
	"fmt"
	"time"
)

// Config defines an attempt window with a hard block once it overflows.
type Config struct {
	MaxAttempts   int           // Attempts allowed inside one window
	Window        time.Duration // Window length, measured from the first attempt
	BlockDuration time.Duration // How long a key stays blocked after overflowing
}

// DefaultConfig allows 5 attempts per 15 minutes and blocks for 24 hours.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		Window:        15 * time.Minute,
		BlockDuration: 24 * time.Hour,
	}
}

func (c Config) validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrInvalidConfig, c.MaxAttempts)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %v", ErrInvalidConfig, c.Window)
	}
	if c.BlockDuration <= 0 {
		return fmt.Errorf("%w: block duration must be positive, got %v", ErrInvalidConfig, c.BlockDuration)
	}
	return nil
}

// Record is the persisted state for one key.
type Record struct {
	Attempts       int       `json:"attempts"`
	FirstAttemptAt time.Time `json:"first_attempt_at"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
	Blocked        bool      `json:"blocked"`
	BlockedUntil   time.Time `json:"blocked_until,omitzero"`
}

// Result contains the outcome of a single attempt.
type Result struct {
	Allowed      bool
	Attempts     int       // Attempts counted in the current window, including this one
	Remaining    int       // Attempts left before the key gets blocked
	BlockedUntil time.Time // Zero unless the attempt was denied
}

// RetryAfter returns how long until the key unblocks, relative to now.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || r.BlockedUntil.IsZero() {
		return 0
	}
	return max(r.BlockedUntil.Sub(now), 0)
}
