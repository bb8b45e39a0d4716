package ratelimiter

import (
	"context"
	"time"
)

// Store persists attempt records.
//
// The limiter does a plain read-modify-write without isolation; two concurrent
// attempts on one key may both read the same record and under-count by one.
type Store interface {
	// Get returns the record for key. found is false when nothing is stored
	// or the stored record has expired.
	Get(ctx context.Context, key string) (rec Record, found bool, err error)

	// Save stores rec for key. ttl is a hint after which the record carries no
	// information and may be dropped.
	Save(ctx context.Context, key string, rec Record, ttl time.Duration) error

	// Reset clears the state for key.
	Reset(ctx context.Context, key string) error
}
