package ratelimiter

import "errors"

var (
	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStoreUnavailable indicates that the store backend failed.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrEmptyKey is returned for attempts without a key.
	ErrEmptyKey = errors.New("rate limit key is empty")
)
