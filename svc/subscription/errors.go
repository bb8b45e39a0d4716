package subscription

import "errors"

var (
	ErrNotFound            = errors.New("subscription not found")
	ErrStoreUnavailable    = errors.New("subscription store unavailable")
	ErrConcurrentUpdate    = errors.New("subscription was modified concurrently")
	ErrInvalidTransition   = errors.New("invalid subscription status transition")
	ErrInvalidFields       = errors.New("invalid subscription fields")
	ErrStaleEvent          = errors.New("snapshot is older than the stored subscription")
	ErrForeignSubscription = errors.New("snapshot belongs to a superseded external subscription")
)

// IsTransient reports whether a write may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConcurrentUpdate)
}

// storeErr keeps package sentinels intact and marks everything else as a
// store outage.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConcurrentUpdate),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrInvalidFields),
		errors.Is(err, ErrStaleEvent),
		errors.Is(err, ErrForeignSubscription):
		return err
	default:
		return errors.Join(ErrStoreUnavailable, err)
	}
}
