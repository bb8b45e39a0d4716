package billing

import "errors"

var (
	ErrInvalidSignature           = errors.New("webhook signature verification failed")
	ErrMalformedEvent             = errors.New("malformed webhook event")
	ErrProvider                   = errors.New("billing provider error")
	ErrMissingAPIKey              = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret       = errors.New("billing provider webhook secret is required")
	ErrInvalidProviderEnvironment = errors.New("invalid billing provider environment")
	ErrUnknownProvider            = errors.New("unknown billing provider")
	ErrNoCheckoutURL              = errors.New("no checkout URL returned from provider")
	ErrNoPortalURL                = errors.New("no portal URL returned from provider")
	ErrNotCancellable             = errors.New("subscription has no billing processor record to cancel")
)
