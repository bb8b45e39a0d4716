package billing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/svc/subscription"
)

// ProviderName identifies a billing processor.
type ProviderName string

const (
	ProviderStripe ProviderName = "stripe"
	ProviderPaddle ProviderName = "paddle"
)

// TriggeredBy returns the ledger tag for changes relayed from this provider.
func (p ProviderName) TriggeredBy() subscription.TriggeredBy {
	if p == ProviderPaddle {
		return subscription.TriggeredByPaddleWebhook
	}
	return subscription.TriggeredByStripeWebhook
}

// EventKind is the normalized meaning of a processor event.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionCreated EventKind = "subscription_created"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventPaymentFailed       EventKind = "payment_failed"
	EventPaymentSucceeded    EventKind = "payment_succeeded"
	EventUnhandled           EventKind = "unhandled"
)

// carriesSubscription reports whether the event holds a full subscription
// snapshot.
func (k EventKind) carriesSubscription() bool {
	switch k {
	case EventCheckoutCompleted, EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	}
	return false
}

// Event is a verified processor event reduced to what reconciliation needs.
type Event struct {
	ID       string
	Type     string
	Kind     EventKind
	Provider ProviderName

	OrganizationID         uuid.UUID
	PriceID                string
	Status                 string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	TrialEnd               *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time

	PromoCode     string
	CustomerEmail string
	Amount        *int64
	Currency      string
	OccurredAt    time.Time
}

// CheckoutParams describe a hosted checkout to open.
type CheckoutParams struct {
	PriceID        string
	OrganizationID uuid.UUID
	UserID         string
	Email          string
	PromoCode      string
	SuccessURL     string
	CancelURL      string
}

// CheckoutSession is the opaque handle returned to the UI.
type CheckoutSession struct {
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PortalLink is a pre-authenticated customer portal URL.
type PortalLink struct {
	URL       string    `json:"url"`
	CancelURL string    `json:"cancel_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Provider verifies webhooks and opens hosted pages at a billing processor.
type Provider interface {
	Name() ProviderName
	// ParseWebhook verifies the signature carried in header and normalizes
	// the payload. Verification failures wrap ErrInvalidSignature.
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (Event, error)
	CreateCheckout(ctx context.Context, p CheckoutParams) (*CheckoutSession, error)
	CustomerPortal(ctx context.Context, sub *subscription.Subscription) (*PortalLink, error)
}

// Canceller is implemented by providers that can schedule a cancellation
// through their API.
type Canceller interface {
	CancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string) error
}

// Metadata keys written at checkout and read back from webhooks.
const (
	metaOrganizationID = "organization_id"
	metaUserID         = "user_id"
	metaPromoCode      = "promo_code"
	metaEmail          = "email"
)

// normalizeStatus maps processor statuses onto local ones.
func normalizeStatus(raw string) (subscription.Status, bool) {
	switch strings.ToLower(raw) {
	case "active":
		return subscription.StatusActive, true
	case "trialing":
		return subscription.StatusTrialing, true
	case "past_due", "unpaid", "incomplete", "paused":
		return subscription.StatusPastDue, true
	case "canceled", "cancelled":
		return subscription.StatusCancelled, true
	case "incomplete_expired", "expired":
		return subscription.StatusExpired, true
	}
	return "", false
}

func parseOrganizationID(s string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil
	}
	return id
}
