package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/billingcore/svc/subscription"
)

// StripeConfig holds configuration for the Stripe provider.
type StripeConfig struct {
	SecretKey       string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret   string `env:"STRIPE_WEBHOOK_SECRET"`
	PortalReturnURL string `env:"STRIPE_PORTAL_RETURN_URL"`
}

// StripeAPI is the subset of the Stripe API the provider calls.
type StripeAPI interface {
	NewCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CancelSubscriptionAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error)
	NewPortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

type stripeSDK struct{}

func (stripeSDK) NewCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	return checkoutsession.New(params)
}

func (stripeSDK) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return stripesub.Get(id, params)
}

func (stripeSDK) CancelSubscriptionAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	return stripesub.Update(id, params)
}

func (stripeSDK) NewPortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	params.Context = ctx
	return portalsession.New(params)
}

// StripeProvider implements Provider and Canceller for Stripe.
type StripeProvider struct {
	api    StripeAPI
	config StripeConfig
	now    func() time.Time
}

// StripeOption configures a StripeProvider.
type StripeOption func(*StripeProvider)

// WithStripeAPI replaces the live Stripe client.
func WithStripeAPI(api StripeAPI) StripeOption {
	return func(p *StripeProvider) {
		if api != nil {
			p.api = api
		}
	}
}

func NewStripeProvider(config StripeConfig, opts ...StripeOption) (*StripeProvider, error) {
	if config.SecretKey == "" {
		return nil, fmt.Errorf("stripe: %w", ErrMissingAPIKey)
	}
	if config.WebhookSecret == "" {
		return nil, fmt.Errorf("stripe: %w", ErrMissingWebhookSecret)
	}
	p := &StripeProvider{config: config, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if p.api == nil {
		stripe.Key = config.SecretKey
		p.api = stripeSDK{}
	}
	return p, nil
}

func (p *StripeProvider) Name() ProviderName { return ProviderStripe }

// ParseWebhook verifies the Stripe-Signature header and normalizes the event.
// checkout.session.completed triggers one API read for the subscription.
func (p *StripeProvider) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), p.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, errors.Join(ErrInvalidSignature, err)
	}
	if evt.Data == nil {
		return Event{}, fmt.Errorf("%w: stripe event %s has no data", ErrMalformedEvent, evt.ID)
	}

	out := Event{
		ID:         evt.ID,
		Type:       string(evt.Type),
		Kind:       EventUnhandled,
		Provider:   ProviderStripe,
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
	}

	switch evt.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
			return Event{}, errors.Join(ErrMalformedEvent, err)
		}
		if sess.Mode != stripe.CheckoutSessionModeSubscription || sess.Subscription == nil {
			return out, nil
		}
		sub, err := p.api.GetSubscription(ctx, sess.Subscription.ID)
		if err != nil {
			return Event{}, errors.Join(ErrProvider, err)
		}
		out.Kind = EventCheckoutCompleted
		applyStripeSubscription(&out, sub)
		if out.OrganizationID == uuid.Nil {
			out.OrganizationID = parseOrganizationID(sess.ClientReferenceID)
		}
		if out.OrganizationID == uuid.Nil {
			out.OrganizationID = parseOrganizationID(sess.Metadata[metaOrganizationID])
		}
		out.PromoCode = sess.Metadata[metaPromoCode]
		out.CustomerEmail = sess.Metadata[metaEmail]
		if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
			out.CustomerEmail = sess.CustomerDetails.Email
		}
		if sess.AmountTotal > 0 {
			amount := sess.AmountTotal
			out.Amount = &amount
			out.Currency = string(sess.Currency)
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return Event{}, errors.Join(ErrMalformedEvent, err)
		}
		switch evt.Type {
		case "customer.subscription.created":
			out.Kind = EventSubscriptionCreated
		case "customer.subscription.updated":
			out.Kind = EventSubscriptionUpdated
		default:
			out.Kind = EventSubscriptionDeleted
		}
		applyStripeSubscription(&out, &sub)

	case "invoice.payment_failed", "invoice.paid", "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return Event{}, errors.Join(ErrMalformedEvent, err)
		}
		if inv.Parent == nil || inv.Parent.SubscriptionDetails == nil || inv.Parent.SubscriptionDetails.Subscription == nil {
			return out, nil
		}
		details := inv.Parent.SubscriptionDetails
		out.ExternalSubscriptionID = details.Subscription.ID
		out.OrganizationID = parseOrganizationID(details.Metadata[metaOrganizationID])
		if inv.Customer != nil {
			out.ExternalCustomerID = inv.Customer.ID
		}
		out.CustomerEmail = inv.CustomerEmail
		out.Currency = string(inv.Currency)
		if evt.Type == "invoice.payment_failed" {
			out.Kind = EventPaymentFailed
			amount := inv.AmountDue
			out.Amount = &amount
		} else {
			out.Kind = EventPaymentSucceeded
			amount := inv.AmountPaid
			out.Amount = &amount
		}
	}
	return out, nil
}

func applyStripeSubscription(out *Event, sub *stripe.Subscription) {
	out.ExternalSubscriptionID = sub.ID
	out.Status = string(sub.Status)
	out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	out.OrganizationID = parseOrganizationID(sub.Metadata[metaOrganizationID])
	if out.PromoCode == "" {
		out.PromoCode = sub.Metadata[metaPromoCode]
	}
	if out.CustomerEmail == "" {
		out.CustomerEmail = sub.Metadata[metaEmail]
	}
	if sub.Customer != nil {
		out.ExternalCustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.PeriodStart = unixTime(item.CurrentPeriodStart)
		out.PeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	if sub.TrialEnd > 0 {
		t := unixTime(sub.TrialEnd)
		out.TrialEnd = &t
	}
	if sub.CanceledAt > 0 {
		t := unixTime(sub.CanceledAt)
		out.CanceledAt = &t
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// CreateCheckout opens a hosted subscription checkout. The organization id
// travels as client reference and as subscription metadata so every later
// event can be attributed.
func (p *StripeProvider) CreateCheckout(ctx context.Context, req CheckoutParams) (*CheckoutSession, error) {
	meta := map[string]string{
		metaOrganizationID: req.OrganizationID.String(),
		metaUserID:         req.UserID,
		metaEmail:          req.Email,
	}
	if req.PromoCode != "" {
		meta[metaPromoCode] = req.PromoCode
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		ClientReferenceID:   stripe.String(req.OrganizationID.String()),
		CustomerEmail:       stripe.String(req.Email),
		AllowPromotionCodes: stripe.Bool(true),
		SuccessURL:          stripe.String(req.SuccessURL),
		CancelURL:           stripe.String(req.CancelURL),
		Metadata:            meta,
		SubscriptionData:    &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta},
	}

	sess, err := p.api.NewCheckoutSession(ctx, params)
	if err != nil {
		return nil, errors.Join(ErrProvider, err)
	}
	if sess.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	expires := p.now().Add(24 * time.Hour)
	if sess.ExpiresAt > 0 {
		expires = unixTime(sess.ExpiresAt)
	}
	return &CheckoutSession{SessionID: sess.ID, URL: sess.URL, ExpiresAt: expires}, nil
}

func (p *StripeProvider) CustomerPortal(ctx context.Context, sub *subscription.Subscription) (*PortalLink, error) {
	if sub == nil || sub.ExternalCustomerID == "" {
		return nil, ErrNotCancellable
	}
	params := &stripe.BillingPortalSessionParams{Customer: stripe.String(sub.ExternalCustomerID)}
	if p.config.PortalReturnURL != "" {
		params.ReturnURL = stripe.String(p.config.PortalReturnURL)
	}
	sess, err := p.api.NewPortalSession(ctx, params)
	if err != nil {
		return nil, errors.Join(ErrProvider, err)
	}
	if sess.URL == "" {
		return nil, ErrNoPortalURL
	}
	// Stripe portal sessions are valid for five minutes.
	return &PortalLink{URL: sess.URL, ExpiresAt: p.now().Add(5 * time.Minute)}, nil
}

func (p *StripeProvider) CancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string) error {
	if externalSubscriptionID == "" {
		return ErrNotCancellable
	}
	if _, err := p.api.CancelSubscriptionAtPeriodEnd(ctx, externalSubscriptionID); err != nil {
		return errors.Join(ErrProvider, err)
	}
	return nil
}
