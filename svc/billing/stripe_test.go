package billing_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/billingcore/svc/billing"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

const stripeSecret = "whsec_test_secret"

type fakeStripe struct {
	mu        sync.Mutex
	sub       *stripe.Subscription
	session   *stripe.CheckoutSession
	params    *stripe.CheckoutSessionParams
	cancelled []string
	err       error
}

func (f *fakeStripe) NewCheckoutSession(_ context.Context, p *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = p
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeStripe) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

func (f *fakeStripe) CancelSubscriptionAtPeriodEnd(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.cancelled = append(f.cancelled, id)
	return &stripe.Subscription{ID: id, CancelAtPeriodEnd: true}, nil
}

func (f *fakeStripe) NewPortalSession(_ context.Context, p *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.BillingPortalSession{URL: "https://billing.stripe.test/p/" + *p.Customer}, nil
}

func newStripe(t *testing.T, api *fakeStripe) *billing.StripeProvider {
	t.Helper()
	p, err := billing.NewStripeProvider(billing.StripeConfig{SecretKey: "sk_test", WebhookSecret: stripeSecret}, billing.WithStripeAPI(api))
	require.NoError(t, err)
	return p
}

func stripeEvent(eventType, object string) []byte {
	return fmt.Appendf(nil, `{"id":"evt_1","object":"event","api_version":%q,"created":%d,"type":%q,"data":{"object":%s}}`,
		stripe.APIVersion, base.Unix(), eventType, object)
}

func signStripe(payload []byte) http.Header {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: stripeSecret})
	h := http.Header{}
	h.Set("Stripe-Signature", signed.Header)
	return h
}

func TestStripe_ParseSubscriptionEvents(t *testing.T) {
	t.Parallel()

	obj := fmt.Sprintf(`{
		"id":"sub_1","object":"subscription","status":"trialing","customer":"cus_1",
		"cancel_at_period_end":true,"trial_end":%d,
		"metadata":{"organization_id":%q},
		"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item",
			"current_period_start":%d,"current_period_end":%d,
			"price":{"id":"price_growth_monthly","object":"price"}}]}
	}`, base.AddDate(0, 0, 14).Unix(), org1, base.Unix(), base.AddDate(0, 1, 0).Unix())

	tests := []struct {
		eventType string
		kind      billing.EventKind
	}{
		{"customer.subscription.created", billing.EventSubscriptionCreated},
		{"customer.subscription.updated", billing.EventSubscriptionUpdated},
		{"customer.subscription.deleted", billing.EventSubscriptionDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			t.Parallel()
			p := newStripe(t, &fakeStripe{})
			payload := stripeEvent(tt.eventType, obj)

			ev, err := p.ParseWebhook(context.Background(), payload, signStripe(payload))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, billing.ProviderStripe, ev.Provider)
			assert.Equal(t, org1, ev.OrganizationID)
			assert.Equal(t, "price_growth_monthly", ev.PriceID)
			assert.Equal(t, "trialing", ev.Status)
			assert.Equal(t, "sub_1", ev.ExternalSubscriptionID)
			assert.Equal(t, "cus_1", ev.ExternalCustomerID)
			assert.True(t, ev.CancelAtPeriodEnd)
			assert.True(t, base.Equal(ev.PeriodStart))
			assert.True(t, base.AddDate(0, 1, 0).Equal(ev.PeriodEnd))
			require.NotNil(t, ev.TrialEnd)
			assert.True(t, base.AddDate(0, 0, 14).Equal(*ev.TrialEnd))
		})
	}
}

func TestStripe_ParseCheckoutCompletedFetchesSubscription(t *testing.T) {
	t.Parallel()

	api := &fakeStripe{sub: &stripe.Subscription{
		ID:       "sub_1",
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: "cus_1"},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
			Price:              &stripe.Price{ID: "price_scale_monthly"},
			CurrentPeriodStart: base.Unix(),
			CurrentPeriodEnd:   base.AddDate(0, 1, 0).Unix(),
		}}},
	}}
	p := newStripe(t, api)

	obj := fmt.Sprintf(`{"id":"cs_1","object":"checkout.session","mode":"subscription","subscription":"sub_1",
		"client_reference_id":%q,"metadata":{"promo_code":"SPRING50"},
		"customer_details":{"email":"buyer@acme.test"},"amount_total":9900,"currency":"gbp"}`, org1)
	payload := stripeEvent("checkout.session.completed", obj)

	ev, err := p.ParseWebhook(context.Background(), payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, billing.EventCheckoutCompleted, ev.Kind)
	assert.Equal(t, org1, ev.OrganizationID, "client reference is the fallback")
	assert.Equal(t, "price_scale_monthly", ev.PriceID)
	assert.Equal(t, "SPRING50", ev.PromoCode)
	assert.Equal(t, "buyer@acme.test", ev.CustomerEmail)
	require.NotNil(t, ev.Amount)
	assert.Equal(t, int64(9900), *ev.Amount)

	api.err = errors.New("stripe down")
	_, err = p.ParseWebhook(context.Background(), payload, signStripe(payload))
	assert.ErrorIs(t, err, billing.ErrProvider)
}

func TestStripe_ParseInvoiceEvents(t *testing.T) {
	t.Parallel()

	p := newStripe(t, &fakeStripe{})
	obj := fmt.Sprintf(`{"id":"in_1","object":"invoice","customer":"cus_1","amount_due":4900,"amount_paid":4900,"currency":"gbp",
		"parent":{"type":"subscription_details","subscription_details":{"subscription":"sub_1","metadata":{"organization_id":%q}}}}`, org2)

	failed := stripeEvent("invoice.payment_failed", obj)
	ev, err := p.ParseWebhook(context.Background(), failed, signStripe(failed))
	require.NoError(t, err)
	assert.Equal(t, billing.EventPaymentFailed, ev.Kind)
	assert.Equal(t, "sub_1", ev.ExternalSubscriptionID)
	assert.Equal(t, org2, ev.OrganizationID)
	assert.Equal(t, "gbp", ev.Currency)

	paid := stripeEvent("invoice.paid", obj)
	ev, err = p.ParseWebhook(context.Background(), paid, signStripe(paid))
	require.NoError(t, err)
	assert.Equal(t, billing.EventPaymentSucceeded, ev.Kind)

	oneOff := stripeEvent("invoice.paid", `{"id":"in_2","object":"invoice","currency":"gbp"}`)
	ev, err = p.ParseWebhook(context.Background(), oneOff, signStripe(oneOff))
	require.NoError(t, err)
	assert.Equal(t, billing.EventUnhandled, ev.Kind, "invoices outside subscriptions are ignored")
}

func TestStripe_RejectsBadSignature(t *testing.T) {
	t.Parallel()

	p := newStripe(t, &fakeStripe{})
	payload := stripeEvent("customer.subscription.updated", `{"id":"sub_1"}`)
	h := signStripe(payload)

	_, err := p.ParseWebhook(context.Background(), append(payload, ' '), h)
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	_, err = p.ParseWebhook(context.Background(), payload, http.Header{})
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)
}

func TestStripe_UnhandledEvent(t *testing.T) {
	t.Parallel()

	p := newStripe(t, &fakeStripe{})
	payload := stripeEvent("customer.created", `{"id":"cus_1","object":"customer"}`)
	ev, err := p.ParseWebhook(context.Background(), payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, billing.EventUnhandled, ev.Kind)
	assert.Equal(t, "customer.created", ev.Type)
}

func TestStripe_CreateCheckout(t *testing.T) {
	t.Parallel()

	api := &fakeStripe{session: &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1", ExpiresAt: base.Add(24 * time.Hour).Unix()}}
	p := newStripe(t, api)

	sess, err := p.CreateCheckout(context.Background(), billing.CheckoutParams{
		PriceID:        "price_growth_monthly",
		OrganizationID: org1,
		UserID:         "user_1",
		Email:          "buyer@acme.test",
		PromoCode:      "SPRING50",
		SuccessURL:     "https://app.test/ok",
		CancelURL:      "https://app.test/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", sess.SessionID)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", sess.URL)

	require.NotNil(t, api.params)
	assert.Equal(t, org1.String(), *api.params.ClientReferenceID)
	assert.Equal(t, "price_growth_monthly", *api.params.LineItems[0].Price)
	assert.Equal(t, org1.String(), api.params.SubscriptionData.Metadata["organization_id"])
	assert.Equal(t, "SPRING50", api.params.Metadata["promo_code"])

	api.session = &stripe.CheckoutSession{ID: "cs_2"}
	_, err = p.CreateCheckout(context.Background(), billing.CheckoutParams{PriceID: "price_growth_monthly", OrganizationID: org1})
	assert.ErrorIs(t, err, billing.ErrNoCheckoutURL)
}

func TestStripe_CancelAndPortal(t *testing.T) {
	t.Parallel()

	api := &fakeStripe{}
	p := newStripe(t, api)
	ctx := context.Background()

	require.NoError(t, p.CancelAtPeriodEnd(ctx, "sub_1"))
	assert.Equal(t, []string{"sub_1"}, api.cancelled)
	assert.ErrorIs(t, p.CancelAtPeriodEnd(ctx, ""), billing.ErrNotCancellable)

	link, err := p.CustomerPortal(ctx, &subscription.Subscription{ExternalCustomerID: "cus_1"})
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.test/p/cus_1", link.URL)

	_, err = p.CustomerPortal(ctx, &subscription.Subscription{})
	assert.ErrorIs(t, err, billing.ErrNotCancellable)

	api.err = errors.New("stripe down")
	assert.ErrorIs(t, p.CancelAtPeriodEnd(ctx, "sub_1"), billing.ErrProvider)
}

func TestNewStripeProvider_RequiresSecrets(t *testing.T) {
	t.Parallel()

	_, err := billing.NewStripeProvider(billing.StripeConfig{WebhookSecret: "whsec"})
	assert.ErrorIs(t, err, billing.ErrMissingAPIKey)
	_, err = billing.NewStripeProvider(billing.StripeConfig{SecretKey: "sk"})
	assert.ErrorIs(t, err, billing.ErrMissingWebhookSecret)
}
