package billing_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/svc/billing"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

const paddleSecret = "pdl_ntfset_test_secret"

type fakePaddle struct {
	txnReq    *paddle.CreateTransactionRequest
	portalReq *paddle.CreateCustomerPortalSessionRequest
	txn       *paddle.Transaction
	portal    *paddle.CustomerPortalSession
	err       error
}

func (f *fakePaddle) CreateTransaction(_ context.Context, req *paddle.CreateTransactionRequest) (*paddle.Transaction, error) {
	f.txnReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.txn, nil
}

func (f *fakePaddle) CreateCustomerPortalSession(_ context.Context, req *paddle.CreateCustomerPortalSessionRequest) (*paddle.CustomerPortalSession, error) {
	f.portalReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.portal, nil
}

func newPaddle(t *testing.T, api *fakePaddle) *billing.PaddleProvider {
	t.Helper()
	p, err := billing.NewPaddleProvider(billing.PaddleConfig{APIKey: "pdl_test", WebhookSecret: paddleSecret}, billing.WithPaddleAPI(api))
	require.NoError(t, err)
	return p
}

func signPaddle(payload []byte) http.Header {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(paddleSecret))
	mac.Write([]byte(ts + ":"))
	mac.Write(payload)
	h := http.Header{}
	h.Set("Paddle-Signature", "ts="+ts+";h1="+hex.EncodeToString(mac.Sum(nil)))
	return h
}

func paddleNotification(eventType, data string) []byte {
	return fmt.Appendf(nil, `{"event_id":"evt_01","event_type":%q,"occurred_at":%q,"notification_id":"ntf_01","data":%s}`,
		eventType, base.Format(time.RFC3339Nano), data)
}

func TestPaddle_ParseSubscriptionEvents(t *testing.T) {
	t.Parallel()

	data := fmt.Sprintf(`{"id":"sub_01","status":"active","customer_id":"ctm_01",
		"custom_data":{"organization_id":%q,"promo_code":"SPRING50","email":"buyer@acme.test"},
		"current_billing_period":{"starts_at":%q,"ends_at":%q},
		"scheduled_change":{"action":"cancel","effective_at":%q},
		"items":[{"status":"active","price":{"id":"pri_growth_monthly"}}]}`,
		org1, base.Format(time.RFC3339), base.AddDate(0, 1, 0).Format(time.RFC3339), base.AddDate(0, 1, 0).Format(time.RFC3339))

	tests := []struct {
		eventType string
		kind      billing.EventKind
	}{
		{"subscription.created", billing.EventSubscriptionCreated},
		{"subscription.updated", billing.EventSubscriptionUpdated},
		{"subscription.past_due", billing.EventSubscriptionUpdated},
		{"subscription.canceled", billing.EventSubscriptionDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			t.Parallel()
			p := newPaddle(t, &fakePaddle{})
			payload := paddleNotification(tt.eventType, data)

			ev, err := p.ParseWebhook(context.Background(), payload, signPaddle(payload))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, billing.ProviderPaddle, ev.Provider)
			assert.Equal(t, "evt_01", ev.ID)
			assert.Equal(t, org1, ev.OrganizationID)
			assert.Equal(t, "pri_growth_monthly", ev.PriceID)
			assert.Equal(t, "sub_01", ev.ExternalSubscriptionID)
			assert.Equal(t, "ctm_01", ev.ExternalCustomerID)
			assert.Equal(t, "SPRING50", ev.PromoCode)
			assert.True(t, ev.CancelAtPeriodEnd)
			assert.True(t, base.Equal(ev.PeriodStart))
			assert.True(t, base.Equal(ev.OccurredAt))
		})
	}
}

func TestPaddle_ParseTransactionEvents(t *testing.T) {
	t.Parallel()

	p := newPaddle(t, &fakePaddle{})
	data := fmt.Sprintf(`{"id":"txn_01","status":"completed","subscription_id":"sub_01","customer_id":"ctm_01",
		"currency_code":"GBP","custom_data":{"organization_id":%q},"details":{"totals":{"grand_total":"4900"}}}`, org1)

	completed := paddleNotification("transaction.completed", data)
	ev, err := p.ParseWebhook(context.Background(), completed, signPaddle(completed))
	require.NoError(t, err)
	assert.Equal(t, billing.EventPaymentSucceeded, ev.Kind)
	assert.Equal(t, "sub_01", ev.ExternalSubscriptionID)
	require.NotNil(t, ev.Amount)
	assert.Equal(t, int64(4900), *ev.Amount)

	failed := paddleNotification("transaction.payment_failed", data)
	ev, err = p.ParseWebhook(context.Background(), failed, signPaddle(failed))
	require.NoError(t, err)
	assert.Equal(t, billing.EventPaymentFailed, ev.Kind)

	oneOff := paddleNotification("transaction.completed", `{"id":"txn_02","status":"completed"}`)
	ev, err = p.ParseWebhook(context.Background(), oneOff, signPaddle(oneOff))
	require.NoError(t, err)
	assert.Equal(t, billing.EventUnhandled, ev.Kind)
}

func TestPaddle_RejectsBadSignature(t *testing.T) {
	t.Parallel()

	p := newPaddle(t, &fakePaddle{})
	payload := paddleNotification("subscription.updated", `{"id":"sub_01"}`)
	h := signPaddle(payload)

	_, err := p.ParseWebhook(context.Background(), []byte(`{"event_type":"subscription.updated"}`), h)
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	_, err = p.ParseWebhook(context.Background(), payload, http.Header{})
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)
}

func TestPaddle_CreateCheckout(t *testing.T) {
	t.Parallel()

	api := &fakePaddle{txn: &paddle.Transaction{ID: "txn_01", Checkout: &paddle.TransactionCheckout{URL: paddle.PtrTo("https://pay.paddle.test/txn_01")}}}
	p := newPaddle(t, api)

	sess, err := p.CreateCheckout(context.Background(), billing.CheckoutParams{
		PriceID:        "pri_growth_monthly",
		OrganizationID: org1,
		UserID:         "user_1",
		Email:          "buyer@acme.test",
		PromoCode:      "SPRING50",
		SuccessURL:     "https://app.test/ok",
	})
	require.NoError(t, err)
	assert.Equal(t, "txn_01", sess.SessionID)
	assert.Equal(t, "https://pay.paddle.test/txn_01", sess.URL)
	assert.False(t, sess.ExpiresAt.IsZero())

	require.NotNil(t, api.txnReq)
	assert.Equal(t, org1.String(), api.txnReq.CustomData["organization_id"])
	assert.Equal(t, "SPRING50", api.txnReq.CustomData["promo_code"])

	api.txn = &paddle.Transaction{ID: "txn_02"}
	_, err = p.CreateCheckout(context.Background(), billing.CheckoutParams{PriceID: "pri_growth_monthly", OrganizationID: org1})
	assert.ErrorIs(t, err, billing.ErrNoCheckoutURL)

	api.err = errors.New("paddle down")
	_, err = p.CreateCheckout(context.Background(), billing.CheckoutParams{PriceID: "pri_growth_monthly", OrganizationID: org1})
	assert.ErrorIs(t, err, billing.ErrProvider)
}

func TestPaddle_CustomerPortal(t *testing.T) {
	t.Parallel()

	var portal paddle.CustomerPortalSession
	require.NoError(t, json.Unmarshal([]byte(`{"id":"cpls_01","customer_id":"ctm_01","urls":{
		"general":{"overview":"https://portal.paddle.test/overview"},
		"subscriptions":[{"id":"sub_01","cancel_subscription":"https://portal.paddle.test/cancel","update_subscription_payment_method":"https://portal.paddle.test/pay"}]
	}}`), &portal))

	api := &fakePaddle{portal: &portal}
	p := newPaddle(t, api)

	link, err := p.CustomerPortal(context.Background(), &subscription.Subscription{ExternalSubscriptionID: "sub_01", ExternalCustomerID: "ctm_01"})
	require.NoError(t, err)
	assert.Equal(t, "https://portal.paddle.test/overview", link.URL)
	assert.Equal(t, "https://portal.paddle.test/cancel", link.CancelURL)
	assert.Equal(t, "ctm_01", api.portalReq.CustomerID)

	_, err = p.CustomerPortal(context.Background(), &subscription.Subscription{ExternalSubscriptionID: "sub_01"})
	assert.ErrorIs(t, err, billing.ErrNotCancellable)
}

func TestNewPaddleProvider_Validation(t *testing.T) {
	t.Parallel()

	_, err := billing.NewPaddleProvider(billing.PaddleConfig{WebhookSecret: "s"})
	assert.ErrorIs(t, err, billing.ErrMissingAPIKey)
	_, err = billing.NewPaddleProvider(billing.PaddleConfig{APIKey: "k"})
	assert.ErrorIs(t, err, billing.ErrMissingWebhookSecret)
	_, err = billing.NewPaddleProvider(billing.PaddleConfig{APIKey: "k", WebhookSecret: "s", Environment: "staging"})
	assert.ErrorIs(t, err, billing.ErrInvalidProviderEnvironment)
}
