package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/dmitrymomot/billingcore/svc/subscription"
)

// PaddleConfig holds configuration for the Paddle provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleAPI is the subset of the Paddle API the provider calls.
type PaddleAPI interface {
	CreateTransaction(ctx context.Context, req *paddle.CreateTransactionRequest) (*paddle.Transaction, error)
	CreateCustomerPortalSession(ctx context.Context, req *paddle.CreateCustomerPortalSessionRequest) (*paddle.CustomerPortalSession, error)
}

type paddleSDK struct{ client *paddle.SDK }

func (s paddleSDK) CreateTransaction(ctx context.Context, req *paddle.CreateTransactionRequest) (*paddle.Transaction, error) {
	return s.client.TransactionsClient.CreateTransaction(ctx, req)
}

func (s paddleSDK) CreateCustomerPortalSession(ctx context.Context, req *paddle.CreateCustomerPortalSessionRequest) (*paddle.CustomerPortalSession, error) {
	return s.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, req)
}

// PaddleProvider implements Provider for Paddle. Cancellation goes through
// the customer portal link.
type PaddleProvider struct {
	api      PaddleAPI
	verifier *paddle.WebhookVerifier
	now      func() time.Time
}

// PaddleOption configures a PaddleProvider.
type PaddleOption func(*PaddleProvider)

// WithPaddleAPI replaces the live Paddle client.
func WithPaddleAPI(api PaddleAPI) PaddleOption {
	return func(p *PaddleProvider) {
		if api != nil {
			p.api = api
		}
	}
}

func NewPaddleProvider(config PaddleConfig, opts ...PaddleOption) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("paddle: %w", ErrMissingAPIKey)
	}
	if config.WebhookSecret == "" {
		return nil, fmt.Errorf("paddle: %w", ErrMissingWebhookSecret)
	}

	p := &PaddleProvider{
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.api != nil {
		return p, nil
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidProviderEnvironment, config.Environment)
	}
	if err != nil {
		return nil, errors.Join(ErrProvider, err)
	}
	p.api = paddleSDK{client: client}
	return p, nil
}

func (p *PaddleProvider) Name() ProviderName { return ProviderPaddle }

type paddleNotification struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddlePeriod struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type paddleSubscription struct {
	ID                   string         `json:"id"`
	Status               string         `json:"status"`
	CustomerID           string         `json:"customer_id"`
	CustomData           map[string]any `json:"custom_data"`
	CurrentBillingPeriod *paddlePeriod  `json:"current_billing_period"`
	CanceledAt           *time.Time     `json:"canceled_at"`
	ScheduledChange      *struct {
		Action string `json:"action"`
	} `json:"scheduled_change"`
	Items []struct {
		Status     string        `json:"status"`
		TrialDates *paddlePeriod `json:"trial_dates"`
		Price      struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
}

type paddleTransaction struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	SubscriptionID string         `json:"subscription_id"`
	CustomerID     string         `json:"customer_id"`
	CurrencyCode   string         `json:"currency_code"`
	CustomData     map[string]any `json:"custom_data"`
	Details        *struct {
		Totals struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
}

// ParseWebhook verifies the Paddle-Signature header and normalizes the
// notification.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return Event{}, errors.Join(ErrMalformedEvent, err)
	}
	req.Header.Set("Paddle-Signature", header.Get("Paddle-Signature"))

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return Event{}, errors.Join(ErrInvalidSignature, err)
	}
	if !valid {
		return Event{}, ErrInvalidSignature
	}

	var n paddleNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Event{}, errors.Join(ErrMalformedEvent, err)
	}

	out := Event{
		ID:         n.EventID,
		Type:       n.EventType,
		Kind:       EventUnhandled,
		Provider:   ProviderPaddle,
		OccurredAt: n.OccurredAt.UTC(),
	}

	switch {
	case strings.HasPrefix(n.EventType, "subscription."):
		var sub paddleSubscription
		if err := json.Unmarshal(n.Data, &sub); err != nil {
			return Event{}, errors.Join(ErrMalformedEvent, err)
		}
		switch n.EventType {
		case "subscription.created":
			out.Kind = EventSubscriptionCreated
		case "subscription.canceled":
			out.Kind = EventSubscriptionDeleted
		case "subscription.imported":
			return out, nil
		default:
			out.Kind = EventSubscriptionUpdated
		}
		applyPaddleSubscription(&out, sub)

	case n.EventType == "transaction.completed", n.EventType == "transaction.payment_failed", n.EventType == "transaction.past_due":
		var txn paddleTransaction
		if err := json.Unmarshal(n.Data, &txn); err != nil {
			return Event{}, errors.Join(ErrMalformedEvent, err)
		}
		if txn.SubscriptionID == "" {
			return out, nil
		}
		out.Kind = EventPaymentFailed
		if n.EventType == "transaction.completed" {
			out.Kind = EventPaymentSucceeded
		}
		out.ExternalSubscriptionID = txn.SubscriptionID
		out.ExternalCustomerID = txn.CustomerID
		out.OrganizationID = parseOrganizationID(customString(txn.CustomData, metaOrganizationID))
		out.CustomerEmail = customString(txn.CustomData, metaEmail)
		out.Currency = txn.CurrencyCode
		if txn.Details != nil {
			if amount, err := strconv.ParseInt(txn.Details.Totals.GrandTotal, 10, 64); err == nil {
				out.Amount = &amount
			}
		}
	}
	return out, nil
}

func applyPaddleSubscription(out *Event, sub paddleSubscription) {
	out.ExternalSubscriptionID = sub.ID
	out.ExternalCustomerID = sub.CustomerID
	out.Status = sub.Status
	out.OrganizationID = parseOrganizationID(customString(sub.CustomData, metaOrganizationID))
	out.PromoCode = customString(sub.CustomData, metaPromoCode)
	out.CustomerEmail = customString(sub.CustomData, metaEmail)
	out.CanceledAt = sub.CanceledAt
	out.CancelAtPeriodEnd = sub.ScheduledChange != nil && sub.ScheduledChange.Action == "cancel"
	if sub.CurrentBillingPeriod != nil {
		out.PeriodStart = sub.CurrentBillingPeriod.StartsAt.UTC()
		out.PeriodEnd = sub.CurrentBillingPeriod.EndsAt.UTC()
	}
	if len(sub.Items) > 0 {
		item := sub.Items[0]
		out.PriceID = item.Price.ID
		if item.TrialDates != nil && !item.TrialDates.EndsAt.IsZero() {
			end := item.TrialDates.EndsAt.UTC()
			out.TrialEnd = &end
		}
	}
}

func customString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// CreateCheckout creates a Paddle transaction and returns its hosted
// checkout URL. Custom data is copied by Paddle onto the subscription.
func (p *PaddleProvider) CreateCheckout(ctx context.Context, req CheckoutParams) (*CheckoutSession, error) {
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	txnReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			metaOrganizationID: req.OrganizationID.String(),
			metaUserID:         req.UserID,
			metaEmail:          req.Email,
		},
	}
	if req.PromoCode != "" {
		txnReq.CustomData[metaPromoCode] = req.PromoCode
	}
	if req.SuccessURL != "" {
		txnReq.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(req.SuccessURL)}
	}

	txn, err := p.api.CreateTransaction(ctx, txnReq)
	if err != nil {
		return nil, errors.Join(ErrProvider, err)
	}
	if txn.Checkout == nil || txn.Checkout.URL == nil || *txn.Checkout.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return &CheckoutSession{
		SessionID: txn.ID,
		URL:       *txn.Checkout.URL,
		ExpiresAt: p.now().Add(24 * time.Hour),
	}, nil
}

// CustomerPortal returns the portal overview plus the cancel link for the
// organization's subscription when Paddle provides one.
func (p *PaddleProvider) CustomerPortal(ctx context.Context, sub *subscription.Subscription) (*PortalLink, error) {
	if sub == nil || sub.ExternalSubscriptionID == "" || sub.ExternalCustomerID == "" {
		return nil, ErrNotCancellable
	}

	session, err := p.api.CreateCustomerPortalSession(ctx, &paddle.CreateCustomerPortalSessionRequest{
		CustomerID:      sub.ExternalCustomerID,
		SubscriptionIDs: []string{sub.ExternalSubscriptionID},
	})
	if err != nil {
		return nil, errors.Join(ErrProvider, err)
	}

	link := &PortalLink{
		URL:       session.URLs.General.Overview,
		ExpiresAt: p.now().Add(24 * time.Hour),
	}
	for _, s := range session.URLs.Subscriptions {
		if s.ID == sub.ExternalSubscriptionID {
			link.CancelURL = s.CancelSubscription
			break
		}
	}
	if link.URL == "" {
		return nil, ErrNoPortalURL
	}
	return link, nil
}
