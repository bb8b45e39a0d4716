package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/svc/catalog"
)

// Status is the billing state of a subscription row.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrialing  Status = "trialing"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsCanonical reports whether a row in this status is authoritative for its
// organization.
func (s Status) IsCanonical() bool { return s == StatusActive || s == StatusTrialing }

// TriggeredBy names the actor behind a change.
type TriggeredBy string

const (
	TriggeredByCustomer      TriggeredBy = "customer"
	TriggeredByAdmin         TriggeredBy = "admin"
	TriggeredByStripeWebhook TriggeredBy = "stripe_webhook"
	TriggeredByPaddleWebhook TriggeredBy = "paddle_webhook"
	TriggeredByCronJob       TriggeredBy = "cron_job"
	TriggeredBySystem        TriggeredBy = "system"
)

// IsProcessor reports whether the actor relays billing-processor truth.
func (t TriggeredBy) IsProcessor() bool {
	return t == TriggeredByStripeWebhook || t == TriggeredByPaddleWebhook
}

// EventType classifies an activity entry.
type EventType string

const (
	EventCreated       EventType = "created"
	EventUpgraded      EventType = "upgraded"
	EventDowngraded    EventType = "downgraded"
	EventCancelled     EventType = "cancelled"
	EventRenewed       EventType = "renewed"
	EventTrialStarted  EventType = "trial_started"
	EventTrialEnded    EventType = "trial_ended"
	EventPaymentFailed EventType = "payment_failed"
	EventReactivated   EventType = "reactivated"
	EventStatusChanged EventType = "status_changed"
	EventUpdate        EventType = "update"
)

// LongValidity is the period length given to plans that never renew.
const LongValidity = 100 * 365 * 24 * time.Hour

// Subscription is the canonical billing-state record of an organization.
type Subscription struct {
	ID                     uuid.UUID        `json:"id"`
	OrganizationID         uuid.UUID        `json:"organization_id"`
	Plan                   catalog.Tier     `json:"plan"`
	Period                 catalog.Period   `json:"period,omitempty"`
	Currency               catalog.Currency `json:"currency,omitempty"`
	Status                 Status           `json:"status"`
	ExternalSubscriptionID string           `json:"external_subscription_id,omitempty"`
	ExternalCustomerID     string           `json:"external_customer_id,omitempty"`
	CurrentPeriodStart     time.Time        `json:"current_period_start"`
	CurrentPeriodEnd       time.Time        `json:"current_period_end"`
	TrialEndsAt            *time.Time       `json:"trial_ends_at,omitempty"`
	IsTrial                bool             `json:"is_trial"`
	IsInternalTrial        bool             `json:"is_internal_trial"`
	CancelAtPeriodEnd      bool             `json:"cancel_at_period_end"`
	PaymentFailedAt        *time.Time       `json:"payment_failed_at,omitempty"`
	LastEventAt            *time.Time       `json:"last_event_at,omitempty"`

	// Display metadata mirrored from the organization.
	OrganizationName string      `json:"organization_name,omitempty"`
	DisplayUpdatedAt *time.Time  `json:"display_updated_at,omitempty"`
	DisplayUpdatedBy TriggeredBy `json:"display_updated_by,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActivityEntry is an immutable ledger record of a subscription change.
type ActivityEntry struct {
	ID                     uuid.UUID        `json:"id"`
	SubscriptionID         uuid.UUID        `json:"subscription_id"`
	OrganizationID         uuid.UUID        `json:"organization_id"`
	ExternalSubscriptionID string           `json:"external_subscription_id,omitempty"`
	EventType              EventType        `json:"event_type"`
	FromPlan               catalog.Tier     `json:"from_plan,omitempty"`
	ToPlan                 catalog.Tier     `json:"to_plan,omitempty"`
	FromStatus             Status           `json:"from_status,omitempty"`
	ToStatus               Status           `json:"to_status,omitempty"`
	Amount                 *int64           `json:"amount,omitempty"`
	Currency               catalog.Currency `json:"currency,omitempty"`
	TriggeredBy            TriggeredBy      `json:"triggered_by"`
	AdminEmail             string           `json:"admin_email,omitempty"`
	Details                string           `json:"details,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
}

// ActivityOption adjusts the ledger entry written with a change.
type ActivityOption func(*ActivityEntry)

func WithEventType(t EventType) ActivityOption {
	return func(e *ActivityEntry) { e.EventType = t }
}

// WithAmount records the charged amount in minor units.
func WithAmount(amount int64, currency catalog.Currency) ActivityOption {
	return func(e *ActivityEntry) {
		e.Amount = &amount
		e.Currency = currency
	}
}

func WithAdminEmail(email string) ActivityOption {
	return func(e *ActivityEntry) { e.AdminEmail = email }
}

func WithDetails(details string) ActivityOption {
	return func(e *ActivityEntry) { e.Details = details }
}

// Changes is a partial update. Nil fields are left as they are.
type Changes struct {
	Plan                 *catalog.Tier
	Period               *catalog.Period
	Status               *Status
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	TrialEndsAt          *time.Time
	ClearTrialEndsAt     bool
	IsTrial              *bool
	IsInternalTrial      *bool
	CancelAtPeriodEnd    *bool
	PaymentFailedAt      *time.Time
	ClearPaymentFailedAt bool
}

func (c Changes) apply(s *Subscription) {
	if c.Plan != nil {
		s.Plan = *c.Plan
	}
	if c.Period != nil {
		s.Period = *c.Period
	}
	if c.Status != nil {
		s.Status = *c.Status
	}
	if c.CurrentPeriodStart != nil {
		s.CurrentPeriodStart = *c.CurrentPeriodStart
	}
	if c.CurrentPeriodEnd != nil {
		s.CurrentPeriodEnd = *c.CurrentPeriodEnd
	}
	if c.ClearTrialEndsAt {
		s.TrialEndsAt = nil
	} else if c.TrialEndsAt != nil {
		t := *c.TrialEndsAt
		s.TrialEndsAt = &t
	}
	if c.IsTrial != nil {
		s.IsTrial = *c.IsTrial
	}
	if c.IsInternalTrial != nil {
		s.IsInternalTrial = *c.IsInternalTrial
	}
	if c.CancelAtPeriodEnd != nil {
		s.CancelAtPeriodEnd = *c.CancelAtPeriodEnd
	}
	if c.ClearPaymentFailedAt {
		s.PaymentFailedAt = nil
	} else if c.PaymentFailedAt != nil {
		t := *c.PaymentFailedAt
		s.PaymentFailedAt = &t
	}
}

// Fields describe a complete replacement row.
type Fields struct {
	OrganizationID         uuid.UUID
	Plan                   catalog.Tier
	Period                 catalog.Period
	Currency               catalog.Currency
	Status                 Status
	ExternalSubscriptionID string
	ExternalCustomerID     string
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	TrialEndsAt            *time.Time
	IsTrial                bool
	IsInternalTrial        bool
	CancelAtPeriodEnd      bool
	PaymentFailedAt        *time.Time

	// EventAt is the processor time of the snapshot. A snapshot of the same
	// external subscription older than the row's LastEventAt is rejected
	// with ErrStaleEvent.
	EventAt *time.Time

	// Supersedes lets a snapshot of a different external subscription
	// replace the row. Without it such snapshots fail with
	// ErrForeignSubscription.
	Supersedes bool

	// OrganizationName overrides the mirrored display name. Empty keeps the
	// previous row's value.
	OrganizationName string
}

// admit decides whether the snapshot may replace prev.
func (f Fields) admit(prev *Subscription) error {
	if prev == nil || f.ExternalSubscriptionID == "" || prev.ExternalSubscriptionID == "" {
		return nil
	}
	if prev.ExternalSubscriptionID != f.ExternalSubscriptionID {
		if f.Supersedes {
			return nil
		}
		return fmt.Errorf("%w: row holds %s, snapshot is for %s", ErrForeignSubscription, prev.ExternalSubscriptionID, f.ExternalSubscriptionID)
	}
	if f.EventAt != nil && prev.LastEventAt != nil && f.EventAt.Before(*prev.LastEventAt) {
		return fmt.Errorf("%w: snapshot at %s, row at %s", ErrStaleEvent, f.EventAt.UTC().Format(time.RFC3339), prev.LastEventAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (f Fields) validate() error {
	switch {
	case f.OrganizationID == uuid.Nil:
		return errors.Join(ErrInvalidFields, errors.New("organization id is required"))
	case !f.Plan.Valid():
		return errors.Join(ErrInvalidFields, fmt.Errorf("unknown plan %q", f.Plan))
	case !f.Status.Valid():
		return errors.Join(ErrInvalidFields, fmt.Errorf("unknown status %q", f.Status))
	}
	return nil
}

// StarterFields returns the free plan row granted at signup and after
// internal trials end.
func StarterFields(orgID uuid.UUID, now time.Time) Fields {
	return Fields{
		OrganizationID:     orgID,
		Plan:               catalog.Starter,
		Period:             catalog.Monthly,
		Currency:           catalog.DefaultCurrency,
		Status:             StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(LongValidity),
	}
}
