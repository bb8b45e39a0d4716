package billing

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

type ActiveSubscriptions interface {
	GetActiveSubscription(ctx context.Context, orgID uuid.UUID) (*subscription.Subscription, error)
	UpdateSubscription(ctx context.Context, orgID uuid.UUID, changes subscription.Changes, by subscription.TriggeredBy, opts ...subscription.ActivityOption) (*subscription.Subscription, error)
}

// CancelResult tells the caller whether cancellation is scheduled or must
// be finished in the processor's portal.
type CancelResult struct {
	CancelAtPeriodEnd bool                       `json:"cancel_at_period_end"`
	Subscription      *subscription.Subscription `json:"subscription,omitempty"`
	PortalURL         string                     `json:"portal_url,omitempty"`
}

// SelfService runs customer-initiated subscription changes.
type SelfService struct {
	provider Provider
	subs     ActiveSubscriptions
	log      *slog.Logger
}

func NewSelfService(provider Provider, subs ActiveSubscriptions, log *slog.Logger) *SelfService {
	if provider == nil || subs == nil {
		panic("billing: self service requires provider and subscriptions")
	}
	if log == nil {
		log = slog.Default()
	}
	return &SelfService{provider: provider, subs: subs, log: log.With(logger.Component("self_service"))}
}

// Cancel schedules cancellation at the end of the paid period. The processor
// is called first; the local row changes only after it accepted.
func (s *SelfService) Cancel(ctx context.Context, orgID uuid.UUID) (*CancelResult, error) {
	sub, err := s.subs.GetActiveSubscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionID == "" {
		return nil, ErrNotCancellable
	}
	if sub.CancelAtPeriodEnd {
		return &CancelResult{CancelAtPeriodEnd: true, Subscription: sub}, nil
	}

	canceller, ok := s.provider.(Canceller)
	if !ok {
		link, err := s.provider.CustomerPortal(ctx, sub)
		if err != nil {
			return nil, err
		}
		return &CancelResult{Subscription: sub, PortalURL: firstNonEmpty(link.CancelURL, link.URL)}, nil
	}

	if err := canceller.CancelAtPeriodEnd(ctx, sub.ExternalSubscriptionID); err != nil {
		return nil, err
	}
	yes := true
	updated, err := s.subs.UpdateSubscription(ctx, orgID, subscription.Changes{CancelAtPeriodEnd: &yes},
		subscription.TriggeredByCustomer, subscription.WithDetails("cancellation scheduled for period end"))
	if err != nil {
		// The processor already scheduled it; its webhook will converge the row.
		s.log.WarnContext(ctx, "cancellation scheduled but local update failed",
			logger.OrganizationID(orgID), logger.Error(err))
		return nil, err
	}

	s.log.InfoContext(ctx, "cancellation scheduled",
		logger.OrganizationID(orgID), logger.SubscriptionID(updated.ID))
	return &CancelResult{CancelAtPeriodEnd: true, Subscription: updated}, nil
}

// Portal returns a customer portal link for the organization's subscription.
func (s *SelfService) Portal(ctx context.Context, orgID uuid.UUID) (*PortalLink, error) {
	sub, err := s.subs.GetActiveSubscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return s.provider.CustomerPortal(ctx, sub)
}
