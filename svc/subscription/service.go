package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/svc/catalog"
)

const (
	defaultEditWindow    = 5 * time.Minute
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

// Service is the single writer of subscription rows and of the ledger entries
// describing their changes.
type Service struct {
	repo       Repository
	now        func() time.Time
	log        *slog.Logger
	editWindow time.Duration
}

func NewService(repo Repository, opts ...Option) *Service {
	if repo == nil {
		panic("subscription: repository is required")
	}
	s := &Service{
		repo:       repo,
		now:        time.Now,
		log:        slog.Default(),
		editWindow: defaultEditWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Component("subscription"))
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// GetActiveSubscription returns the canonical row or ErrNotFound.
func (s *Service) GetActiveSubscription(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	sub, err := s.repo.FindCanonical(ctx, orgID)
	return sub, storeErr(err)
}

// Latest returns the organization's row regardless of status.
func (s *Service) Latest(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	sub, err := s.repo.FindLatest(ctx, orgID)
	return sub, storeErr(err)
}

func (s *Service) FindByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	sub, err := s.repo.FindByExternalID(ctx, externalID)
	return sub, storeErr(err)
}

// Resolved is either a canonical subscription or the starter fallback.
type Resolved struct {
	Subscription *Subscription
	Plan         catalog.Tier
	// Err is the lookup failure that forced the fallback, if any. Nil with
	// a nil Subscription means the organization simply has no row.
	Err error
}

func (r Resolved) IsFallback() bool { return r.Subscription == nil }

// Resolve never fails: lookup errors fall back to the starter plan and are
// kept on the result for logging.
func (s *Service) Resolve(ctx context.Context, orgID uuid.UUID) Resolved {
	sub, err := s.GetActiveSubscription(ctx, orgID)
	switch {
	case err == nil:
		return Resolved{Subscription: sub, Plan: sub.Plan}
	case errors.Is(err, ErrNotFound):
		return Resolved{Plan: catalog.Starter}
	default:
		return Resolved{Plan: catalog.Starter, Err: err}
	}
}

// UpdateSubscription changes the canonical row in place.
func (s *Service) UpdateSubscription(ctx context.Context, orgID uuid.UUID, changes Changes, by TriggeredBy, opts ...ActivityOption) (*Subscription, error) {
	cur, err := s.GetActiveSubscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return s.Transition(ctx, *cur, changes, by, opts...)
}

// Transition changes a specific row, canonical or not. The write fails with
// ErrConcurrentUpdate when the row changed since cur was read.
func (s *Service) Transition(ctx context.Context, cur Subscription, changes Changes, by TriggeredBy, opts ...ActivityOption) (*Subscription, error) {
	if changes.Status != nil && !by.IsProcessor() && !CanTransition(cur.Status, *changes.Status) {
		return nil, fmt.Errorf("%w: %s to %s by %s", ErrInvalidTransition, cur.Status, *changes.Status, by)
	}

	now := s.clock()
	next := *clone(cur)
	changes.apply(&next)
	next.UpdatedAt = now
	next.Version = cur.Version + 1

	entry := newEntry(EventUpdate, &cur, next, by, now)
	for _, opt := range opts {
		opt(&entry)
	}

	if err := s.repo.Update(ctx, next, cur.Version, &entry); err != nil {
		return nil, storeErr(err)
	}

	s.log.InfoContext(ctx, "subscription updated",
		logger.OrganizationID(next.OrganizationID.String()),
		logger.SubscriptionID(next.ID.String()),
		logger.EventType(string(entry.EventType)),
		logger.Status(string(next.Status)),
		logger.TriggeredBy(string(by)),
	)
	return &next, nil
}

// UpsertResult carries the new canonical row and the one it superseded.
type UpsertResult struct {
	Subscription Subscription
	Previous     *Subscription
}

// UpsertSubscription supersedes every row of the organization with a new one
// and appends a ledger entry, atomically. Snapshots of a different external
// subscription fail with ErrForeignSubscription unless f.Supersedes is set,
// and snapshots older than the row fail with ErrStaleEvent.
func (s *Service) UpsertSubscription(ctx context.Context, f Fields, by TriggeredBy, opts ...ActivityOption) (*UpsertResult, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	var res UpsertResult
	err := s.repo.Replace(ctx, f.OrganizationID, func(prev *Subscription) (Subscription, ActivityEntry, error) {
		if err := f.admit(prev); err != nil {
			return Subscription{}, ActivityEntry{}, err
		}

		now := s.clock()
		next := Subscription{
			ID:                     uuid.New(),
			OrganizationID:         f.OrganizationID,
			Plan:                   f.Plan,
			Period:                 f.Period,
			Currency:               f.Currency,
			Status:                 f.Status,
			ExternalSubscriptionID: f.ExternalSubscriptionID,
			ExternalCustomerID:     f.ExternalCustomerID,
			CurrentPeriodStart:     f.CurrentPeriodStart.UTC(),
			CurrentPeriodEnd:       f.CurrentPeriodEnd.UTC(),
			TrialEndsAt:            f.TrialEndsAt,
			IsTrial:                f.IsTrial,
			IsInternalTrial:        f.IsInternalTrial,
			CancelAtPeriodEnd:      f.CancelAtPeriodEnd,
			PaymentFailedAt:        f.PaymentFailedAt,
			Version:                1,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		samePrev := prev != nil && prev.ExternalSubscriptionID == next.ExternalSubscriptionID
		if prev != nil {
			next.OrganizationName = prev.OrganizationName
			next.DisplayUpdatedAt = prev.DisplayUpdatedAt
			next.DisplayUpdatedBy = prev.DisplayUpdatedBy
			if next.ExternalCustomerID == "" {
				next.ExternalCustomerID = prev.ExternalCustomerID
			}
		}
		switch {
		case f.EventAt != nil:
			t := f.EventAt.UTC()
			next.LastEventAt = &t
		case samePrev:
			next.LastEventAt = prev.LastEventAt
		}
		// A past-due row always carries its grace clock. The first failure
		// time survives later snapshots of the same subscription.
		if next.Status == StatusPastDue && next.PaymentFailedAt == nil {
			switch {
			case samePrev && prev.Status == StatusPastDue && prev.PaymentFailedAt != nil:
				next.PaymentFailedAt = prev.PaymentFailedAt
			case next.LastEventAt != nil:
				t := *next.LastEventAt
				next.PaymentFailedAt = &t
			default:
				next.PaymentFailedAt = &now
			}
		}
		if f.OrganizationName != "" {
			next.OrganizationName = f.OrganizationName
			next.DisplayUpdatedAt = &now
			next.DisplayUpdatedBy = by
		}

		entry := newEntry(EventCreated, prev, next, by, now)
		for _, opt := range opts {
			opt(&entry)
		}
		res = UpsertResult{Subscription: next, Previous: prev}
		return next, entry, nil
	})
	if err != nil {
		return nil, storeErr(err)
	}

	s.log.InfoContext(ctx, "subscription upserted",
		logger.OrganizationID(f.OrganizationID.String()),
		logger.SubscriptionID(res.Subscription.ID.String()),
		logger.Plan(string(res.Subscription.Plan)),
		logger.Status(string(res.Subscription.Status)),
		logger.TriggeredBy(string(by)),
	)
	return &res, nil
}

// SignUp grants the starter plan to a new organization.
func (s *Service) SignUp(ctx context.Context, orgID uuid.UUID, orgName string) (*Subscription, error) {
	f := StarterFields(orgID, s.clock())
	f.OrganizationName = orgName
	res, err := s.UpsertSubscription(ctx, f, TriggeredBySystem)
	if err != nil {
		return nil, err
	}
	return &res.Subscription, nil
}

func newEntry(t EventType, prev *Subscription, next Subscription, by TriggeredBy, now time.Time) ActivityEntry {
	e := ActivityEntry{
		ID:                     uuid.New(),
		SubscriptionID:         next.ID,
		OrganizationID:         next.OrganizationID,
		ExternalSubscriptionID: next.ExternalSubscriptionID,
		EventType:              t,
		ToPlan:                 next.Plan,
		ToStatus:               next.Status,
		TriggeredBy:            by,
		CreatedAt:              now,
	}
	if prev != nil {
		e.FromPlan = prev.Plan
		e.FromStatus = prev.Status
	}
	return e
}

// RecordActivity appends a ledger entry that is not tied to a row change.
func (s *Service) RecordActivity(ctx context.Context, entry ActivityEntry) error {
	if entry.OrganizationID == uuid.Nil {
		return errors.Join(ErrInvalidFields, errors.New("organization id is required"))
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock()
	}
	return storeErr(s.repo.AppendActivity(ctx, entry))
}

// ListActivity returns the newest ledger entries of an organization.
func (s *Service) ListActivity(ctx context.Context, orgID uuid.UUID, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	limit = min(limit, maxActivityLimit)
	entries, err := s.repo.ListActivity(ctx, orgID, limit)
	return entries, storeErr(err)
}

func (s *Service) ListExpiredInternalTrials(ctx context.Context) ([]Subscription, error) {
	rows, err := s.repo.ListExpiredInternalTrials(ctx, s.clock())
	return rows, storeErr(err)
}

func (s *Service) ListGraceExpired(ctx context.Context, before time.Time) ([]Subscription, error) {
	rows, err := s.repo.ListGraceExpired(ctx, before)
	return rows, storeErr(err)
}

func (s *Service) ListLapsed(ctx context.Context, before time.Time) ([]Subscription, error) {
	rows, err := s.repo.ListLapsed(ctx, before)
	return rows, storeErr(err)
}

func (s *Service) ListCanonical(ctx context.Context, after uuid.UUID, limit int) ([]Subscription, error) {
	rows, err := s.repo.ListCanonical(ctx, after, limit)
	return rows, storeErr(err)
}
