package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/directory"
	"github.com/dmitrymomot/billingcore/svc/downgrade"
	"github.com/dmitrymomot/billingcore/svc/fraudguard"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

// Outcome reports what Handle did with an event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped means the event could not be attributed or mapped; it
	// is acknowledged so the processor stops retrying.
	OutcomeSkipped Outcome = "skipped"
	OutcomeIgnored Outcome = "ignored"
	OutcomeNoop    Outcome = "noop"
	OutcomeFailed  Outcome = "failed"
)

// SubscriptionStore is the part of the subscription service reconciliation writes through.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, f subscription.Fields, by subscription.TriggeredBy, opts ...subscription.ActivityOption) (*subscription.UpsertResult, error)
	FindByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error)
	Transition(ctx context.Context, cur subscription.Subscription, changes subscription.Changes, by subscription.TriggeredBy, opts ...subscription.ActivityOption) (*subscription.Subscription, error)
}

type Enforcer interface {
	Enforce(ctx context.Context, orgID uuid.UUID, l catalog.Limits, by subscription.TriggeredBy) (downgrade.Result, error)
}

type CancellationRecorder interface {
	RecordCancellation(ctx context.Context, id uuid.UUID, at time.Time) error
}

type PromoTracker interface {
	TrackPromoRedemption(ctx context.Context, p fraudguard.PromoRedemptionParams) error
}

type WebhookRecorder interface {
	WebhookProcessed(provider, eventType, outcome string)
}

// Reconciler applies verified processor events to local state.
type Reconciler struct {
	subs     SubscriptionStore
	catalog  *catalog.Catalog
	enforcer Enforcer
	orgs     CancellationRecorder
	promos   PromoTracker
	metrics  WebhookRecorder
	now      func() time.Time
	log      *slog.Logger
}

type ReconcilerOption func(*Reconciler)

func WithPromoTracker(t PromoTracker) ReconcilerOption {
	return func(r *Reconciler) { r.promos = t }
}

func WithWebhookMetrics(m WebhookRecorder) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

func NewReconciler(subs SubscriptionStore, cat *catalog.Catalog, enforcer Enforcer, orgs CancellationRecorder, opts ...ReconcilerOption) *Reconciler {
	if subs == nil || cat == nil || enforcer == nil || orgs == nil {
		panic("billing: reconciler requires subscriptions, catalog, enforcer and organizations")
	}
	r := &Reconciler{
		subs:     subs,
		catalog:  cat,
		enforcer: enforcer,
		orgs:     orgs,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logger.Component("reconciler"))
	return r
}

// Handle applies ev. A non-nil error means the event should be retried by
// the processor; every other problem is logged and reported as skipped.
func (r *Reconciler) Handle(ctx context.Context, ev Event) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	switch {
	case ev.Kind.carriesSubscription():
		out, err = r.applySubscription(ctx, ev)
	case ev.Kind == EventPaymentFailed:
		out, err = r.paymentFailed(ctx, ev)
	case ev.Kind == EventPaymentSucceeded:
		out, err = r.paymentSucceeded(ctx, ev)
	default:
		out = OutcomeIgnored
	}
	if err != nil {
		out = OutcomeFailed
		r.log.ErrorContext(ctx, "webhook reconciliation failed",
			logger.EventID(ev.ID), logger.EventType(ev.Type), logger.Error(err))
	}
	if r.metrics != nil {
		r.metrics.WebhookProcessed(string(ev.Provider), string(ev.Kind), string(out))
	}
	return out, err
}

func (r *Reconciler) applySubscription(ctx context.Context, ev Event) (Outcome, error) {
	by := ev.Provider.TriggeredBy()
	log := r.log.With(logger.EventID(ev.ID), logger.EventType(ev.Type), logger.ExternalID(ev.ExternalSubscriptionID))

	price, ok := r.catalog.LookupPrice(ev.PriceID)
	if !ok {
		log.ErrorContext(ctx, "webhook references unknown price", slog.String("price_id", ev.PriceID))
		return OutcomeSkipped, nil
	}

	status, ok := normalizeStatus(ev.Status)
	if ev.Kind == EventSubscriptionDeleted {
		status, ok = subscription.StatusCancelled, true
	}
	if !ok {
		log.ErrorContext(ctx, "webhook carries unknown status", logger.Status(ev.Status))
		return OutcomeSkipped, nil
	}

	orgID, err := r.organizationFor(ctx, ev)
	if err != nil {
		return OutcomeFailed, err
	}
	if orgID == uuid.Nil {
		log.ErrorContext(ctx, "webhook cannot be attributed to an organization")
		return OutcomeSkipped, nil
	}

	start, end := r.period(ev, price.Period)
	f := subscription.Fields{
		OrganizationID:         orgID,
		Plan:                   price.Plan,
		Period:                 price.Period,
		Currency:               price.Currency,
		Status:                 status,
		ExternalSubscriptionID: ev.ExternalSubscriptionID,
		ExternalCustomerID:     ev.ExternalCustomerID,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
		TrialEndsAt:            ev.TrialEnd,
		IsTrial:                status == subscription.StatusTrialing,
		CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
	}
	// Only the event that starts a subscription may replace a row holding
	// another one.
	f.Supersedes = ev.Kind == EventCheckoutCompleted || ev.Kind == EventSubscriptionCreated
	if !ev.OccurredAt.IsZero() {
		at := ev.OccurredAt
		f.EventAt = &at
	}

	opts := append([]subscription.ActivityOption{classify, subscription.WithDetails(ev.Type)}, amountOption(ev)...)

	res, err := r.subs.UpsertSubscription(ctx, f, by, opts...)
	switch {
	case errors.Is(err, subscription.ErrForeignSubscription):
		log.WarnContext(ctx, "snapshot of a superseded subscription dropped", logger.OrganizationID(orgID), logger.Error(err))
		return OutcomeSkipped, nil
	case errors.Is(err, subscription.ErrStaleEvent):
		log.InfoContext(ctx, "out-of-order snapshot dropped", logger.OrganizationID(orgID), logger.Error(err))
		return OutcomeSkipped, nil
	case err != nil:
		return OutcomeFailed, err
	}

	if status == subscription.StatusCancelled {
		at := r.now().UTC()
		switch {
		case ev.CanceledAt != nil:
			at = *ev.CanceledAt
		case !ev.OccurredAt.IsZero():
			at = ev.OccurredAt
		}
		err := r.orgs.RecordCancellation(ctx, orgID, at)
		switch {
		case errors.Is(err, directory.ErrOrganizationNotFound):
			log.WarnContext(ctx, "cancellation for unknown organization", logger.OrganizationID(orgID))
		case err != nil:
			return OutcomeFailed, fmt.Errorf("record cancellation: %w", err)
		}
	}

	if target, enforce := r.enforcementTarget(res); enforce {
		if _, err := r.enforcer.Enforce(ctx, orgID, target, by); err != nil {
			return OutcomeFailed, err
		}
	}

	if ev.PromoCode != "" && r.promos != nil && (ev.Kind == EventCheckoutCompleted || ev.Kind == EventSubscriptionCreated) {
		err := r.promos.TrackPromoRedemption(ctx, fraudguard.PromoRedemptionParams{
			Email:          ev.CustomerEmail,
			Code:           ev.PromoCode,
			OrganizationID: orgID,
		})
		if err != nil {
			log.WarnContext(ctx, "promo redemption not recorded", logger.OrganizationID(orgID), logger.Error(err))
		}
	}

	return OutcomeApplied, nil
}

// organizationFor prefers the id carried in processor metadata and falls
// back to the row already linked to the external subscription.
func (r *Reconciler) organizationFor(ctx context.Context, ev Event) (uuid.UUID, error) {
	if ev.OrganizationID != uuid.Nil {
		return ev.OrganizationID, nil
	}
	if ev.ExternalSubscriptionID == "" {
		return uuid.Nil, nil
	}
	sub, err := r.subs.FindByExternalID(ctx, ev.ExternalSubscriptionID)
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		return uuid.Nil, nil
	case err != nil:
		return uuid.Nil, err
	}
	return sub.OrganizationID, nil
}

func (r *Reconciler) period(ev Event, p catalog.Period) (time.Time, time.Time) {
	start := ev.PeriodStart
	if start.IsZero() {
		start = ev.OccurredAt
	}
	if start.IsZero() {
		start = r.now().UTC()
	}
	end := ev.PeriodEnd
	if end.IsZero() {
		if p == catalog.Annual {
			end = start.AddDate(1, 0, 0)
		} else {
			end = start.AddDate(0, 1, 0)
		}
	}
	return start, end
}

// enforcementTarget returns the limits to trim to when the upsert lowered
// the plan or ended the subscription. Past-due rows keep their limits
// until the grace sweep expires them.
func (r *Reconciler) enforcementTarget(res *subscription.UpsertResult) (catalog.Limits, bool) {
	next := res.Subscription
	switch next.Status {
	case subscription.StatusCancelled, subscription.StatusExpired:
		return r.catalog.Starter(), true
	case subscription.StatusPastDue:
		return catalog.Limits{}, false
	}
	if res.Previous != nil && catalog.IsDowngrade(res.Previous.Plan, next.Plan) {
		l, err := r.catalog.Limits(next.Plan)
		if err != nil {
			return r.catalog.Starter(), true
		}
		return l, true
	}
	return catalog.Limits{}, false
}

// classify names the ledger entry from the plan and status movement.
func classify(e *subscription.ActivityEntry) {
	switch {
	case e.FromPlan == "" && e.ToStatus == subscription.StatusTrialing:
		e.EventType = subscription.EventTrialStarted
	case e.FromPlan == "":
		e.EventType = subscription.EventCreated
	case e.ToStatus == subscription.StatusCancelled || e.ToStatus == subscription.StatusExpired:
		e.EventType = subscription.EventCancelled
	case !e.FromStatus.IsCanonical() && e.FromStatus != subscription.StatusPastDue && e.ToStatus.IsCanonical():
		e.EventType = subscription.EventReactivated
	case catalog.IsDowngrade(e.FromPlan, e.ToPlan):
		e.EventType = subscription.EventDowngraded
	case catalog.IsDowngrade(e.ToPlan, e.FromPlan):
		e.EventType = subscription.EventUpgraded
	case e.FromStatus == subscription.StatusTrialing && e.ToStatus == subscription.StatusActive:
		e.EventType = subscription.EventTrialEnded
	case e.FromStatus == subscription.StatusPastDue && e.ToStatus == subscription.StatusActive:
		e.EventType = subscription.EventRenewed
	case e.FromStatus != e.ToStatus:
		e.EventType = subscription.EventStatusChanged
	default:
		e.EventType = subscription.EventUpdate
	}
}

func (r *Reconciler) paymentFailed(ctx context.Context, ev Event) (Outcome, error) {
	cur, out, err := r.linked(ctx, ev)
	if cur == nil {
		return out, err
	}
	if cur.Status == subscription.StatusCancelled || cur.Status == subscription.StatusExpired {
		return OutcomeNoop, nil
	}
	// Redelivered failures keep the first failure time so grace is not extended.
	if cur.Status == subscription.StatusPastDue && cur.PaymentFailedAt != nil {
		return OutcomeNoop, nil
	}

	failedAt := ev.OccurredAt
	if failedAt.IsZero() {
		failedAt = r.now().UTC()
	}
	pastDue := subscription.StatusPastDue
	opts := []subscription.ActivityOption{subscription.WithEventType(subscription.EventPaymentFailed), subscription.WithDetails(ev.Type)}
	opts = append(opts, amountOption(ev)...)
	_, err = r.subs.Transition(ctx, *cur, subscription.Changes{Status: &pastDue, PaymentFailedAt: &failedAt}, ev.Provider.TriggeredBy(), opts...)
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) paymentSucceeded(ctx context.Context, ev Event) (Outcome, error) {
	cur, out, err := r.linked(ctx, ev)
	if cur == nil {
		return out, err
	}
	if cur.Status != subscription.StatusPastDue {
		return OutcomeNoop, nil
	}

	active := subscription.StatusActive
	opts := []subscription.ActivityOption{subscription.WithEventType(subscription.EventRenewed), subscription.WithDetails(ev.Type)}
	opts = append(opts, amountOption(ev)...)
	_, err = r.subs.Transition(ctx, *cur, subscription.Changes{Status: &active, ClearPaymentFailedAt: true}, ev.Provider.TriggeredBy(), opts...)
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

// linked loads the row an invoice-style event refers to. A nil row comes
// with the outcome to report.
func (r *Reconciler) linked(ctx context.Context, ev Event) (*subscription.Subscription, Outcome, error) {
	if ev.ExternalSubscriptionID == "" {
		return nil, OutcomeSkipped, nil
	}
	cur, err := r.subs.FindByExternalID(ctx, ev.ExternalSubscriptionID)
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		r.log.WarnContext(ctx, "payment event for unknown subscription",
			logger.EventID(ev.ID), logger.ExternalID(ev.ExternalSubscriptionID))
		return nil, OutcomeSkipped, nil
	case err != nil:
		return nil, OutcomeFailed, err
	}
	return cur, "", nil
}

func amountOption(ev Event) []subscription.ActivityOption {
	if ev.Amount == nil {
		return nil
	}
	cur, err := catalog.ParseCurrency(ev.Currency)
	if err != nil {
		return nil
	}
	return []subscription.ActivityOption{subscription.WithAmount(*ev.Amount, cur)}
}
