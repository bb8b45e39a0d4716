package sweeper_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/pkg/metrics"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/directory"
	"github.com/dmitrymomot/billingcore/svc/downgrade"
	"github.com/dmitrymomot/billingcore/svc/notify"
	"github.com/dmitrymomot/billingcore/svc/subscription"
	"github.com/dmitrymomot/billingcore/svc/sweeper"
)

var (
	org1 = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	org2 = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

func fixedNow() time.Time { return base }

type sent struct {
	kind string
	to   notify.Recipient
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *recordingNotifier) add(kind string, to notify.Recipient) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{kind: kind, to: to})
	return nil
}

func (n *recordingNotifier) TrialEnded(_ context.Context, to notify.Recipient) error {
	return n.add("trial_ended", to)
}

func (n *recordingNotifier) GraceExpired(_ context.Context, to notify.Recipient, _ time.Time) error {
	return n.add("grace_expired", to)
}

func (n *recordingNotifier) SubscriptionExpired(_ context.Context, to notify.Recipient) error {
	return n.add("subscription_expired", to)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.kind)
	}
	return out
}

type fixture struct {
	subs     *subscription.Service
	dir      *directory.Memory
	enforcer *downgrade.Enforcer
	notifier *recordingNotifier
	metrics  *metrics.Collector
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	subs := subscription.NewService(subscription.NewMemoryRepository(),
		subscription.WithClock(fixedNow), subscription.WithLogger(logger.Discard()))
	dir := directory.NewMemory()
	dir.AddOrganization(directory.Organization{ID: org1, Name: "Acme", ContactEmail: "owner@acme.test", CreatedAt: base})
	dir.AddOrganization(directory.Organization{ID: org2, Name: "Globex", ContactEmail: "owner@globex.test", CreatedAt: base})
	return fixture{
		subs:     subs,
		dir:      dir,
		enforcer: downgrade.New(dir, dir, dir, subs, downgrade.WithLogger(logger.Discard())),
		notifier: &recordingNotifier{},
		metrics:  metrics.New("test"),
	}
}

func (f fixture) job(subs sweeper.Subscriptions, opts ...sweeper.Option) *sweeper.Job {
	if subs == nil {
		subs = f.subs
	}
	opts = append([]sweeper.Option{
		sweeper.WithNotifier(f.notifier),
		sweeper.WithMetrics(f.metrics),
		sweeper.WithClock(fixedNow),
		sweeper.WithLogger(logger.Discard()),
	}, opts...)
	return sweeper.New(subs, f.enforcer, f.dir, opts...)
}

func (f fixture) upsert(t *testing.T, fields subscription.Fields, by subscription.TriggeredBy) {
	t.Helper()
	_, err := f.subs.UpsertSubscription(context.Background(), fields, by)
	require.NoError(t, err)
}

func (f fixture) latest(t *testing.T, orgID uuid.UUID) *subscription.Subscription {
	t.Helper()
	sub, err := f.subs.Latest(context.Background(), orgID)
	require.NoError(t, err)
	return sub
}

func seedProfiles(dir *directory.Memory, orgID uuid.UUID, role directory.Role, n int) {
	for i := range n {
		dir.AddProfile(directory.Profile{ID: uuid.New(), OrganizationID: orgID, Role: role, Active: true, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
}

func seedTemplates(dir *directory.Memory, orgID uuid.UUID, n int) {
	for i := range n {
		dir.AddTemplate(directory.Template{ID: uuid.New(), OrganizationID: orgID, Active: true, CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}
}

func countActive(t *testing.T, dir *directory.Memory, orgID uuid.UUID, role directory.Role) int {
	t.Helper()
	n, err := dir.CountActiveProfiles(context.Background(), orgID, role)
	require.NoError(t, err)
	return n
}

func paidFields(orgID uuid.UUID, plan catalog.Tier, status subscription.Status, periodEnd time.Time) subscription.Fields {
	return subscription.Fields{
		OrganizationID:         orgID,
		Plan:                   plan,
		Period:                 catalog.Monthly,
		Currency:               catalog.GBP,
		Status:                 status,
		ExternalSubscriptionID: "sub_" + orgID.String()[32:],
		ExternalCustomerID:     "cus_" + orgID.String()[32:],
		CurrentPeriodStart:     periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:       periodEnd,
	}
}

func TestRun_CancelledScaleOrganizationIsTrimmedAndExpired(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedProfiles(f.dir, org2, directory.RoleManager, 9)
	seedProfiles(f.dir, org2, directory.RoleAdmin, 3)
	f.upsert(t, paidFields(org2, catalog.Scale, subscription.StatusActive, base.AddDate(0, 0, 10)), subscription.TriggeredByStripeWebhook)

	cur := f.latest(t, org2)
	cancelled := subscription.StatusCancelled
	_, err := f.subs.Transition(context.Background(), *cur, subscription.Changes{Status: &cancelled}, subscription.TriggeredByStripeWebhook,
		subscription.WithEventType(subscription.EventCancelled))
	require.NoError(t, err)

	summary := f.job(nil).Run(context.Background())

	assert.Empty(t, summary.Errors)
	assert.Equal(t, 1, summary.SubscriptionsExpired)
	assert.Equal(t, 6, summary.ResourcesTrimmed)
	assert.Equal(t, 5, countActive(t, f.dir, org2, directory.RoleManager))
	assert.Equal(t, 1, countActive(t, f.dir, org2, directory.RoleAdmin))

	sub := f.latest(t, org2)
	assert.Equal(t, subscription.StatusExpired, sub.Status)
	assert.Equal(t, []string{"subscription_expired"}, f.notifier.kinds())
	assert.Equal(t, "owner@globex.test", f.notifier.sent[0].to.Email)

	entries, err := f.subs.ListActivity(context.Background(), org2, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, subscription.EventStatusChanged, entries[0].EventType)
	assert.Equal(t, subscription.TriggeredByCronJob, entries[0].TriggeredBy)

	again := f.job(nil).Run(context.Background())
	assert.Zero(t, again.SubscriptionsExpired, "expired rows are not lapsed again")
	assert.Zero(t, again.ResourcesTrimmed)
}

func TestRun_InternalTrialEnds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedTemplates(f.dir, org1, 8)
	trialEnd := base.Add(-time.Hour)
	f.upsert(t, subscription.Fields{
		OrganizationID:     org1,
		Plan:               catalog.Growth,
		Period:             catalog.Monthly,
		Currency:           catalog.GBP,
		Status:             subscription.StatusTrialing,
		CurrentPeriodStart: base.AddDate(0, 0, -14),
		CurrentPeriodEnd:   trialEnd,
		TrialEndsAt:        &trialEnd,
		IsTrial:            true,
		IsInternalTrial:    true,
	}, subscription.TriggeredBySystem)

	summary := f.job(nil).Run(context.Background())

	assert.Empty(t, summary.Errors)
	assert.Equal(t, 1, summary.TrialsExpired)
	assert.Equal(t, 3, summary.ResourcesTrimmed)
	assert.Zero(t, summary.SubscriptionsExpired)

	sub := f.latest(t, org1)
	assert.Equal(t, catalog.Starter, sub.Plan)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.False(t, sub.IsTrial)
	assert.False(t, sub.IsInternalTrial)
	assert.Nil(t, sub.TrialEndsAt)
	assert.True(t, sub.CurrentPeriodEnd.After(base.AddDate(99, 0, 0)))

	n, err := f.dir.CountActiveTemplates(context.Background(), org1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	entries, err := f.subs.ListActivity(context.Background(), org1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, subscription.EventTrialEnded, entries[0].EventType)
	assert.Equal(t, []string{"trial_ended"}, f.notifier.kinds())
}

func TestRun_PaymentGrace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	oldFailure := base.AddDate(0, 0, -8)
	recentFailure := base.AddDate(0, 0, -2)

	expired := paidFields(org1, catalog.Growth, subscription.StatusPastDue, base.AddDate(0, 0, 20))
	expired.PaymentFailedAt = &oldFailure
	f.upsert(t, expired, subscription.TriggeredByStripeWebhook)

	inGrace := paidFields(org2, catalog.Growth, subscription.StatusPastDue, base.AddDate(0, 0, 20))
	inGrace.PaymentFailedAt = &recentFailure
	f.upsert(t, inGrace, subscription.TriggeredByStripeWebhook)

	summary := f.job(nil).Run(context.Background())

	assert.Empty(t, summary.Errors)
	assert.Equal(t, 1, summary.GraceExpired)
	assert.Equal(t, 1, summary.SubscriptionsExpired, "cancelled rows lapse in the same run")
	assert.Equal(t, subscription.StatusExpired, f.latest(t, org1).Status)
	assert.Equal(t, subscription.StatusPastDue, f.latest(t, org2).Status)
	assert.Equal(t, []string{"grace_expired"}, f.notifier.kinds(), "one message per organization per run")
}

func TestRun_RenewalGrace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upsert(t, paidFields(org1, catalog.Growth, subscription.StatusActive, base.Add(-24*time.Hour)), subscription.TriggeredByStripeWebhook)
	f.upsert(t, paidFields(org2, catalog.Growth, subscription.StatusActive, base.Add(-72*time.Hour)), subscription.TriggeredByStripeWebhook)

	summary := f.job(nil).Run(context.Background())

	assert.Equal(t, 1, summary.SubscriptionsExpired)
	assert.Equal(t, subscription.StatusActive, f.latest(t, org1).Status, "renewal webhook may still arrive")
	assert.Equal(t, subscription.StatusExpired, f.latest(t, org2).Status)
}

func TestRun_DisplaySync(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.subs.SignUp(ctx, org1, "Acme Old")
	require.NoError(t, err)
	_, err = f.subs.SignUp(ctx, org2, "Globex")
	require.NoError(t, err)
	_, err = f.subs.SetDisplayName(ctx, org2, "Globex (billing)", subscription.TriggeredByCustomer)
	require.NoError(t, err)

	summary := f.job(nil).Run(ctx)

	assert.Empty(t, summary.Errors)
	assert.Equal(t, 1, summary.DisplaySynced)
	assert.Equal(t, 1, summary.DisplayPreserved)
	assert.Equal(t, "Acme", f.latest(t, org1).OrganizationName)
	assert.Equal(t, "Globex (billing)", f.latest(t, org2).OrganizationName)
}

// brokenSubs fails one section and panics in another.
type brokenSubs struct{ *subscription.Service }

func (brokenSubs) ListExpiredInternalTrials(context.Context) ([]subscription.Subscription, error) {
	return nil, errors.New("connection reset")
}

func (brokenSubs) ListGraceExpired(context.Context, time.Time) ([]subscription.Subscription, error) {
	panic("nil pointer")
}

func TestRun_SectionsAreIsolated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedProfiles(f.dir, org2, directory.RoleManager, 9)
	f.upsert(t, paidFields(org2, catalog.Scale, subscription.StatusCancelled, base.AddDate(0, 0, 10)), subscription.TriggeredByStripeWebhook)

	job := f.job(brokenSubs{f.subs})
	summary := job.Run(context.Background())

	require.Len(t, summary.Errors, 2)
	assert.Contains(t, summary.Errors[0], "trials: connection reset")
	assert.Contains(t, summary.Errors[1], "grace: panic: nil pointer")
	assert.Equal(t, 1, summary.SubscriptionsExpired, "later sections still run")
	assert.Equal(t, 5, countActive(t, f.dir, org2, directory.RoleManager))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SweepErrors.WithLabelValues(sweeper.SectionTrials)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SweepErrors.WithLabelValues(sweeper.SectionGrace)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SweepItems.WithLabelValues(sweeper.SectionLapsed)))

	assert.ErrorIs(t, job.RunScheduled(context.Background()), sweeper.ErrIncomplete)
}

// failingEnforcer leaves rows untouched so they are retried on the next run.
type failingEnforcer struct{}

func (failingEnforcer) Enforce(context.Context, uuid.UUID, catalog.Limits, subscription.TriggeredBy) (downgrade.Result, error) {
	return downgrade.Result{}, errors.New("directory unavailable")
}

func TestRun_FailedTrimKeepsRowForRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upsert(t, paidFields(org1, catalog.Growth, subscription.StatusCancelled, base.AddDate(0, 0, 10)), subscription.TriggeredByStripeWebhook)

	job := sweeper.New(f.subs, failingEnforcer{}, f.dir, sweeper.WithClock(fixedNow), sweeper.WithLogger(logger.Discard()))
	summary := job.Run(context.Background())

	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "lapsed: org "+org1.String())
	assert.Equal(t, subscription.StatusCancelled, f.latest(t, org1).Status)
}

func TestSummary_JSON(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	summary := f.job(nil).Run(context.Background())
	require.NoError(t, f.job(nil).RunScheduled(context.Background()))

	raw, err := json.Marshal(summary)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	for _, key := range []string{"trials_expired", "grace_expired", "subscriptions_expired", "resources_trimmed", "display_synced", "display_preserved"} {
		assert.Contains(t, got, key)
	}
	assert.Equal(t, []any{}, got["errors"])
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.Panics(t, func() { sweeper.New(nil, f.enforcer, f.dir) })
	assert.Panics(t, func() { sweeper.New(f.subs, nil, f.dir) })
	assert.Panics(t, func() { sweeper.New(f.subs, f.enforcer, nil) })
}
