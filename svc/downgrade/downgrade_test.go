package downgrade_test

import (
	"context"
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
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

var (
	org1 = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	org2 = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

type activityLog struct {
	mu      sync.Mutex
	entries []subscription.ActivityEntry
	err     error
}

func (a *activityLog) RecordActivity(_ context.Context, e subscription.ActivityEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, e)
	return nil
}

func (a *activityLog) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func newEnforcer(dir *directory.Memory, log *activityLog, opts ...downgrade.Option) *downgrade.Enforcer {
	opts = append([]downgrade.Option{downgrade.WithLogger(logger.Discard())}, opts...)
	return downgrade.New(dir, dir, dir, log, opts...)
}

func seedTemplates(dir *directory.Memory, orgID uuid.UUID, n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range n {
		ids[i] = uuid.New()
		dir.AddTemplate(directory.Template{ID: ids[i], OrganizationID: orgID, Active: true, CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	return ids
}

func seedProfiles(dir *directory.Memory, orgID uuid.UUID, role directory.Role, n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range n {
		ids[i] = uuid.New()
		dir.AddProfile(directory.Profile{ID: ids[i], OrganizationID: orgID, Role: role, Active: true, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	return ids
}

func TestEnforce_KeepsNewestTemplates(t *testing.T) {
	t.Parallel()

	dir := directory.NewMemory()
	ids := seedTemplates(dir, org1, 12)
	log := &activityLog{}

	res, err := newEnforcer(dir, log).Enforce(context.Background(), org1, catalog.StarterLimits(), subscription.TriggeredByStripeWebhook)
	require.NoError(t, err)
	assert.Len(t, res.TemplatesDeactivated, 9)
	assert.ElementsMatch(t, ids[:9], res.TemplatesDeactivated)

	active, err := dir.ListActiveTemplates(context.Background(), org1)
	require.NoError(t, err)
	require.Len(t, active, 3)
	got := []uuid.UUID{active[0].ID, active[1].ID, active[2].ID}
	assert.ElementsMatch(t, ids[9:], got)

	require.Equal(t, 1, log.len())
	assert.Equal(t, subscription.EventDowngraded, log.entries[0].EventType)
	assert.Equal(t, catalog.Starter, log.entries[0].ToPlan)
	assert.Equal(t, "9 templates deactivated", log.entries[0].Details)
}

func TestEnforce_ScaleToStarterTeam(t *testing.T) {
	t.Parallel()

	dir := directory.NewMemory()
	members := seedProfiles(dir, org2, directory.RoleManager, 9)
	admins := seedProfiles(dir, org2, directory.RoleAdmin, 3)
	log := &activityLog{}

	res, err := newEnforcer(dir, log).Enforce(context.Background(), org2, catalog.StarterLimits(), subscription.TriggeredByCronJob)
	require.NoError(t, err)
	assert.ElementsMatch(t, members[5:], res.MembersDeactivated, "latest members go first")
	assert.ElementsMatch(t, admins[1:], res.AdminsDeactivated)

	ctx := context.Background()
	n, err := dir.CountActiveProfiles(ctx, org2, directory.RoleManager)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = dir.CountActiveProfiles(ctx, org2, directory.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	kept, err := dir.ListActiveProfiles(ctx, org2, directory.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, admins[0], kept[0].ID, "earliest admin is kept")
}

func TestEnforce_Idempotent(t *testing.T) {
	t.Parallel()

	dir := directory.NewMemory()
	seedTemplates(dir, org1, 7)
	seedProfiles(dir, org1, directory.RoleManager, 8)
	for i := range 70 {
		dir.AddReport(directory.Report{ID: uuid.New(), OrganizationID: org1, SubmittedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	log := &activityLog{}
	e := newEnforcer(dir, log)
	ctx := context.Background()

	first, err := e.Enforce(ctx, org1, catalog.StarterLimits(), subscription.TriggeredByCronJob)
	require.NoError(t, err)
	assert.Equal(t, 4+3+20, first.Total())

	second, err := e.Enforce(ctx, org1, catalog.StarterLimits(), subscription.TriggeredByCronJob)
	require.NoError(t, err)
	assert.Zero(t, second.Total())
	assert.Equal(t, 1, log.len(), "no entry when nothing was trimmed")

	stored, err := dir.ListStoredReports(ctx, org1)
	require.NoError(t, err)
	assert.Len(t, stored, 50)
}

func TestEnforce_ConcurrentRunsDoNotCompound(t *testing.T) {
	t.Parallel()

	dir := directory.NewMemory()
	seedTemplates(dir, org1, 12)
	e := newEnforcer(dir, &activityLog{})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Enforce(context.Background(), org1, catalog.StarterLimits(), subscription.TriggeredByStripeWebhook)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := dir.CountActiveTemplates(context.Background(), org1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEnforce_UnlimitedAndWithinLimits(t *testing.T) {
	t.Parallel()

	dir := directory.NewMemory()
	seedTemplates(dir, org1, 200)
	seedProfiles(dir, org1, directory.RoleManager, 20)
	log := &activityLog{}

	scale := catalog.Limits{Plan: catalog.Scale, MaxTemplates: catalog.Unlimited, MaxTeamMembers: 100, MaxAdmins: 10,
		MaxMonthlySubmissions: catalog.Unlimited, MaxStoredSubmissions: catalog.Unlimited}
	res, err := newEnforcer(dir, log).Enforce(context.Background(), org1, scale, subscription.TriggeredByStripeWebhook)
	require.NoError(t, err)
	assert.Zero(t, res.Total())
	assert.Zero(t, log.len())
}

type failingProfiles struct{ *directory.Memory }

func (failingProfiles) ListActiveProfiles(context.Context, uuid.UUID, directory.Role) ([]directory.Profile, error) {
	return nil, errors.New("profiles offline")
}

func TestEnforce_PartialFailureContinues(t *testing.T) {
	t.Parallel()

	dir := directory.NewMemory()
	seedTemplates(dir, org1, 5)
	reg := metrics.New("test")
	e := downgrade.New(failingProfiles{dir}, dir, dir, &activityLog{},
		downgrade.WithLogger(logger.Discard()), downgrade.WithMetrics(reg))

	res, err := e.Enforce(context.Background(), org1, catalog.StarterLimits(), subscription.TriggeredByCronJob)
	assert.ErrorIs(t, err, downgrade.ErrEnforcementFailed)
	assert.ErrorContains(t, err, "profiles offline")
	assert.Len(t, res.TemplatesDeactivated, 2, "templates still trimmed")
	assert.Equal(t, float64(2), testutil.ToFloat64(reg.DowngradeTrims.WithLabelValues("templates")))
}

func TestEnforce_ActivityFailureIsReported(t *testing.T) {
	t.Parallel()

	dir := directory.NewMemory()
	seedTemplates(dir, org1, 4)
	_, err := newEnforcer(dir, &activityLog{err: errors.New("ledger down")}).
		Enforce(context.Background(), org1, catalog.StarterLimits(), subscription.TriggeredByCronJob)
	assert.ErrorIs(t, err, downgrade.ErrEnforcementFailed)
}
