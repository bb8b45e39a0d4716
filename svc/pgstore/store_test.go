package pgstore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/pkg/pg"
	"github.com/dmitrymomot/billingcore/pkg/ratelimiter"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/directory"
	"github.com/dmitrymomot/billingcore/svc/fraudguard"
	"github.com/dmitrymomot/billingcore/svc/pgstore"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

// newTestStore connects to PG_CONN_URL and applies migrations. The test is
// skipped when the variable is not set.
func newTestStore(t *testing.T) (*pgstore.Store, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("PG_CONN_URL")
	if url == "" {
		t.Skip("PG_CONN_URL not set")
	}

	ctx := context.Background()
	cfg := pg.Config{
		ConnectionString:  url,
		MaxOpenConns:      4,
		MaxIdleConns:      1,
		HealthCheckPeriod: time.Minute,
		MaxConnIdleTime:   time.Minute,
		MaxConnLifetime:   time.Minute,
		RetryAttempts:     1,
		RetryInterval:     100 * time.Millisecond,
		MigrationsTable:   "billing_schema_migrations",
	}
	pool, err := pg.Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pgstore.Migrate(ctx, pool, cfg, logger.Discard()))
	return pgstore.New(pool), pool
}

func createOrganization(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	_, err := pool.Exec(ctx, `INSERT INTO organizations (id, name, contact_email) VALUES ($1, $2, $3)`,
		id, "Acme "+id.String()[:8], "owner@acme.test")
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM subscription_activity_log WHERE organization_id = $1`, id)
		_, _ = pool.Exec(ctx, `DELETE FROM subscriptions WHERE organization_id = $1`, id)
		_, _ = pool.Exec(ctx, `DELETE FROM promo_redemptions WHERE organization_id = $1`, id)
		_, _ = pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	})
	return id
}

func TestSubscriptions_Integration(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()
	svc := subscription.NewService(store, subscription.WithLogger(logger.Discard()))

	t.Run("concurrent upserts leave one canonical row", func(t *testing.T) {
		orgID := createOrganization(t, pool)
		start := time.Now().UTC().Truncate(time.Second)

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				plan := catalog.Growth
				if i%2 == 0 {
					plan = catalog.Scale
				}
				_, err := svc.UpsertSubscription(ctx, subscription.Fields{
					OrganizationID:         orgID,
					Plan:                   plan,
					Period:                 catalog.Monthly,
					Currency:               catalog.GBP,
					Status:                 subscription.StatusActive,
					ExternalSubscriptionID: "sub_concurrent",
					CurrentPeriodStart:     start,
					CurrentPeriodEnd:       start.Add(30 * 24 * time.Hour),
				}, subscription.TriggeredByStripeWebhook)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		var n int
		require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions
			WHERE organization_id = $1 AND status IN ('active', 'trialing')`, orgID).Scan(&n))
		assert.Equal(t, 1, n)

		entries, err := svc.ListActivity(ctx, orgID, 100)
		require.NoError(t, err)
		assert.Len(t, entries, 8)
	})

	t.Run("stale update is rejected", func(t *testing.T) {
		orgID := createOrganization(t, pool)
		sub, err := svc.SignUp(ctx, orgID, "Acme")
		require.NoError(t, err)

		yes := true
		_, err = svc.Transition(ctx, *sub, subscription.Changes{CancelAtPeriodEnd: &yes}, subscription.TriggeredByCustomer)
		require.NoError(t, err)

		_, err = svc.Transition(ctx, *sub, subscription.Changes{CancelAtPeriodEnd: &yes}, subscription.TriggeredByCustomer)
		assert.ErrorIs(t, err, subscription.ErrConcurrentUpdate)
	})

	t.Run("older snapshot leaves the row and its event time", func(t *testing.T) {
		orgID := createOrganization(t, pool)
		start := time.Now().UTC().Truncate(time.Second)
		newer, older := start.Add(time.Hour), start

		fields := subscription.Fields{
			OrganizationID:         orgID,
			Plan:                   catalog.Growth,
			Period:                 catalog.Monthly,
			Currency:               catalog.GBP,
			Status:                 subscription.StatusPastDue,
			ExternalSubscriptionID: "sub_" + orgID.String()[:8],
			CurrentPeriodStart:     start,
			CurrentPeriodEnd:       start.Add(30 * 24 * time.Hour),
			EventAt:                &newer,
		}
		_, err := svc.UpsertSubscription(ctx, fields, subscription.TriggeredByStripeWebhook)
		require.NoError(t, err)

		fields.Status = subscription.StatusActive
		fields.EventAt = &older
		_, err = svc.UpsertSubscription(ctx, fields, subscription.TriggeredByStripeWebhook)
		assert.ErrorIs(t, err, subscription.ErrStaleEvent)

		sub, err := store.FindLatest(ctx, orgID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusPastDue, sub.Status)
		require.NotNil(t, sub.LastEventAt)
		assert.True(t, newer.Equal(*sub.LastEventAt))
		require.NotNil(t, sub.PaymentFailedAt, "past-due snapshot starts the grace clock")

		grace, err := store.ListGraceExpired(ctx, newer.Add(time.Second))
		require.NoError(t, err)
		var found bool
		for _, r := range grace {
			found = found || r.OrganizationID == orgID
		}
		assert.True(t, found)
	})

	t.Run("lapsed query skips free rows", func(t *testing.T) {
		orgID := createOrganization(t, pool)
		_, err := svc.SignUp(ctx, orgID, "Acme")
		require.NoError(t, err)

		rows, err := store.ListLapsed(ctx, time.Now().Add(200*365*24*time.Hour))
		require.NoError(t, err)
		for _, r := range rows {
			assert.NotEqual(t, orgID, r.OrganizationID)
		}
	})
}

func TestDirectory_Integration(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()
	orgID := createOrganization(t, pool)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		_, err := pool.Exec(ctx, `INSERT INTO profiles (id, organization_id, email, role, created_at)
			VALUES ($1, $2, $3, 'manager', $4)`, uuid.New(), orgID, "m@acme.test", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	profiles, err := store.ListActiveProfiles(ctx, orgID, directory.RoleManager)
	require.NoError(t, err)
	require.Len(t, profiles, 3)
	assert.True(t, profiles[0].CreatedAt.Before(profiles[2].CreatedAt))

	require.NoError(t, store.DeactivateProfiles(ctx, orgID, []uuid.UUID{profiles[2].ID}))
	n, err := store.CountActiveProfiles(ctx, orgID, directory.RoleManager)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.RecordCancellation(ctx, orgID, at))
	require.NoError(t, store.RecordCancellation(ctx, orgID, at))
	org, err := store.GetOrganization(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, 1, org.CancellationCount)

	_, err = store.GetOrganization(ctx, uuid.New())
	assert.ErrorIs(t, err, directory.ErrOrganizationNotFound)
}

func TestPromosAndRateLimits_Integration(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()
	orgID := createOrganization(t, pool)

	email := "buyer+" + orgID.String()[:8] + "@acme.test"
	rec := fraudguard.PromoRedemption{Email: email, Code: "WELCOME", OrganizationID: orgID, RedeemedAt: time.Now()}
	require.NoError(t, store.SaveRedemption(ctx, rec))
	assert.ErrorIs(t, store.SaveRedemption(ctx, rec), fraudguard.ErrDuplicateRedemption)

	ok, err := store.HasRedemption(ctx, email, "WELCOME")
	require.NoError(t, err)
	assert.True(t, ok)

	limiter, err := ratelimiter.New(store.RateLimits(), ratelimiter.DefaultConfig())
	require.NoError(t, err)
	key := email + "|203.0.113.9"
	t.Cleanup(func() { _ = limiter.Reset(ctx, key) })

	for want := 4; want >= 0; want-- {
		res, err := limiter.Attempt(ctx, key)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
	}
	res, err := limiter.Attempt(ctx, key)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), res.BlockedUntil, time.Minute)
}
