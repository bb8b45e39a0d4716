package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/ratelimiter"
)

func newRedisStore(t *testing.T) (*ratelimiter.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return ratelimiter.NewRedisStore(client, "test:checkout:"), mr
}

func TestRedisStore_RoundTrip(t *testing.T) {
	t.Parallel()

	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	first := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := ratelimiter.Record{
		Attempts:       6,
		FirstAttemptAt: first,
		LastAttemptAt:  first.Add(5 * time.Minute),
		Blocked:        true,
		BlockedUntil:   first.Add(24 * time.Hour),
	}
	require.NoError(t, store.Save(ctx, "k", rec, time.Hour))
	assert.True(t, mr.Exists("test:checkout:k"))

	got, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 6, got.Attempts)
	assert.True(t, got.Blocked)
	assert.True(t, rec.BlockedUntil.Equal(got.BlockedUntil))

	mr.FastForward(time.Hour + time.Second)
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "record expires with its ttl")
}

func TestRedisStore_CorruptRecordIsAbsent(t *testing.T) {
	t.Parallel()

	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("test:checkout:k", "{not json"))

	_, found, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_WithLimiter(t *testing.T) {
	t.Parallel()

	store, _ := newRedisStore(t)
	l, err := ratelimiter.New(store, ratelimiter.DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	for _, want := range []int{4, 3, 2, 1, 0} {
		res, err := l.Attempt(ctx, "user@example.com|198.51.100.4")
		require.NoError(t, err)
		assert.Equal(t, want, res.Remaining)
	}
	res, err := l.Attempt(ctx, "user@example.com|198.51.100.4")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	require.NoError(t, l.Reset(ctx, "user@example.com|198.51.100.4"))
	res, err = l.Attempt(ctx, "user@example.com|198.51.100.4")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
