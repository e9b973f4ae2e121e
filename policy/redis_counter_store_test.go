package policy_test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/kestrel-run/kestrel/policy"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCounterStore(t *testing.T) *policy.RedisCounterStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return policy.NewRedisCounterStore(client, "")
}

func TestRedisCounterStoreSaveAndLoadRoundTrip(t *testing.T) {
	store := newTestRedisCounterStore(t)
	snap := policy.CounterSnapshot{MinuteCount: 3, DayCostUSD: 1.25, ConcurrentJobs: 2}

	require.NoError(t, store.Save("tenant-1", snap))

	got, ok, err := store.Load("tenant-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.MinuteCount, got.MinuteCount)
	assert.Equal(t, snap.DayCostUSD, got.DayCostUSD)
	assert.Equal(t, snap.ConcurrentJobs, got.ConcurrentJobs)
}

func TestRedisCounterStoreLoadMissingTenantIsNotFound(t *testing.T) {
	store := newTestRedisCounterStore(t)
	_, ok, err := store.Load("unknown-tenant")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngineWithRedisCounterStorePersistsAcrossRestart(t *testing.T) {
	store := newTestRedisCounterStore(t)

	e1 := policy.New(nil)
	e1.SetCounterStore(store)
	d := e1.CheckRequest("tenant-1", "audit-website", 0.10, policy.TierStarter)
	require.True(t, d.Allowed)
	usage := e1.GetUsage("tenant-1")
	require.Equal(t, 1, usage.MinuteCount)

	// A fresh Engine backed by the same store picks up where e1 left off,
	// simulating a process restart.
	e2 := policy.New(nil)
	e2.SetCounterStore(store)
	usage = e2.GetUsage("tenant-1")
	assert.Equal(t, 1, usage.MinuteCount)
}
