//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
	redisstore "github.com/ramiqadoumi/taskpulse/internal/redis"
)

func TestWorkerRegistry_EmptyIsNotAnError(t *testing.T) {
	reg := redisstore.NewWorkerRegistry(newRedisClient(t), 15*time.Second)

	workers, err := reg.ListWorkers(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, workers)
	assert.Empty(t, workers)
}

func TestWorkerRegistry_FreshnessAndOrder(t *testing.T) {
	reg := redisstore.NewWorkerRegistry(newRedisClient(t), 15*time.Second)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, name := range []string{"worker-b", "worker-a"} {
		require.NoError(t, reg.Heartbeat(ctx, domain.WorkerInfo{
			Name:            name,
			MaxConcurrency:  4,
			StartedAt:       now.Add(-time.Minute),
			LastHeartbeat:   now,
			RegisteredTasks: []string{"calculation_task", "sleep_task"},
		}))
	}
	require.NoError(t, reg.Heartbeat(ctx, domain.WorkerInfo{Name: "worker-old", LastHeartbeat: now.Add(-time.Hour)}))

	workers, err := reg.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "worker-a", workers[0].Name)
	assert.Equal(t, "worker-b", workers[1].Name)
	assert.Equal(t, 4, workers[0].MaxConcurrency)

	require.NoError(t, reg.Deregister(ctx, "worker-a"))
	workers, err = reg.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "worker-b", workers[0].Name)
}

func TestRevocations_SignalAndCheck(t *testing.T) {
	rev := redisstore.NewRevocations(newRedisClient(t), time.Minute)
	ctx := context.Background()

	revoked, err := rev.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, rev.Signal(ctx, "t1"))
	revoked, err = rev.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestLease_SingleHolder(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	a := redisstore.NewLease(client, "sweeper:leader", "a", 30*time.Second)
	b := redisstore.NewLease(client, "sweeper:leader", "b", 30*time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews its own lease")

	require.NoError(t, b.Release(ctx))
	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := redisstore.NewRateLimiter(newRedisClient(t), 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "sleep_task")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "sleep_task")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "calculation_task")
	require.NoError(t, err)
	assert.True(t, ok, "keys are throttled independently")
}
