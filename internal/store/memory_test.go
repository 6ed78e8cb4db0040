package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
	"github.com/ramiqadoumi/taskpulse/internal/store"
)

func seed(t *testing.T, m *store.Memory, id string, at time.Time) {
	t.Helper()
	require.NoError(t, m.Create(context.Background(),
		domain.NewTask(id, "sleep_task", json.RawMessage(`{"duration":1}`), at)))
}

func TestMemory_CreateDuplicateFails(t *testing.T) {
	m := store.NewMemory(time.Minute)
	seed(t, m, "a", time.Now())
	assert.Error(t, m.Create(context.Background(), domain.NewTask("a", "sleep_task", nil, time.Now())))
}

func TestMemory_GetUnknown(t *testing.T) {
	_, err := store.NewMemory(time.Minute).Get(context.Background(), "missing")
	var nf *domain.TaskNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestMemory_ListAscendingAndBounded(t *testing.T) {
	m := store.NewMemory(time.Minute)
	base := time.Now()
	seed(t, m, "c", base.Add(2*time.Second))
	seed(t, m, "a", base)
	seed(t, m, "b", base.Add(time.Second))

	all, err := m.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})

	recent, err := m.List(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, []string{recent[0].ID, recent[1].ID})
}

func TestMemory_LifecycleHelpers(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute)
	seed(t, m, "t1", time.Now())

	started, err := store.Claim(ctx, m, "t1", "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateStarted, started.State)
	require.NotNil(t, started.Progress)
	assert.Equal(t, 0, *started.Progress)

	require.NoError(t, store.ReportProgress(ctx, m, "t1", 50))

	done, err := store.Complete(ctx, m, "t1", map[string]int{"duration": 1})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, done.State)
	assert.NotNil(t, done.DateDone)
	assert.Nil(t, done.Progress)
	assert.JSONEq(t, `{"duration":1}`, string(done.Result))

	_, err = store.Revoke(ctx, m, "t1")
	assert.True(t, store.IsConflict(err), "terminal tasks cannot be revoked")
}

func TestMemory_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute)
	seed(t, m, "t1", time.Now())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := store.Claim(ctx, m, "t1", "w"); err == nil {
				wins.Add(1)
			} else {
				var processed *domain.TaskAlreadyProcessedError
				assert.ErrorAs(t, err, &processed)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemory_ProgressAfterRevoke(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute)
	seed(t, m, "t1", time.Now())
	_, err := store.Claim(ctx, m, "t1", "w1")
	require.NoError(t, err)
	_, err = store.Revoke(ctx, m, "t1")
	require.NoError(t, err)

	err = store.ReportProgress(ctx, m, "t1", 60)
	require.ErrorIs(t, err, domain.ErrRevoked)

	got, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, got.State)
}

func TestMemory_Updates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := store.NewMemory(time.Minute)

	updates, err := m.Updates(ctx)
	require.NoError(t, err)
	seed(t, m, "t1", time.Now())

	select {
	case snap := <-updates:
		assert.Equal(t, "t1", snap.ID)
		assert.Equal(t, domain.StatePending, snap.State)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-updates
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestMemory_ListWorkers(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute)

	workers, err := m.ListWorkers(ctx)
	require.NoError(t, err)
	assert.NotNil(t, workers)
	assert.Empty(t, workers)

	now := time.Now()
	require.NoError(t, m.Heartbeat(ctx, domain.WorkerInfo{Name: "b", LastHeartbeat: now}))
	require.NoError(t, m.Heartbeat(ctx, domain.WorkerInfo{Name: "a", LastHeartbeat: now}))
	require.NoError(t, m.Heartbeat(ctx, domain.WorkerInfo{Name: "stale", LastHeartbeat: now.Add(-time.Hour)}))

	workers, err = m.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "a", workers[0].Name)
	assert.Equal(t, "b", workers[1].Name)

	require.NoError(t, m.Deregister(ctx, "a"))
	workers, err = m.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}
