package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
	"github.com/ramiqadoumi/taskpulse/internal/store"
)

func seedTask(t *testing.T, m *store.Memory, id string) {
	t.Helper()
	require.NoError(t, m.Create(context.Background(),
		domain.NewTask(id, "sleep_task", json.RawMessage(`{"duration":10}`), time.Now().UTC())))
}

func receive(t *testing.T, sub *Subscription) (*domain.Task, bool) {
	t.Helper()
	select {
	case snap, ok := <-sub.C():
		return snap, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil, false
	}
}

func TestSubscribe_UnknownTask(t *testing.T) {
	h := New(store.NewMemory(time.Minute), slog.Default())

	_, err := h.Subscribe(context.Background(), "missing")
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Zero(t, h.Subscribers("missing"))
}

func TestSubscribe_DeliversCurrentSnapshot(t *testing.T) {
	m := store.NewMemory(time.Minute)
	seedTask(t, m, "t1")
	h := New(m, slog.Default())

	sub, err := h.Subscribe(context.Background(), "t1")
	require.NoError(t, err)
	defer h.Unsubscribe(sub)

	snap, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, domain.StatePending, snap.State)
	assert.Equal(t, 1, h.Subscribers("t1"))
}

func TestSubscribe_TerminalTaskClosesAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute)
	seedTask(t, m, "t1")
	_, err := store.Revoke(ctx, m, "t1")
	require.NoError(t, err)
	h := New(m, slog.Default())

	sub, err := h.Subscribe(ctx, "t1")
	require.NoError(t, err)

	snap, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, domain.StateRevoked, snap.State)

	_, ok = receive(t, sub)
	assert.False(t, ok, "channel is closed after the terminal snapshot")
	assert.Zero(t, h.Subscribers("t1"))
}

func TestPublish_FanOutAndTerminalEviction(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute)
	seedTask(t, m, "t1")
	h := New(m, slog.Default())

	subs := make([]*Subscription, 3)
	for i := range subs {
		var err error
		subs[i], err = h.Subscribe(ctx, "t1")
		require.NoError(t, err)
		_, _ = receive(t, subs[i])
	}

	started, err := store.Claim(ctx, m, "t1", "w1")
	require.NoError(t, err)
	h.Publish(started)
	for _, sub := range subs {
		snap, ok := receive(t, sub)
		require.True(t, ok)
		assert.Equal(t, domain.StateStarted, snap.State)
	}

	done, err := store.Complete(ctx, m, "t1", map[string]int{"duration": 10})
	require.NoError(t, err)
	h.Publish(done)
	for _, sub := range subs {
		snap, ok := receive(t, sub)
		require.True(t, ok)
		assert.Equal(t, domain.StateSuccess, snap.State)
		_, ok = receive(t, sub)
		assert.False(t, ok)
	}
	assert.Zero(t, h.Subscribers("t1"))

	// Late or duplicate publishes after eviction are harmless.
	h.Publish(done)
	for _, sub := range subs {
		h.Unsubscribe(sub)
	}
}

func TestPublish_SlowSubscriberGetsLatest(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute)
	seedTask(t, m, "t1")
	h := New(m, slog.Default())
	sub, err := h.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer h.Unsubscribe(sub)

	_, err = store.Claim(ctx, m, "t1", "w1")
	require.NoError(t, err)
	for p := 10; p <= 50; p += 10 {
		require.NoError(t, store.ReportProgress(ctx, m, "t1", p))
		snap, err := m.Get(ctx, "t1")
		require.NoError(t, err)
		h.Publish(snap)
	}

	snap, ok := receive(t, sub)
	require.True(t, ok)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 50, *snap.Progress, "unread snapshots are replaced by the newest")
}

func TestPublish_DropsStaleVersions(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute)
	seedTask(t, m, "t1")
	h := New(m, slog.Default())
	sub, err := h.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer h.Unsubscribe(sub)
	first, _ := receive(t, sub)

	h.Publish(first)
	select {
	case snap := <-sub.C():
		t.Fatalf("unexpected duplicate snapshot version %d", snap.Version)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	m := store.NewMemory(time.Minute)
	seedTask(t, m, "t1")
	h := New(m, slog.Default())
	sub, err := h.Subscribe(context.Background(), "t1")
	require.NoError(t, err)

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	assert.Zero(t, h.Subscribers("t1"))

	snap, _ := m.Get(context.Background(), "t1")
	snap.Version++
	h.Publish(snap) // no panic on a closed subscription
}

func TestRun_ForwardsStoreWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := store.NewMemory(time.Minute)
	seedTask(t, m, "t1")
	h := New(m, slog.Default())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.Run(ctx))
	}()

	sub, err := h.Subscribe(ctx, "t1")
	require.NoError(t, err)
	_, _ = receive(t, sub)

	require.Eventually(t, h.Live, time.Second, 5*time.Millisecond)
	_, err = store.Claim(ctx, m, "t1", "w1")
	require.NoError(t, err)

	snap, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, domain.StateStarted, snap.State)

	cancel()
	wg.Wait()
	_, ok = <-sub.C()
	assert.False(t, ok, "subscriptions are closed when the hub stops")
}

func TestConcurrentSubscribePublish(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute)
	seedTask(t, m, "t1")
	h := New(m, slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := h.Subscribe(ctx, "t1")
			if err == nil {
				h.Unsubscribe(sub)
			}
		}()
		go func(v int64) {
			defer wg.Done()
			snap, _ := m.Get(ctx, "t1")
			snap.Version = v
			h.Publish(snap)
		}(int64(i + 2))
	}
	wg.Wait()
	assert.Zero(t, h.Subscribers("t1"))
}

// flakyRecords refuses the first failures update subscriptions and hands out
// the channels queued in streams before falling back to the memory store.
type flakyRecords struct {
	*store.Memory

	mu       sync.Mutex
	failures int
	calls    int
	streams  []chan *domain.Task
}

func (f *flakyRecords) Updates(ctx context.Context) (<-chan *domain.Task, error) {
	f.mu.Lock()
	f.calls++
	if f.calls <= f.failures {
		f.mu.Unlock()
		return nil, errors.New("dial tcp 127.0.0.1:6379: connection refused")
	}
	if len(f.streams) > 0 {
		ch := f.streams[0]
		f.streams = f.streams[1:]
		f.mu.Unlock()
		return ch, nil
	}
	f.mu.Unlock()
	return f.Memory.Updates(ctx)
}

func (f *flakyRecords) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, h.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRun_RetriesUntilUpdatesAvailable(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute)
	seedTask(t, m, "t1")
	records := &flakyRecords{Memory: m, failures: 3}
	h := New(records, slog.Default(), WithBackoff(time.Millisecond))
	require.Error(t, h.Ready(ctx))

	runHub(t, h)
	require.Eventually(t, h.Live, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.Ready(ctx))
	assert.Equal(t, 4, records.attempts())

	sub, err := h.Subscribe(ctx, "t1")
	require.NoError(t, err)
	_, _ = receive(t, sub)

	_, err = store.Claim(ctx, m, "t1", "w1")
	require.NoError(t, err)
	snap, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, domain.StateStarted, snap.State)

	_, err = store.Complete(ctx, m, "t1", map[string]int{"duration": 10})
	require.NoError(t, err)
	snap, ok = receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, domain.StateSuccess, snap.State)
	_, ok = receive(t, sub)
	assert.False(t, ok)
}

func TestRun_ResyncsSubscribersAfterStreamDrop(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute)
	seedTask(t, m, "t1")
	dropped := make(chan *domain.Task)
	records := &flakyRecords{Memory: m, streams: []chan *domain.Task{dropped}}
	h := New(records, slog.Default(), WithBackoff(time.Millisecond))
	runHub(t, h)
	require.Eventually(t, h.Live, time.Second, 5*time.Millisecond)

	sub, err := h.Subscribe(ctx, "t1")
	require.NoError(t, err)
	_, _ = receive(t, sub)

	// Written while the hub listens on a stream that never delivers it.
	_, err = store.Claim(ctx, m, "t1", "w1")
	require.NoError(t, err)
	close(dropped)

	snap, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, domain.StateStarted, snap.State)
	assert.Eventually(t, h.Live, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, records.attempts())
}

type fakeArchive map[string]*domain.Task

func (a fakeArchive) GetByID(_ context.Context, id string) (*domain.Task, error) {
	t, ok := a[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

func TestSubscribe_ExpiredTaskFallsBackToArchive(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	done := domain.NewTask("t1", "sleep_task", json.RawMessage(`{"duration":1}`), now)
	require.NoError(t, done.Start("w1", now))
	require.NoError(t, done.Succeed(json.RawMessage(`{"duration":1}`), now))
	h := New(store.NewMemory(time.Minute), slog.Default(), WithArchive(fakeArchive{"t1": done}))

	sub, err := h.Subscribe(ctx, "t1")
	require.NoError(t, err)
	snap, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, domain.StateSuccess, snap.State)
	_, ok = receive(t, sub)
	assert.False(t, ok, "an archived snapshot is the last one")
	assert.Zero(t, h.Subscribers("t1"))

	_, err = h.Subscribe(ctx, "missing")
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}
