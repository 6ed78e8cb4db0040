package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeArchive struct {
	mu          sync.Mutex
	deleteCalls []time.Time
	deleted     int64
	stranded    []*domain.Task
	saved       []*domain.Task
	err         error
}

func (a *fakeArchive) Save(_ context.Context, t *domain.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, t)
	return nil
}

func (a *fakeArchive) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleteCalls = append(a.deleteCalls, cutoff)
	return a.deleted, a.err
}

func (a *fakeArchive) ListStranded(_ context.Context, _ time.Time, _ int) ([]*domain.Task, error) {
	return a.stranded, nil
}

func (a *fakeArchive) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.deleteCalls)
}

type fakeRecords map[string]*domain.Task

func (r fakeRecords) Get(_ context.Context, id string) (*domain.Task, error) {
	t, ok := r[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t, nil
}

type fakeLeader struct {
	leader   bool
	err      error
	released bool
}

func (l *fakeLeader) Acquire(context.Context) (bool, error) { return l.leader, l.err }
func (l *fakeLeader) Release(context.Context) error         { l.released = true; return nil }

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func startedTask(id string, updated time.Time) *domain.Task {
	t := domain.NewTask(id, "sleep_task", json.RawMessage(`{"duration":5}`), updated)
	_ = t.Start("worker-1", updated)
	return t
}

func newTestSweeper(a *fakeArchive, r Records, l *fakeLeader) *Sweeper {
	s := New(a, r, l, WithLogger(discardLogger))
	s.now = func() time.Time { return fixedNow }
	return s
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestSweep_NotLeaderDoesNothing(t *testing.T) {
	a := &fakeArchive{}
	report, err := newTestSweeper(a, nil, &fakeLeader{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Leader)
	assert.Zero(t, a.calls())
}

func TestSweep_LeaseError(t *testing.T) {
	_, err := newTestSweeper(&fakeArchive{}, nil, &fakeLeader{err: errors.New("redis down")}).Sweep(context.Background())
	assert.ErrorContains(t, err, "redis down")
}

func TestSweep_DeletesPastRetention(t *testing.T) {
	a := &fakeArchive{deleted: 3}
	s := newTestSweeper(a, nil, &fakeLeader{leader: true})
	s.retention = 48 * time.Hour

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Leader)
	assert.Equal(t, int64(3), report.Deleted)
	require.Len(t, a.deleteCalls, 1)
	assert.Equal(t, fixedNow.Add(-48*time.Hour), a.deleteCalls[0])
}

func TestSweep_DeleteErrorPropagates(t *testing.T) {
	a := &fakeArchive{err: errors.New("relation does not exist")}
	_, err := newTestSweeper(a, nil, &fakeLeader{leader: true}).Sweep(context.Background())
	assert.ErrorContains(t, err, "relation does not exist")
}

func TestSweep_ConfirmsStrandedAgainstLiveRecords(t *testing.T) {
	old := fixedNow.Add(-time.Hour)

	expired := startedTask("expired", old)
	idle := startedTask("idle", old)
	busy := startedTask("busy", old)
	finished := startedTask("finished", old)

	liveBusy := busy.Clone()
	require.NoError(t, liveBusy.SetProgress(40, fixedNow.Add(-time.Minute)))
	liveFinished := finished.Clone()
	require.NoError(t, liveFinished.Succeed(json.RawMessage(`{}`), fixedNow.Add(-30*time.Minute)))

	a := &fakeArchive{stranded: []*domain.Task{expired, idle, busy, finished}}
	records := fakeRecords{
		"idle":     idle.Clone(),
		"busy":     liveBusy,
		"finished": liveFinished,
	}

	report, err := newTestSweeper(a, records, &fakeLeader{leader: true}).Sweep(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(report.Stranded))
	for _, st := range report.Stranded {
		ids = append(ids, st.ID)
		assert.Equal(t, domain.StateStarted, st.State, "stranded tasks are reported, never modified")
	}
	assert.ElementsMatch(t, []string{"expired", "idle"}, ids)
	assert.Equal(t, 1, report.Repaired)
	require.Len(t, a.saved, 1)
	assert.Equal(t, domain.StateSuccess, a.saved[0].State)
}

func TestSweep_WithoutRecordsTrustsArchive(t *testing.T) {
	a := &fakeArchive{stranded: []*domain.Task{startedTask("a", fixedNow.Add(-time.Hour))}}
	report, err := newTestSweeper(a, nil, &fakeLeader{leader: true}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Stranded, 1)
}

func TestRun_InvalidSchedule(t *testing.T) {
	s := newTestSweeper(&fakeArchive{}, nil, &fakeLeader{})
	err := s.Run(context.Background(), "every now and then")
	assert.ErrorContains(t, err, "parse schedule")
}

func TestRun_SweepsOnScheduleAndReleases(t *testing.T) {
	a := &fakeArchive{}
	l := &fakeLeader{leader: true}
	s := newTestSweeper(a, nil, l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "@every 1s") }()

	require.Eventually(t, func() bool { return a.calls() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.True(t, l.released)
}
