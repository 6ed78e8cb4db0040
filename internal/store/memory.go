package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
)

// Memory is an in-process Records and Workers implementation. It is used by
// tests and single-process setups; state does not survive a restart.
type Memory struct {
	mu      sync.Mutex
	tasks   map[string]*domain.Task
	subs    map[chan *domain.Task]struct{}
	workers map[string]domain.WorkerInfo

	freshness time.Duration
	now       func() time.Time
}

// NewMemory returns an empty Memory store. Workers are considered live for
// freshness after their last heartbeat.
func NewMemory(freshness time.Duration) *Memory {
	return &Memory{
		tasks:     make(map[string]*domain.Task),
		subs:      make(map[chan *domain.Task]struct{}),
		workers:   make(map[string]domain.WorkerInfo),
		freshness: freshness,
		now:       time.Now,
	}
}

var (
	_ Records = (*Memory)(nil)
	_ Workers = (*Memory)(nil)
)

func (m *Memory) Create(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	m.tasks[task.ID] = task.Clone()
	m.publish(task)
	return nil
}

func (m *Memory) Get(_ context.Context, taskID string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return t.Clone(), nil
}

func (m *Memory) List(_ context.Context, limit int) ([]*domain.Task, error) {
	m.mu.Lock()
	out := make([]*domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) Update(_ context.Context, taskID string, fn MutateFunc) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.tasks[taskID] = next
	m.publish(next)
	return next.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	return nil
}

// Updates returns a channel fed with every written snapshot. Slow readers
// miss snapshots rather than blocking writers.
func (m *Memory) Updates(ctx context.Context) (<-chan *domain.Task, error) {
	ch := make(chan *domain.Task, 256)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// publish must be called with mu held.
func (m *Memory) publish(t *domain.Task) {
	for ch := range m.subs {
		select {
		case ch <- t.Clone():
		default:
		}
	}
}

func (m *Memory) Heartbeat(_ context.Context, info domain.WorkerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[info.Name] = info
	return nil
}

func (m *Memory) Deregister(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, name)
	return nil
}

func (m *Memory) ListWorkers(_ context.Context) ([]domain.WorkerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.freshness)
	out := make([]domain.WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		if w.LastHeartbeat.Before(cutoff) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
