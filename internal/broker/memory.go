package broker

import (
	"context"
	"sync"
	"time"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
)

// Memory is an in-process Queue and Source. Descriptors sit on one buffered
// channel shared by every consumer, so each is taken by a single consumer.
type Memory struct {
	queue chan domain.Descriptor

	mu      sync.Mutex
	revoked map[string]struct{}

	redeliverDelay time.Duration
}

var (
	_ Queue  = (*Memory)(nil)
	_ Source = (*Memory)(nil)
)

// NewMemory returns a Memory broker holding up to capacity descriptors.
func NewMemory(capacity int) *Memory {
	return &Memory{
		queue:          make(chan domain.Descriptor, capacity),
		revoked:        make(map[string]struct{}),
		redeliverDelay: 10 * time.Millisecond,
	}
}

func (m *Memory) Enqueue(ctx context.Context, d domain.Descriptor) error {
	select {
	case m.queue <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) SignalCancel(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[taskID] = struct{}{}
	return nil
}

func (m *Memory) Cancelled(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[taskID]
	return ok, nil
}

// Consume takes descriptors until ctx is done. A descriptor whose handler
// fails is retried by the same consumer.
func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-m.queue:
			for h(ctx, d) != nil {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(m.redeliverDelay):
				}
			}
		}
	}
}

// Len reports how many descriptors are waiting.
func (m *Memory) Len() int { return len(m.queue) }
