// Package broker moves task descriptors from the API to the worker pool and
// carries out-of-band cancel signals.
package broker

import (
	"context"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
)

// DefaultTopic is the work queue every worker group consumes.
const DefaultTopic = "tasks.pending"

// Handler processes one delivered descriptor. A non-nil error asks the broker
// to deliver the descriptor again.
type Handler func(ctx context.Context, d domain.Descriptor) error

// Queue is the producer side used by the API.
type Queue interface {
	// Enqueue hands d to exactly one worker, at least once.
	Enqueue(ctx context.Context, d domain.Descriptor) error
	// SignalCancel records a best-effort cancel request for taskID.
	SignalCancel(ctx context.Context, taskID string) error
}

// Source is the consumer side used by workers. Concurrent consumers of the
// same source compete for descriptors.
type Source interface {
	// Consume delivers descriptors to h until ctx is done.
	Consume(ctx context.Context, h Handler) error
	// Cancelled reports whether a cancel signal is pending for taskID.
	Cancelled(ctx context.Context, taskID string) (bool, error)
}

// Revocations stores cancel signals next to the queue.
type Revocations interface {
	Signal(ctx context.Context, taskID string) error
	IsRevoked(ctx context.Context, taskID string) (bool, error)
}
