// Package store defines the Task Record Store and Worker Registry contracts
// shared by the API, worker and sweeper processes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
)

// MutateFunc edits a copy of the current record. Returning an error aborts
// the write and the error is returned to the caller unchanged.
type MutateFunc func(t *domain.Task) error

// Records is the Task Record Store: one snapshot per task_id.
type Records interface {
	// Create writes a new record. It fails if the id already exists.
	Create(ctx context.Context, task *domain.Task) error
	// Get returns the current snapshot or *domain.TaskNotFoundError.
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	// List returns up to limit of the most recently submitted records,
	// ordered by submission time ascending.
	List(ctx context.Context, limit int) ([]*domain.Task, error)
	// Update applies fn atomically to the current snapshot and returns the
	// written record. Concurrent writers never lose each other's changes.
	Update(ctx context.Context, taskID string, fn MutateFunc) (*domain.Task, error)
	// Delete removes the record. Deleting an unknown id is not an error.
	Delete(ctx context.Context, taskID string) error
	// Updates streams every written snapshot until ctx is done.
	Updates(ctx context.Context) (<-chan *domain.Task, error)
}

// Workers is the Worker Registry.
type Workers interface {
	// Heartbeat records info as live at info.LastHeartbeat.
	Heartbeat(ctx context.Context, info domain.WorkerInfo) error
	// Deregister removes a worker immediately.
	Deregister(ctx context.Context, name string) error
	// ListWorkers returns workers that heartbeated within the freshness
	// window, sorted by name. An empty registry yields an empty slice.
	ListWorkers(ctx context.Context) ([]domain.WorkerInfo, error)
}

// Claim moves a PENDING task to STARTED for worker. A record in any other
// state yields *domain.TaskAlreadyProcessedError.
func Claim(ctx context.Context, r Records, taskID, worker string) (*domain.Task, error) {
	t, err := r.Update(ctx, taskID, func(t *domain.Task) error {
		if t.State != domain.StatePending {
			return &domain.TaskAlreadyProcessedError{TaskID: t.ID, State: t.State}
		}
		return t.Start(worker, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ReportProgress records percent on a STARTED task. A task that was revoked
// meanwhile yields domain.ErrRevoked.
func ReportProgress(ctx context.Context, r Records, taskID string, percent int) error {
	_, err := r.Update(ctx, taskID, func(t *domain.Task) error {
		if t.State == domain.StateRevoked {
			return domain.ErrRevoked
		}
		return t.SetProgress(percent, time.Now().UTC())
	})
	return err
}

// Complete moves a STARTED task to SUCCESS with result marshalled to JSON.
func Complete(ctx context.Context, r Records, taskID string, result any) (*domain.Task, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result for %s: %w", taskID, err)
	}
	return r.Update(ctx, taskID, func(t *domain.Task) error {
		return t.Succeed(raw, time.Now().UTC())
	})
}

// Fail moves a STARTED task to FAILURE.
func Fail(ctx context.Context, r Records, taskID string, taskErr domain.TaskError) (*domain.Task, error) {
	return r.Update(ctx, taskID, func(t *domain.Task) error {
		return t.Fail(taskErr, time.Now().UTC())
	})
}

// Revoke moves a non-terminal task to REVOKED.
func Revoke(ctx context.Context, r Records, taskID string) (*domain.Task, error) {
	return r.Update(ctx, taskID, func(t *domain.Task) error {
		return t.Revoke(time.Now().UTC())
	})
}

// IsConflict reports whether err means the record was not in a state that
// allows the requested write.
func IsConflict(err error) bool {
	var transition *domain.InvalidTransitionError
	var processed *domain.TaskAlreadyProcessedError
	return errors.As(err, &transition) || errors.As(err, &processed) || errors.Is(err, domain.ErrRevoked)
}
