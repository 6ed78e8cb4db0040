package domain

import (
	"errors"
	"fmt"
)

// ErrRevoked is returned by a progress callback when the task has a pending
// cancel signal. Task bodies must stop and return it.
var ErrRevoked = errors.New("task revoked")

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// ValidationError is returned when submitted task arguments are malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid task arguments: %s", e.Reason)
	}
	return fmt.Sprintf("invalid task arguments: %s %s", e.Field, e.Reason)
}

// RateLimitExceededError is returned when a task name exceeds its submission rate.
type RateLimitExceededError struct {
	TaskName string
	Limit    int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for task %q: limit is %d", e.TaskName, e.Limit)
}

// InvalidTaskTypeError is returned when no handler is registered for a task name.
type InvalidTaskTypeError struct {
	TaskName string
}

func (e *InvalidTaskTypeError) Error() string {
	return fmt.Sprintf("no handler registered for task %q", e.TaskName)
}

// InvalidTransitionError is returned when a write would move a task along an
// edge the state machine does not define.
type InvalidTransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// TaskAlreadyProcessedError is returned when a descriptor is re-delivered but
// the task has already left PENDING.
type TaskAlreadyProcessedError struct {
	TaskID string
	State  State
}

func (e *TaskAlreadyProcessedError) Error() string {
	return fmt.Sprintf("task %s already processed with state %s", e.TaskID, e.State)
}

// BrokerUnavailableError is returned when the queue or the cancel channel
// cannot be reached. Callers may retry.
type BrokerUnavailableError struct {
	Op  string
	Err error
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable during %s: %v", e.Op, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.Err }
