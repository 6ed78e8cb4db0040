package domain

import (
	"encoding/json"
	"time"
)

// State represents the states a task can be in.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRevoked State = "REVOKED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateRevoked
}

// TerminalStates lists every terminal state in a stable order.
func TerminalStates() []State {
	return []State{StateSuccess, StateFailure, StateRevoked}
}

// transitions is the task state machine. Terminal states have no entry.
var transitions = map[State][]State{
	StatePending: {StateStarted, StateRevoked},
	StateStarted: {StateSuccess, StateFailure, StateRevoked},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskError is the structured failure info stored on a FAILURE record.
type TaskError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Task is the core domain entity representing a unit of background work.
// Version increases by one on every write so readers can order snapshots.
type Task struct {
	ID        string          `json:"task_id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	State     State           `json:"state"`
	Progress  *int            `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *TaskError      `json:"error,omitempty"`
	Worker    string          `json:"worker,omitempty"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DateDone  *time.Time      `json:"date_done,omitempty"`
}

// NewTask returns a PENDING task.
func NewTask(id, name string, args json.RawMessage, now time.Time) *Task {
	return &Task{
		ID:        id,
		Name:      name,
		Args:      args,
		State:     StatePending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Descriptor is the serialized request to execute one task instance.
type Descriptor struct {
	TaskID string          `json:"task_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
}

// Descriptor builds the queue descriptor for t.
func (t *Task) Descriptor() Descriptor {
	return Descriptor{TaskID: t.ID, Name: t.Name, Args: t.Args}
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.DateDone != nil {
		d := *t.DateDone
		c.DateDone = &d
	}
	c.Args = append(json.RawMessage(nil), t.Args...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	if len(c.Result) == 0 {
		c.Result = nil
	}
	return &c
}

func (t *Task) moveTo(to State, now time.Time) error {
	if !CanTransition(t.State, to) {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: to}
	}
	t.State = to
	t.UpdatedAt = now
	t.Version++
	if to.IsTerminal() {
		t.Progress = nil
		done := now
		t.DateDone = &done
	}
	return nil
}

// Start claims the task for worker: PENDING -> STARTED with progress 0.
func (t *Task) Start(worker string, now time.Time) error {
	if err := t.moveTo(StateStarted, now); err != nil {
		return err
	}
	zero := 0
	t.Progress = &zero
	t.Worker = worker
	return nil
}

// SetProgress records percent (clamped to 0..100) on a STARTED task.
// Values lower than the current progress are ignored.
func (t *Task) SetProgress(percent int, now time.Time) error {
	if t.State != StateStarted {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: StateStarted}
	}
	percent = min(max(percent, 0), 100)
	if t.Progress != nil && percent < *t.Progress {
		return nil
	}
	t.Progress = &percent
	t.UpdatedAt = now
	t.Version++
	return nil
}

// Succeed moves a STARTED task to SUCCESS with result.
func (t *Task) Succeed(result json.RawMessage, now time.Time) error {
	if err := t.moveTo(StateSuccess, now); err != nil {
		return err
	}
	t.Result = result
	return nil
}

// Fail moves a STARTED task to FAILURE with structured error info.
func (t *Task) Fail(taskErr TaskError, now time.Time) error {
	if err := t.moveTo(StateFailure, now); err != nil {
		return err
	}
	t.Error = &taskErr
	return nil
}

// Revoke moves a PENDING or STARTED task to REVOKED.
func (t *Task) Revoke(now time.Time) error {
	return t.moveTo(StateRevoked, now)
}
