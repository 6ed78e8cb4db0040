// Package coordinator implements the API-side task operations: submit, read,
// list and cancel-or-delete.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/taskpulse/internal/broker"
	"github.com/ramiqadoumi/taskpulse/internal/domain"
	"github.com/ramiqadoumi/taskpulse/internal/store"
	"github.com/ramiqadoumi/taskpulse/pkg/retry"
	"github.com/ramiqadoumi/taskpulse/pkg/telemetry"
)

// DefaultListLimit bounds ListAll to the most recent submissions.
const DefaultListLimit = 100

// Validator checks submitted arguments for a task name.
type Validator interface {
	Validate(name string, args json.RawMessage) error
}

// Archive is the long-term copy of task records.
type Archive interface {
	Save(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	Delete(ctx context.Context, id string) error
}

// RateLimiter throttles submissions per task name.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// CancelEffect says what Cancel did.
type CancelEffect string

const (
	EffectRevoked CancelEffect = "revoked"
	EffectDeleted CancelEffect = "deleted"
	EffectNone    CancelEffect = "none"
)

// Coordinator validates and enqueues submissions and serves reads and
// cancellations against the record store.
type Coordinator struct {
	records   store.Records
	queue     broker.Queue
	validator Validator
	archive   Archive
	limiter   RateLimiter
	listLimit int
	publish   retry.Config
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithArchive(a Archive) Option         { return func(c *Coordinator) { c.archive = a } }
func WithRateLimiter(l RateLimiter) Option { return func(c *Coordinator) { c.limiter = l } }
func WithListLimit(n int) Option           { return func(c *Coordinator) { c.listLimit = n } }
func WithLogger(l *slog.Logger) Option     { return func(c *Coordinator) { c.logger = l } }

// WithPublishRetry sets how many times an enqueue is attempted before the
// submission is rolled back.
func WithPublishRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Coordinator) {
		c.publish.MaxAttempts = attempts
		c.publish.BaseDelay = baseDelay
	}
}

// New constructs a Coordinator.
func New(records store.Records, queue broker.Queue, validator Validator, opts ...Option) *Coordinator {
	c := &Coordinator{
		records:   records,
		queue:     queue,
		validator: validator,
		listLimit: DefaultListLimit,
		publish:   retry.Config{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		logger:    slog.Default(),
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit validates args for name, writes a PENDING record and enqueues its
// descriptor. If the descriptor cannot be enqueued the record is removed and
// a *domain.BrokerUnavailableError is returned.
func (c *Coordinator) Submit(ctx context.Context, name string, args json.RawMessage) (string, error) {
	ctx, span := otel.Tracer("coordinator").Start(ctx, "coordinator.submit")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name))

	if err := c.validator.Validate(name, args); err != nil {
		telemetry.APITasksSubmitted.WithLabelValues(name, "invalid").Inc()
		return "", err
	}

	if c.limiter != nil {
		ok, err := c.limiter.Allow(ctx, name)
		switch {
		case err != nil:
			c.logger.Warn("rate limiter unavailable, admitting submission",
				slog.String("task_name", name),
				slog.String("error", err.Error()),
			)
		case !ok:
			telemetry.APITasksSubmitted.WithLabelValues(name, "rate_limited").Inc()
			return "", &domain.RateLimitExceededError{TaskName: name, Limit: c.limiter.Limit()}
		}
	}

	task := domain.NewTask(c.newID(), name, args, c.now())
	span.SetAttributes(attribute.String("task.id", task.ID))
	log := c.logger.With(slog.String("task_id", task.ID), slog.String("task_name", name))

	if err := c.records.Create(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create record")
		return "", fmt.Errorf("create task record: %w", err)
	}
	if c.archive != nil {
		if err := c.archive.Save(ctx, task); err != nil {
			log.Warn("archive save failed", slog.String("error", err.Error()))
		}
	}

	cfg := c.publish
	cfg.OnRetry = func(attempt int, err error) {
		log.Warn("enqueue failed, retrying", slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
	d := task.Descriptor()
	if err := retry.Do(ctx, cfg, func() error { return c.queue.Enqueue(ctx, d) }); err != nil {
		c.rollback(task.ID, log)
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue")
		telemetry.APITasksSubmitted.WithLabelValues(name, "broker_unavailable").Inc()
		return "", &domain.BrokerUnavailableError{Op: "enqueue", Err: err}
	}

	log.Info("task submitted")
	telemetry.APITasksSubmitted.WithLabelValues(name, "accepted").Inc()
	return task.ID, nil
}

// rollback removes a record whose descriptor never reached the broker. It
// runs on a fresh context so a cancelled request still cleans up.
func (c *Coordinator) rollback(taskID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.records.Delete(ctx, taskID); err != nil {
		log.Error("rollback record failed", slog.String("error", err.Error()))
	}
	if c.archive != nil {
		if err := c.archive.Delete(ctx, taskID); err != nil {
			log.Error("rollback archive failed", slog.String("error", err.Error()))
		}
	}
}

// Get returns the current snapshot, falling back to the archive once the
// live record has expired.
func (c *Coordinator) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := c.records.Get(ctx, taskID)
	if err == nil {
		return t, nil
	}
	var notFound *domain.TaskNotFoundError
	if !errors.As(err, &notFound) || c.archive == nil {
		return nil, err
	}

	archived, aerr := c.archive.GetByID(ctx, taskID)
	if aerr != nil {
		if !errors.As(aerr, &notFound) {
			c.logger.Warn("archive lookup failed",
				slog.String("task_id", taskID),
				slog.String("error", aerr.Error()),
			)
		}
		return nil, err
	}
	return archived, nil
}

// ListAll returns the most recent records ordered by submission time.
func (c *Coordinator) ListAll(ctx context.Context) ([]*domain.Task, error) {
	return c.records.List(ctx, c.listLimit)
}

// Cancel revokes a non-terminal task or deletes a terminal one. Unknown ids
// are a no-op. The returned task is the last known snapshot, nil when the
// task was unknown.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) (*domain.Task, CancelEffect, error) {
	ctx, span := otel.Tracer("coordinator").Start(ctx, "coordinator.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))
	log := c.logger.With(slog.String("task_id", taskID))

	t, err := c.Get(ctx, taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			telemetry.APITasksCancelled.WithLabelValues(string(EffectNone)).Inc()
			return nil, EffectNone, nil
		}
		return nil, "", err
	}

	if t.State.IsTerminal() {
		if err := c.delete(ctx, taskID); err != nil {
			return nil, "", err
		}
		log.Info("terminal task deleted", slog.String("state", string(t.State)))
		telemetry.APITasksCancelled.WithLabelValues(string(EffectDeleted)).Inc()
		return t, EffectDeleted, nil
	}

	if err := c.queue.SignalCancel(ctx, taskID); err != nil {
		span.RecordError(err)
		return nil, "", &domain.BrokerUnavailableError{Op: "cancel", Err: err}
	}

	// A worker may move the task between our read and write. Retry once on
	// a conflict; if the task became terminal meanwhile, leave it alone.
	for attempt := 0; attempt < 2; attempt++ {
		revoked, err := store.Revoke(ctx, c.records, taskID)
		if err == nil {
			if c.archive != nil {
				if aerr := c.archive.Save(ctx, revoked); aerr != nil {
					log.Warn("archive save failed", slog.String("error", aerr.Error()))
				}
			}
			log.Info("task revoked")
			telemetry.APITasksCancelled.WithLabelValues(string(EffectRevoked)).Inc()
			return revoked, EffectRevoked, nil
		}

		var notFound *domain.TaskNotFoundError
		switch {
		case errors.As(err, &notFound):
			telemetry.APITasksCancelled.WithLabelValues(string(EffectNone)).Inc()
			return nil, EffectNone, nil
		case !store.IsConflict(err):
			return nil, "", fmt.Errorf("revoke task %s: %w", taskID, err)
		}

		cur, gerr := c.records.Get(ctx, taskID)
		if gerr != nil {
			return nil, "", fmt.Errorf("reload task %s: %w", taskID, gerr)
		}
		if cur.State.IsTerminal() {
			log.Info("task finished before it could be revoked", slog.String("state", string(cur.State)))
			telemetry.APITasksCancelled.WithLabelValues(string(EffectNone)).Inc()
			return cur, EffectNone, nil
		}
	}
	return nil, "", fmt.Errorf("revoke task %s: state kept changing", taskID)
}

func (c *Coordinator) delete(ctx context.Context, taskID string) error {
	if err := c.records.Delete(ctx, taskID); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	// The live record is gone. A leftover archive row is removed by a repeated
	// cancel or by the sweeper's retention pass.
	if c.archive != nil {
		if err := c.archive.Delete(ctx, taskID); err != nil {
			c.logger.Warn("archive delete failed",
				slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// TerminalStates lists the states from which no transition is defined.
func (c *Coordinator) TerminalStates() []domain.State {
	return domain.TerminalStates()
}
