package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ramiqadoumi/taskpulse/internal/broker"
	"github.com/ramiqadoumi/taskpulse/internal/domain"
	"github.com/ramiqadoumi/taskpulse/internal/store"
	"github.com/ramiqadoumi/taskpulse/internal/tasks"
	"github.com/ramiqadoumi/taskpulse/pkg/retry"
	"github.com/ramiqadoumi/taskpulse/pkg/telemetry"
)

// Error types stored on FAILURE records.
const (
	ErrTypeExecution   = "ExecutionFailure"
	ErrTypeTimeLimit   = "TimeLimitExceeded"
	ErrTypeInvalidTask = "InvalidTaskType"
)

// Archive mirrors task transitions and execution attempts to long-term storage.
type Archive interface {
	Save(ctx context.Context, task *domain.Task) error
	RecordExecution(ctx context.Context, exec *domain.TaskExecution) error
}

// Worker consumes descriptors from a broker source and executes them.
type Worker struct {
	name      string
	source    broker.Source
	records   store.Records
	tasks     *tasks.Registry
	workers   store.Workers
	archive   Archive
	logger    *slog.Logger
	sem       *semaphore.Weighted
	startedAt time.Time

	concurrency int
	timeout     time.Duration
	heartbeat   time.Duration
	terminal    retry.Config

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

func WithConcurrency(n int) Option            { return func(w *Worker) { w.concurrency = n } }
func WithTimeout(d time.Duration) Option      { return func(w *Worker) { w.timeout = d } }
func WithLogger(l *slog.Logger) Option        { return func(w *Worker) { w.logger = l } }
func WithArchive(a Archive) Option            { return func(w *Worker) { w.archive = a } }
func WithRegistry(r store.Workers) Option     { return func(w *Worker) { w.workers = r } }
func WithHeartbeat(d time.Duration) Option    { return func(w *Worker) { w.heartbeat = d } }
func WithTerminalRetry(c retry.Config) Option { return func(w *Worker) { w.terminal = c } }

// NewWorker constructs a Worker. The task catalogue is resolved here, once.
func NewWorker(name string, source broker.Source, records store.Records, catalogue *tasks.Registry, opts ...Option) *Worker {
	w := &Worker{
		name:        name,
		source:      source,
		records:     records,
		tasks:       catalogue,
		logger:      slog.Default(),
		concurrency: 4,
		heartbeat:   5 * time.Second,
		terminal:    retry.Config{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second},
		startedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	w.sem = semaphore.NewWeighted(int64(w.concurrency))
	w.terminal.Retryable = func(err error) bool { return !store.IsConflict(err) }
	return w
}

// Name returns the worker's registry name.
func (w *Worker) Name() string { return w.name }

// InFlight reports how many tasks are executing right now.
func (w *Worker) InFlight() int64 { return w.inFlight.Load() }

// Run registers the worker, consumes descriptors and blocks until ctx is
// cancelled. Call Wait afterwards to drain in-flight executions.
func (w *Worker) Run(ctx context.Context) error {
	if w.workers != nil {
		hbDone := make(chan struct{})
		go func() {
			defer close(hbDone)
			w.heartbeatLoop(ctx)
		}()
		defer func() {
			<-hbDone
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.workers.Deregister(dctx, w.name); err != nil {
				w.logger.Warn("deregister failed", slog.String("error", err.Error()))
			}
		}()
	}
	return w.source.Consume(ctx, w.dispatch)
}

// Wait blocks until all in-flight tasks finish. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) heartbeatLoop(ctx context.Context) {
	beat := func() {
		info := domain.WorkerInfo{
			Name:            w.name,
			MaxConcurrency:  w.concurrency,
			StartedAt:       w.startedAt,
			LastHeartbeat:   time.Now().UTC(),
			RegisteredTasks: w.tasks.Names(),
		}
		if err := w.workers.Heartbeat(ctx, info); err != nil && ctx.Err() == nil {
			w.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
		}
	}
	beat()
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// dispatch claims d and starts its execution in the background. A non-nil
// return asks the broker to redeliver d; nil means d is done with, either
// handed to an execution or skipped.
func (w *Worker) dispatch(ctx context.Context, d domain.Descriptor) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", d.TaskID),
		attribute.String("task.name", d.Name),
		attribute.String("worker.name", w.name),
	)
	log := w.logger.With(
		slog.String("task_id", d.TaskID),
		slog.String("task_name", d.Name),
	)

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire execution slot: %w", err)
	}
	release := true
	defer func() {
		if release {
			w.sem.Release(1)
		}
	}()

	// A cancel can land before any worker saw the descriptor.
	if cancelled, err := w.source.Cancelled(ctx, d.TaskID); err == nil && cancelled {
		if _, err := store.Revoke(ctx, w.records, d.TaskID); err != nil && !isSkippable(err) {
			return fmt.Errorf("revoke before start: %w", err)
		}
		log.Info("task revoked before start, skipping")
		telemetry.WorkerTasksSkipped.WithLabelValues("revoked").Inc()
		return nil
	}

	task, err := store.Claim(ctx, w.records, d.TaskID, w.name)
	if err != nil {
		if isSkippable(err) {
			log.Info("descriptor not claimable, skipping", slog.String("reason", err.Error()))
			telemetry.WorkerTasksSkipped.WithLabelValues(skipReason(err)).Inc()
			span.RecordError(err)
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim")
		return fmt.Errorf("claim task %s: %w", d.TaskID, err)
	}
	w.mirror(ctx, task, log)

	h, err := w.tasks.Get(d.Name)
	if err != nil {
		log.Error("no handler for task name", slog.String("error", err.Error()))
		w.finish(task, 0, nil, err, log)
		return nil
	}

	release = false
	w.wg.Add(1)
	w.inFlight.Add(1)
	telemetry.WorkerTasksInFlight.Inc()

	// Executions outlive the consumer context so shutdown drains them, but
	// their spans stay children of this dispatch.
	execCtx := trace.ContextWithSpanContext(context.Background(), span.SpanContext())
	go func() {
		defer func() {
			telemetry.WorkerTasksInFlight.Dec()
			w.inFlight.Add(-1)
			w.sem.Release(1)
			w.wg.Done()
		}()
		w.execute(execCtx, task, h, log)
	}()
	return nil
}

func (w *Worker) execute(ctx context.Context, task *domain.Task, h tasks.Handler, log *slog.Logger) {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.execute")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("task.name", task.Name))

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := w.run(ctx, task, h, log)
	elapsed := time.Since(start)
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(task.Name).Observe(elapsed.Seconds())

	if err != nil && !errors.Is(err, domain.ErrRevoked) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
	}
	w.finish(task, elapsed, result, err, log)
}

// run calls the handler, turning a panic into an error.
func (w *Worker) run(ctx context.Context, task *domain.Task, h tasks.Handler, log *slog.Logger) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Execute(ctx, task, w.progressFunc(task.ID))
}

// progressFunc is the callback handed to task bodies. It is the only point
// where a pending cancel signal reaches a running task.
func (w *Worker) progressFunc(taskID string) tasks.ProgressFunc {
	return func(ctx context.Context, percent int) error {
		cancelled, err := w.source.Cancelled(ctx, taskID)
		if err != nil {
			w.logger.Warn("cancel check failed",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
		} else if cancelled {
			return domain.ErrRevoked
		}
		if err := store.ReportProgress(ctx, w.records, taskID, percent); err != nil {
			if errors.Is(err, domain.ErrRevoked) {
				return domain.ErrRevoked
			}
			return fmt.Errorf("report progress: %w", err)
		}
		return nil
	}
}

// finish writes the terminal state for an execution outcome and mirrors it
// to the archive.
func (w *Worker) finish(task *domain.Task, elapsed time.Duration, result any, execErr error, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		final  *domain.Task
		taskEr *domain.TaskError
	)
	write := func() error {
		var err error
		switch {
		case execErr == nil:
			final, err = store.Complete(ctx, w.records, task.ID, result)
		case errors.Is(execErr, domain.ErrRevoked):
			final, err = store.Revoke(ctx, w.records, task.ID)
		default:
			taskEr = classify(execErr)
			final, err = store.Fail(ctx, w.records, task.ID, *taskEr)
		}
		return err
	}

	cfg := w.terminal
	cfg.OnRetry = func(attempt int, err error) {
		log.Warn("terminal write failed, retrying", slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
	if err := retry.Do(ctx, cfg, write); err != nil {
		var notFound *domain.TaskNotFoundError
		switch {
		case store.IsConflict(err) || errors.As(err, &notFound):
			// Revoked or deleted while running; the existing record wins.
			log.Info("task finished after it was closed elsewhere", slog.String("reason", err.Error()))
			telemetry.WorkerTasksSkipped.WithLabelValues("closed_elsewhere").Inc()
		default:
			log.Error("terminal write failed", slog.String("error", err.Error()))
		}
		return
	}

	durationMs := elapsed.Milliseconds()
	attrs := []any{slog.String("state", string(final.State)), slog.Int64("duration_ms", durationMs)}
	if taskEr != nil {
		log.Warn("task failed", append(attrs, slog.String("error", taskEr.Message))...)
	} else {
		log.Info("task finished", attrs...)
	}
	telemetry.WorkerTasksProcessed.WithLabelValues(task.Name, string(final.State)).Inc()

	w.mirror(ctx, final, log)
	if w.archive != nil {
		exec := &domain.TaskExecution{
			TaskID:     task.ID,
			WorkerName: w.name,
			State:      final.State,
			DurationMs: durationMs,
			ExecutedAt: time.Now().UTC(),
		}
		if taskEr != nil {
			exec.Error = taskEr.Message
		}
		if err := w.archive.RecordExecution(ctx, exec); err != nil {
			log.Error("failed to record execution", slog.String("error", err.Error()))
		}
	}
}

func (w *Worker) mirror(ctx context.Context, t *domain.Task, log *slog.Logger) {
	if w.archive == nil {
		return
	}
	if err := w.archive.Save(ctx, t); err != nil {
		log.Error("archive save failed", slog.String("error", err.Error()))
	}
}

func classify(err error) *domain.TaskError {
	var invalid *domain.InvalidTaskTypeError
	switch {
	case errors.As(err, &invalid):
		return &domain.TaskError{Type: ErrTypeInvalidTask, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.TaskError{Type: ErrTypeTimeLimit, Message: err.Error()}
	default:
		return &domain.TaskError{Type: ErrTypeExecution, Message: err.Error()}
	}
}

func isSkippable(err error) bool {
	var notFound *domain.TaskNotFoundError
	return store.IsConflict(err) || errors.As(err, &notFound)
}

func skipReason(err error) string {
	var notFound *domain.TaskNotFoundError
	if errors.As(err, &notFound) {
		return "not_found"
	}
	return "already_processed"
}
