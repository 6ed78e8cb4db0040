package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
)

const (
	SleepTaskName = "sleep_task"

	// MaxSleepDuration is the largest duration accepted at submission, in seconds.
	MaxSleepDuration = 300

	sleepSteps = 10
)

// SleepArgs is the argument schema of sleep_task.
type SleepArgs struct {
	Duration int `json:"duration" validate:"required,gt=0,lte=300"`
}

// SleepResult is the payload stored on a successful sleep_task.
type SleepResult struct {
	Duration int    `json:"duration"`
	Message  string `json:"message"`
}

// SleepHandler sleeps for the requested duration in ten even steps,
// reporting progress after each one.
type SleepHandler struct {
	maxTimeout time.Duration
	unit       time.Duration
}

// SleepOption configures a SleepHandler.
type SleepOption func(*SleepHandler)

// WithTimeUnit sets the length of one duration unit (default one second).
func WithTimeUnit(d time.Duration) SleepOption { return func(h *SleepHandler) { h.unit = d } }

// NewSleepHandler creates a SleepHandler. A task still running once
// maxTimeout has elapsed fails; zero disables the limit.
func NewSleepHandler(maxTimeout time.Duration, opts ...SleepOption) *SleepHandler {
	h := &SleepHandler{maxTimeout: maxTimeout, unit: time.Second}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *SleepHandler) Name() string { return SleepTaskName }

func (h *SleepHandler) Validate(args json.RawMessage) error {
	var a SleepArgs
	return decodeArgs(args, &a)
}

func (h *SleepHandler) Execute(ctx context.Context, task *domain.Task, progress ProgressFunc) (any, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "task.sleep")
	defer span.End()

	var a SleepArgs
	if err := decodeArgs(task.Args, &a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid args")
		return nil, err
	}
	span.SetAttributes(attribute.Int("sleep.duration", a.Duration))

	total := time.Duration(a.Duration) * h.unit
	step := total / sleepSteps

	// Only a run longer than maxTimeout can hit it. It then fails once
	// maxTimeout of wall time has passed, whatever step it is in.
	var deadline <-chan time.Time
	if h.maxTimeout > 0 && total > h.maxTimeout {
		limit := time.NewTimer(h.maxTimeout)
		defer limit.Stop()
		deadline = limit.C
	}

	timer := time.NewTimer(step)
	defer timer.Stop()

	for i := 1; i <= sleepSteps; i++ {
		if i > 1 {
			timer.Reset(step)
		}
		select {
		case <-timer.C:
		case <-deadline:
			err := fmt.Errorf("task duration %ds exceeds worker max timeout of %s", a.Duration, h.maxTimeout)
			span.RecordError(err)
			span.SetStatus(codes.Error, "max timeout exceeded")
			return nil, err
		case <-ctx.Done():
			return nil, fmt.Errorf("sleep interrupted: %w", ctx.Err())
		}
		if err := progress(ctx, i*100/sleepSteps); err != nil {
			return nil, err
		}
	}

	return SleepResult{
		Duration: a.Duration,
		Message:  fmt.Sprintf("Slept for %d seconds", a.Duration),
	}, nil
}
