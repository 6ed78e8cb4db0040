// Package sweeper runs periodic housekeeping over the task archive: retention
// of finished tasks and detection of stranded ones.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
	"github.com/ramiqadoumi/taskpulse/pkg/telemetry"
)

// DefaultSchedule runs a sweep once a minute.
const DefaultSchedule = "@every 1m"

// Archive is the subset of the Postgres repository the sweeper needs.
type Archive interface {
	Save(ctx context.Context, task *domain.Task) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListStranded(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Task, error)
}

// Records reads the live record of a task.
type Records interface {
	Get(ctx context.Context, taskID string) (*domain.Task, error)
}

// Leader elects the single active sweeper.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Report summarises one sweep.
type Report struct {
	Leader   bool
	Deleted  int64
	Stranded []*domain.Task
	Repaired int
}

// Sweeper deletes old terminal tasks from the archive and reports STARTED
// tasks that stopped making progress. It never changes a stranded task.
type Sweeper struct {
	archive Archive
	records Records
	leader  Leader
	logger  *slog.Logger
	now     func() time.Time

	retention     time.Duration
	strandedAfter time.Duration
	scanLimit     int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithRetention(d time.Duration) Option     { return func(s *Sweeper) { s.retention = d } }
func WithStrandedAfter(d time.Duration) Option { return func(s *Sweeper) { s.strandedAfter = d } }
func WithScanLimit(n int) Option               { return func(s *Sweeper) { s.scanLimit = n } }
func WithLogger(l *slog.Logger) Option         { return func(s *Sweeper) { s.logger = l } }

// New constructs a Sweeper. records may be nil, in which case the archive
// alone decides what is stranded.
func New(archive Archive, records Records, leader Leader, opts ...Option) *Sweeper {
	s := &Sweeper{
		archive:       archive,
		records:       records,
		leader:        leader,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		retention:     24 * time.Hour,
		strandedAfter: 15 * time.Minute,
		scanLimit:     500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on schedule until ctx is cancelled, then waits for a running
// sweep to finish and gives up the lease.
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	c.Start()
	s.logger.Info("sweeper started", slog.String("schedule", schedule))
	<-ctx.Done()
	<-c.Stop().Done()

	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.leader.Release(rctx)
}

// Sweep runs one pass if this instance holds the lease.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	ctx, span := otel.Tracer("sweeper").Start(ctx, "sweeper.sweep")
	defer span.End()

	var report Report
	ok, err := s.leader.Acquire(ctx)
	if err != nil {
		return report, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		s.logger.Debug("not the active sweeper, skipping")
		return report, nil
	}
	report.Leader = true
	now := s.now()

	deleted, err := s.archive.DeleteTerminalBefore(ctx, now.Add(-s.retention))
	if err != nil {
		return report, err
	}
	report.Deleted = deleted
	telemetry.SweeperDeletedTotal.Add(float64(deleted))

	cutoff := now.Add(-s.strandedAfter)
	candidates, err := s.archive.ListStranded(ctx, cutoff, s.scanLimit)
	if err != nil {
		return report, err
	}
	for _, t := range candidates {
		stranded, err := s.confirm(ctx, t, cutoff)
		if err != nil {
			return report, err
		}
		switch {
		case stranded != nil:
			report.Stranded = append(report.Stranded, stranded)
			s.logger.Warn("stranded task",
				slog.String("task_id", stranded.ID),
				slog.String("task_name", stranded.Name),
				slog.String("worker_name", stranded.Worker),
				slog.Time("updated_at", stranded.UpdatedAt),
			)
		case t.State != domain.StateStarted:
			report.Repaired++
		}
	}
	telemetry.SweeperStrandedTasks.Set(float64(len(report.Stranded)))
	span.SetAttributes(
		attribute.Int64("sweep.deleted", report.Deleted),
		attribute.Int("sweep.stranded", len(report.Stranded)),
	)

	if report.Deleted > 0 || len(report.Stranded) > 0 || report.Repaired > 0 {
		s.logger.Info("sweep finished",
			slog.Int64("deleted", report.Deleted),
			slog.Int("stranded", len(report.Stranded)),
			slog.Int("repaired", report.Repaired),
		)
	}
	return report, nil
}

// confirm checks an archive candidate against the live record. The archive
// only sees claims and terminal writes, so a task still reporting progress
// looks idle there. A live record that already finished is copied back to
// the archive and t is updated in place.
func (s *Sweeper) confirm(ctx context.Context, t *domain.Task, cutoff time.Time) (*domain.Task, error) {
	if s.records == nil {
		return t, nil
	}
	live, err := s.records.Get(ctx, t.ID)
	var notFound *domain.TaskNotFoundError
	switch {
	case errors.As(err, &notFound):
		return t, nil
	case err != nil:
		return nil, fmt.Errorf("read live record %s: %w", t.ID, err)
	}

	if live.State.IsTerminal() {
		if err := s.archive.Save(ctx, live); err != nil {
			return nil, err
		}
		t.State = live.State
		return nil, nil
	}
	if live.State == domain.StateStarted && live.UpdatedAt.Before(cutoff) {
		return live, nil
	}
	return nil, nil
}
