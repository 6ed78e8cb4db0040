package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
)

// TaskRepository is the long-term task archive. Redis holds the live record;
// the archive keeps snapshots and execution history after Redis expires them.
type TaskRepository interface {
	// Save records a snapshot. Version 1 inserts the row; later versions only
	// update a row that still exists, and never overwrite newer ones.
	Save(ctx context.Context, task *domain.Task) error
	RecordExecution(ctx context.Context, exec *domain.TaskExecution) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	Delete(ctx context.Context, id string) error
	// DeleteTerminalBefore removes terminal tasks finished before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// ListStranded returns STARTED tasks not updated since cutoff.
	ListStranded(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Task, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
func NewRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `id, name, args, state, result, error_type, error_message,
	worker, version, created_at, updated_at, date_done`

func (r *repository) Save(ctx context.Context, task *domain.Task) error {
	var errType, errMsg *string
	if task.Error != nil {
		errType, errMsg = &task.Error.Type, &task.Error.Message
	}
	var worker *string
	if task.Worker != "" {
		worker = &task.Worker
	}
	var result []byte
	if len(task.Result) > 0 {
		result = task.Result
	}

	// Only the submission snapshot creates a row. Later snapshots update an
	// existing row, so a task deleted while a worker was still mirroring it
	// stays deleted.
	var err error
	if task.Version <= 1 {
		_, err = r.pool.Exec(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING
		`,
			task.ID, task.Name, []byte(task.Args), string(task.State), result,
			errType, errMsg, worker, task.Version,
			task.CreatedAt, task.UpdatedAt, task.DateDone,
		)
	} else {
		_, err = r.pool.Exec(ctx, `
			UPDATE tasks SET
				state         = $2,
				result        = $3,
				error_type    = $4,
				error_message = $5,
				worker        = $6,
				version       = $7,
				updated_at    = $8,
				date_done     = $9
			WHERE id = $1 AND version < $7
		`,
			task.ID, string(task.State), result, errType, errMsg, worker,
			task.Version, task.UpdatedAt, task.DateDone,
		)
	}
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) RecordExecution(ctx context.Context, exec *domain.TaskExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	var execErr *string
	if exec.Error != "" {
		execErr = &exec.Error
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_executions
			(id, task_id, worker_name, state, duration_ms, error, executed_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM tasks WHERE id = $2)
	`,
		exec.ID, exec.TaskID, exec.WorkerName,
		string(exec.State), exec.DurationMs, execErr, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution for task %s: %w", exec.TaskID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)

	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, err
}

func (r *repository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (r *repository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM tasks
		WHERE state IN ('SUCCESS', 'FAILURE', 'REVOKED') AND date_done < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal tasks before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func (r *repository) ListStranded(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state = 'STARTED' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stranded tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type. pgx.ErrNoRows is
// returned unwrapped.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task            domain.Task
		state           string
		args, result    []byte
		errType, errMsg *string
		worker          *string
	)
	err := row.Scan(
		&task.ID, &task.Name, &args, &state, &result, &errType, &errMsg,
		&worker, &task.Version, &task.CreatedAt, &task.UpdatedAt, &task.DateDone,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.State = domain.State(state)
	task.Args = args
	if len(result) > 0 {
		task.Result = result
	}
	if errType != nil || errMsg != nil {
		task.Error = &domain.TaskError{}
		if errType != nil {
			task.Error.Type = *errType
		}
		if errMsg != nil {
			task.Error.Message = *errMsg
		}
	}
	if worker != nil {
		task.Worker = *worker
	}
	return &task, nil
}
