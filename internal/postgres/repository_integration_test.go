//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
	"github.com/ramiqadoumi/taskpulse/internal/postgres"
)

var testPostgresDSN string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("taskpulse"),
		tcPostgres.WithUsername("taskpulse"),
		tcPostgres.WithPassword("taskpulse"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	testPostgresDSN = dsn

	if err := postgres.Migrate(ctx, dsn, "up", nil); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	return m.Run()
}

// newRepo creates a repository connected to the test container and truncates
// the tables on cleanup.
func newRepo(t *testing.T) postgres.TaskRepository {
	t.Helper()
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE task_executions, tasks CASCADE") //nolint:errcheck
		pool.Close()
	})
	return postgres.NewRepository(pool)
}

func makeTask(name string) *domain.Task {
	return domain.NewTask(uuid.New().String(), name, json.RawMessage(`{"duration":5}`), time.Now().UTC())
}

func TestPostgres_Save_GetByID(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	task := makeTask("sleep_task")
	require.NoError(t, repo.Save(ctx, task))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "sleep_task", got.Name)
	assert.Equal(t, domain.StatePending, got.State)
	assert.JSONEq(t, `{"duration":5}`, string(got.Args))
	assert.Nil(t, got.DateDone)
	assert.Nil(t, got.Result)
}

func TestPostgres_GetByID_NotFound(t *testing.T) {
	_, err := newRepo(t).GetByID(context.Background(), "does-not-exist")

	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "does-not-exist", notFound.TaskID)
}

func TestPostgres_Save_NeverRegressesVersion(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := makeTask("sleep_task")
	require.NoError(t, repo.Save(ctx, task))

	stale := task.Clone()
	require.NoError(t, task.Start("w1", now))
	require.NoError(t, task.Succeed(json.RawMessage(`{"duration":5}`), now))
	require.NoError(t, repo.Save(ctx, task))

	require.NoError(t, stale.Start("w2", now))
	require.NoError(t, repo.Save(ctx, stale), "stale snapshot is ignored, not an error")

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, got.State)
	assert.Equal(t, "w1", got.Worker)
	require.NotNil(t, got.DateDone)
	assert.JSONEq(t, `{"duration":5}`, string(got.Result))
}

func TestPostgres_FailureErrorRoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := makeTask("calculation_task")
	require.NoError(t, repo.Save(ctx, task))
	require.NoError(t, task.Start("w1", now))
	require.NoError(t, task.Fail(domain.TaskError{Type: "ExecutionFailure", Message: "integer overflow"}, now))
	require.NoError(t, repo.Save(ctx, task))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "ExecutionFailure", got.Error.Type)
	assert.Equal(t, "integer overflow", got.Error.Message)
}

func TestPostgres_RecordExecution(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	task := makeTask("sleep_task")
	require.NoError(t, repo.Save(ctx, task))

	exec := &domain.TaskExecution{
		TaskID:     task.ID,
		WorkerName: "worker-1",
		State:      domain.StateSuccess,
		DurationMs: 42,
	}
	require.NoError(t, repo.RecordExecution(ctx, exec))
	assert.NotEmpty(t, exec.ID)
	assert.False(t, exec.ExecutedAt.IsZero())

	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	defer pool.Close()
	var count int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT count(*) FROM task_executions WHERE task_id = $1", task.ID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPostgres_DeleteTerminalBefore(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	finished := makeTask("sleep_task")
	require.NoError(t, repo.Save(ctx, finished))
	require.NoError(t, finished.Start("w1", old))
	require.NoError(t, finished.Revoke(old))
	require.NoError(t, repo.Save(ctx, finished))

	running := makeTask("sleep_task")
	require.NoError(t, repo.Save(ctx, running))
	require.NoError(t, running.Start("w1", old))
	require.NoError(t, repo.Save(ctx, running))

	n, err := repo.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetByID(ctx, running.ID)
	assert.NoError(t, err, "non-terminal tasks are kept")

	stranded, err := repo.ListStranded(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, running.ID, stranded[0].ID)
}

func TestPostgres_DeleteIsIdempotent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	task := makeTask("sleep_task")
	require.NoError(t, repo.Save(ctx, task))

	require.NoError(t, repo.Delete(ctx, task.ID))
	require.NoError(t, repo.Delete(ctx, task.ID))
}

func TestPostgres_Save_DeletedTaskStaysDeleted(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := makeTask("sleep_task")
	require.NoError(t, repo.Save(ctx, task))
	require.NoError(t, task.Start("w1", now))
	require.NoError(t, task.Succeed(json.RawMessage(`{"duration":5}`), now))

	require.NoError(t, repo.Delete(ctx, task.ID))
	require.NoError(t, repo.Save(ctx, task), "a late snapshot of a deleted task is a no-op")
	require.NoError(t, repo.RecordExecution(ctx, &domain.TaskExecution{
		TaskID:     task.ID,
		WorkerName: "w1",
		State:      domain.StateSuccess,
	}), "executions of a deleted task are dropped")

	_, err := repo.GetByID(ctx, task.ID)
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}
