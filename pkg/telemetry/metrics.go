package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Task submissions, labelled by task name and outcome.",
	}, []string{"name", "outcome"})

	APITasksCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "api",
		Name:      "tasks_cancelled_total",
		Help:      "DELETE /tasks/{id} calls, labelled by effect (revoked, deleted, noop).",
	}, []string{"effect"})

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpulse",
		Subsystem: "hub",
		Name:      "subscribers",
		Help:      "Live update subscribers currently attached.",
	})

	HubPushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "hub",
		Name:      "pushes_total",
		Help:      "Snapshots delivered to subscribers.",
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Tasks finished, labelled by task name and terminal state.",
	}, []string{"name", "state"})

	WorkerTasksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "worker",
		Name:      "tasks_skipped_total",
		Help:      "Descriptors dropped without execution, labelled by reason.",
	}, []string{"reason"})

	WorkerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpulse",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskpulse",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Task execution time in seconds.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 180, 300},
	}, []string{"name"})

	// ─── Sweeper ─────────────────────────────────────────────────────────────────

	SweeperDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "sweeper",
		Name:      "archived_deleted_total",
		Help:      "Archived terminal tasks removed by retention.",
	})

	SweeperStrandedTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpulse",
		Subsystem: "sweeper",
		Name:      "stranded_tasks",
		Help:      "STARTED tasks with no update within the stranded threshold at the last sweep.",
	})
)
