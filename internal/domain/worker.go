package domain

import "time"

// WorkerInfo describes a live worker process as advertised by its heartbeat.
type WorkerInfo struct {
	Name            string    `json:"worker_name"`
	MaxConcurrency  int       `json:"max_concurrency"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	RegisteredTasks []string  `json:"registered_tasks"`
}

// Uptime returns how long the worker has been running as of now.
func (w WorkerInfo) Uptime(now time.Time) time.Duration {
	if w.StartedAt.IsZero() || now.Before(w.StartedAt) {
		return 0
	}
	return now.Sub(w.StartedAt)
}

// TaskExecution records a single execution attempt of a task.
type TaskExecution struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	WorkerName string    `json:"worker_name"`
	State      State     `json:"state"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}
