package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/taskpulse/internal/coordinator"
	"github.com/ramiqadoumi/taskpulse/internal/domain"
)

// Tasks is the coordinator surface served over HTTP.
type Tasks interface {
	Submit(ctx context.Context, name string, args json.RawMessage) (string, error)
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	ListAll(ctx context.Context) ([]*domain.Task, error)
	Cancel(ctx context.Context, taskID string) (*domain.Task, coordinator.CancelEffect, error)
	TerminalStates() []domain.State
}

// Workers lists live workers.
type Workers interface {
	ListWorkers(ctx context.Context) ([]domain.WorkerInfo, error)
}

// REST handles the task, worker and config routes.
type REST struct {
	tasks   Tasks
	workers Workers
	logger  *slog.Logger
	now     func() time.Time
}

// NewREST creates a new REST handler.
func NewREST(tasks Tasks, workers Workers, logger *slog.Logger) *REST {
	if logger == nil {
		logger = slog.Default()
	}
	return &REST{tasks: tasks, workers: workers, logger: logger, now: time.Now}
}

// SubmitTaskRequest is the JSON body for POST /tasks.
type SubmitTaskRequest struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// SubmitTaskResponse is the 201 response body.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// CancelTaskResponse is the DELETE /tasks/{task_id} response body. Effect is
// "revoked", "deleted" or "none".
type CancelTaskResponse struct {
	TaskID string       `json:"task_id"`
	Effect string       `json:"effect"`
	Task   *domain.Task `json:"task,omitempty"`
}

// WorkerResponse is one entry of GET /workers.
type WorkerResponse struct {
	Name            string   `json:"worker_name"`
	MaxConcurrency  int      `json:"max_concurrency"`
	UptimeSeconds   int64    `json:"uptime"`
	RegisteredTasks []string `json:"registered_tasks"`
}

// ConfigResponse is the GET /config body.
type ConfigResponse struct {
	TerminalStates []domain.State `json:"terminal_states"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// SubmitTask handles POST /tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.submit_task")
	defer span.End()

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		h.writeError(w, r, &domain.ValidationError{Field: "body", Reason: "must be a JSON object"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.writeError(w, r, &domain.ValidationError{Field: "name", Reason: "is required"})
		return
	}
	span.SetAttributes(attribute.String("task.name", req.Name))

	id, err := h.tasks.Submit(ctx, req.Name, req.Args)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/tasks/"+id)
	writeJSON(w, http.StatusCreated, SubmitTaskResponse{TaskID: id})
}

// ListTasks handles GET /tasks.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := h.tasks.ListAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetTask handles GET /tasks/{task_id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask handles DELETE /tasks/{task_id}. Running tasks are revoked,
// finished ones deleted and unknown ids ignored; all three answer 200.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	t, effect, err := h.tasks.Cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelTaskResponse{TaskID: id, Effect: string(effect), Task: t})
}

// ListWorkers handles GET /workers.
func (h *REST) ListWorkers(w http.ResponseWriter, r *http.Request) {
	live, err := h.workers.ListWorkers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.now()
	out := make([]WorkerResponse, 0, len(live))
	for _, wi := range live {
		registered := wi.RegisteredTasks
		if registered == nil {
			registered = []string{}
		}
		out = append(out, WorkerResponse{
			Name:            wi.Name,
			MaxConcurrency:  wi.MaxConcurrency,
			UptimeSeconds:   int64(wi.Uptime(now).Seconds()),
			RegisteredTasks: registered,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Config handles GET /config.
func (h *REST) Config(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ConfigResponse{TerminalStates: h.tasks.TerminalStates()})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps domain errors to status codes. Unexpected errors are
// logged and answered with a generic 500.
func (h *REST) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *domain.ValidationError
		invalid    *domain.InvalidTaskTypeError
		notFound   *domain.TaskNotFoundError
		limited    *domain.RateLimitExceededError
		broker     *domain.BrokerUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: validation.Error(), Field: validation.Field})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: invalid.Error(), Field: "name"})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: notFound.Error()})
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: limited.Error()})
	case errors.As(err, &broker):
		h.logger.Error("broker unavailable",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "task queue unavailable, retry later"})
	default:
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
