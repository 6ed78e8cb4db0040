package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ramiqadoumi/taskpulse/pkg/telemetry"
	"github.com/ramiqadoumi/taskpulse/services/api/middleware"
)

// NewRouter wires every API route.
func NewRouter(rest *REST, ws *WebSocket, logger *slog.Logger, ready ...telemetry.ReadyFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20))

	r.Get("/healthz", rest.Healthz)
	r.Get("/readyz", telemetry.ReadyHandler(ready...))
	r.Get("/config", rest.Config)
	r.Get("/workers", rest.ListWorkers)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", rest.SubmitTask)
		r.Get("/", rest.ListTasks)
		r.Route("/{task_id}", func(r chi.Router) {
			r.Get("/", rest.GetTask)
			r.Delete("/", rest.CancelTask)
			r.Get("/ws", ws.Stream)
		})
	})
	return r
}
