package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
	"github.com/ramiqadoumi/taskpulse/internal/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Subscriber is the Live Update Hub as seen by the WebSocket handler.
type Subscriber interface {
	Subscribe(ctx context.Context, taskID string) (*hub.Subscription, error)
	Unsubscribe(sub *hub.Subscription)
}

// WebSocket streams task snapshots to a client until the task finishes.
type WebSocket struct {
	hub      Subscriber
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocket creates a WebSocket handler backed by h.
func NewWebSocket(h Subscriber, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		hub:    h,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Stream handles GET /tasks/{task_id}/ws. The first message is the current
// snapshot; the connection is closed normally after the terminal one.
func (h *WebSocket) Stream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	log := h.logger.With(slog.String("task_id", taskID))

	// Subscribing before the upgrade lets an unknown id be a plain 404.
	sub, err := h.hub.Subscribe(r.Context(), taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: notFound.Error()})
			return
		}
		log.Error("subscribe failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	defer h.hub.Unsubscribe(sub)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				log.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
