// Package hub fans task snapshots out to live subscribers.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
	"github.com/ramiqadoumi/taskpulse/internal/store"
	"github.com/ramiqadoumi/taskpulse/pkg/retry"
	"github.com/ramiqadoumi/taskpulse/pkg/telemetry"
)

// Archive answers for tasks whose live record has expired.
type Archive interface {
	GetByID(ctx context.Context, id string) (*domain.Task, error)
}

// Hub keeps the per-task subscriber sets of one API process.
type Hub struct {
	records store.Records
	archive Archive
	logger  *slog.Logger
	backoff time.Duration
	live    atomic.Bool

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithArchive sets the fallback used when a subscribed task has no live record.
func WithArchive(a Archive) Option { return func(h *Hub) { h.archive = a } }

// WithBackoff sets the base delay between attempts to attach to the update
// stream.
func WithBackoff(d time.Duration) Option { return func(h *Hub) { h.backoff = d } }

// New creates a Hub reading snapshots from records.
func New(records store.Records, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		records: records,
		logger:  logger,
		backoff: 200 * time.Millisecond,
		subs:    make(map[string]map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscription receives snapshots of one task. Snapshots a slow reader has
// not taken yet are replaced by newer ones. The channel is closed after the
// terminal snapshot or on Unsubscribe.
type Subscription struct {
	TaskID string

	ch chan *domain.Task

	mu          sync.Mutex
	closed      bool
	lastVersion int64
}

// C returns the snapshot channel.
func (s *Subscription) C() <-chan *domain.Task { return s.ch }

// deliver offers t unless it is older than what was already offered.
func (s *Subscription) deliver(t *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || t.Version <= s.lastVersion {
		return
	}
	s.lastVersion = t.Version
	select {
	case s.ch <- t:
	default:
		select {
		case <-s.ch:
		default:
		}
		s.ch <- t
	}
	telemetry.HubPushesTotal.Inc()
}

// close reports whether this call closed the channel.
func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Subscribe registers for updates of taskID and immediately delivers its
// current snapshot. An already terminal task yields that snapshot and a
// closed channel. Unknown tasks return *domain.TaskNotFoundError.
func (h *Hub) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	sub := &Subscription{TaskID: taskID, ch: make(chan *domain.Task, 1)}

	// Register before reading so no write between the read and the
	// registration is missed.
	h.mu.Lock()
	set, ok := h.subs[taskID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[taskID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	telemetry.HubSubscribers.Inc()

	snap, err := h.records.Get(ctx, taskID)
	var notFound *domain.TaskNotFoundError
	if errors.As(err, &notFound) && h.archive != nil {
		// The live record expired; the archived snapshot is the last one.
		archived, aerr := h.archive.GetByID(ctx, taskID)
		if aerr == nil {
			sub.deliver(archived)
			h.Unsubscribe(sub)
			return sub, nil
		}
		if !errors.As(aerr, &notFound) {
			h.logger.Warn("archive lookup failed",
				slog.String("task_id", taskID), slog.String("error", aerr.Error()))
		}
	}
	if err != nil {
		h.Unsubscribe(sub)
		return nil, fmt.Errorf("subscribe %s: %w", taskID, err)
	}
	sub.deliver(snap)
	if snap.State.IsTerminal() {
		h.Unsubscribe(sub)
	}
	return sub, nil
}

// Unsubscribe detaches sub and closes its channel. Safe to call repeatedly
// and after the hub closed it.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.TaskID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.TaskID)
		}
	}
	h.mu.Unlock()
	if sub.close() {
		telemetry.HubSubscribers.Dec()
	}
}

// Publish pushes t to every subscriber of t.ID. A terminal snapshot is the
// last one: its subscribers are closed and evicted.
func (h *Hub) Publish(t *domain.Task) {
	h.mu.Lock()
	set := h.subs[t.ID]
	subs := make([]*Subscription, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	if t.State.IsTerminal() {
		delete(h.subs, t.ID)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(t)
		if t.State.IsTerminal() && sub.close() {
			telemetry.HubSubscribers.Dec()
		}
	}
}

// Subscribers reports how many subscriptions are attached to taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}

// Live reports whether Run is currently attached to the update stream.
func (h *Hub) Live() bool { return h.live.Load() }

// Ready fails while Run is not attached to the update stream.
func (h *Hub) Ready(context.Context) error {
	if !h.live.Load() {
		return errors.New("live update stream not attached")
	}
	return nil
}

// Run feeds every record store write into Publish until ctx is done, then
// closes all remaining subscriptions. A failed or closed update stream is
// reattached with backoff, and current subscribers are resynced from the
// record store after each reattach.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	defer h.live.Store(false)

	for ctx.Err() == nil {
		updates, err := h.attach(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.logger.Error("live update stream unavailable", slog.String("error", err.Error()))
			continue
		}
		h.live.Store(true)
		h.logger.Info("live update hub attached")
		h.resync(ctx)

		if !h.forward(ctx, updates) {
			return nil
		}
		h.live.Store(false)
		h.logger.Warn("live update stream closed, reattaching")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.backoff):
		}
	}
	return nil
}

func (h *Hub) attach(ctx context.Context) (<-chan *domain.Task, error) {
	var updates <-chan *domain.Task
	cfg := retry.Config{
		MaxAttempts: 5,
		BaseDelay:   h.backoff,
		MaxDelay:    10 * time.Second,
		OnRetry: func(attempt int, err error) {
			h.logger.Warn("hub updates subscribe failed, retrying",
				slog.Int("attempt", attempt), slog.String("error", err.Error()))
		},
	}
	err := retry.Do(ctx, cfg, func() error {
		var err error
		updates, err = h.records.Updates(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("hub updates: %w", err)
	}
	return updates, nil
}

// forward publishes from updates until the channel closes. It returns false
// once ctx is done.
func (h *Hub) forward(ctx context.Context, updates <-chan *domain.Task) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case t, ok := <-updates:
			if !ok {
				return ctx.Err() == nil
			}
			h.Publish(t)
		}
	}
}

// resync republishes the current record of every subscribed task so writes
// made while detached are not lost.
func (h *Hub) resync(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		snap, err := h.records.Get(ctx, id)
		if err != nil {
			continue
		}
		h.Publish(snap)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	var all []*Subscription
	for id, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
		delete(h.subs, id)
	}
	h.mu.Unlock()

	for _, sub := range all {
		if sub.close() {
			telemetry.HubSubscribers.Dec()
		}
	}
}
