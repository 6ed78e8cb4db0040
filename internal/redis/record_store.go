package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
	"github.com/ramiqadoumi/taskpulse/internal/store"
)

const (
	// EventsChannel carries every written task snapshot as JSON.
	EventsChannel = "task:events"

	indexKey         = "tasks:index"
	activeTTL        = 24 * time.Hour
	DefaultResultTTL = time.Hour

	maxUpdateAttempts = 16
)

func recordKey(taskID string) string { return "task:" + taskID }

// RecordStore keeps one JSON snapshot per task in Redis. Writes are optimistic
// WATCH/MULTI transactions and every write is published on EventsChannel.
type RecordStore struct {
	client    *redis.Client
	resultTTL time.Duration
	logger    *slog.Logger
}

var _ store.Records = (*RecordStore)(nil)

// NewRecordStore creates a Redis-backed record store. Terminal records expire
// after resultTTL; zero selects DefaultResultTTL.
func NewRecordStore(client *redis.Client, resultTTL time.Duration, logger *slog.Logger) *RecordStore {
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordStore{client: client, resultTTL: resultTTL, logger: logger}
}

func (s *RecordStore) ttlFor(state domain.State) time.Duration {
	if state.IsTerminal() {
		return s.resultTTL
	}
	return activeTTL
}

func (s *RecordStore) Create(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	key := recordKey(task.ID)

	// The record, its index entry and the event commit together, so a failed
	// create leaves nothing behind.
	exists := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			exists = true
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttlFor(task.State))
			pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(task.CreatedAt.UnixNano()), Member: task.ID})
			pipe.Publish(ctx, EventsChannel, data)
			return nil
		})
		return err
	}, key)
	switch {
	case exists || errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("redis create %s: task already exists", task.ID)
	case err != nil:
		return fmt.Errorf("redis create %s: %w", task.ID, err)
	}
	return nil
}

func (s *RecordStore) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	data, err := s.client.Get(ctx, recordKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get %s: %w", taskID, err)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return &task, nil
}

// List reads the newest limit index entries and returns their records oldest
// first. Index members whose record has expired are pruned.
func (s *RecordStore) List(ctx context.Context, limit int) ([]*domain.Task, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list index: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Task{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget tasks: %w", err)
	}

	tasks := make([]*domain.Task, 0, len(values))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var t domain.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.logger.Warn("skipping unreadable task record",
				slog.String("task_id", ids[i]),
				slog.String("error", err.Error()),
			)
			continue
		}
		tasks = append(tasks, &t)
	}
	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, indexKey, expired...).Err(); err != nil {
			s.logger.Warn("prune task index", slog.String("error", err.Error()))
		}
	}

	slices.Reverse(tasks)
	return tasks, nil
}

// Update runs fn inside a WATCH on the record key and retries when another
// writer commits first.
func (s *RecordStore) Update(ctx context.Context, taskID string, fn store.MutateFunc) (*domain.Task, error) {
	key := recordKey(taskID)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var (
			written *domain.Task
			fnErr   error
		)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					fnErr = &domain.TaskNotFoundError{TaskID: taskID}
					return fnErr
				}
				return err
			}
			var t domain.Task
			if err := json.Unmarshal(data, &t); err != nil {
				return fmt.Errorf("unmarshal task %s: %w", taskID, err)
			}
			if err := fn(&t); err != nil {
				fnErr = err
				return err
			}
			payload, err := json.Marshal(&t)
			if err != nil {
				return fmt.Errorf("marshal task %s: %w", taskID, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttlFor(t.State))
				pipe.Publish(ctx, EventsChannel, payload)
				return nil
			})
			if err == nil {
				written = &t
			}
			return err
		}, key)

		switch {
		case fnErr != nil:
			return nil, fnErr
		case err == nil:
			return written, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, fmt.Errorf("redis update %s: %w", taskID, err)
		}
	}
	return nil, fmt.Errorf("redis update %s: too much contention after %d attempts", taskID, maxUpdateAttempts)
}

func (s *RecordStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(taskID))
		pipe.ZRem(ctx, indexKey, taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", taskID, err)
	}
	return nil
}

// Updates subscribes to EventsChannel. The returned channel is closed once
// ctx is done.
func (s *RecordStore) Updates(ctx context.Context) (<-chan *domain.Task, error) {
	sub := s.client.Subscribe(ctx, EventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", EventsChannel, err)
	}

	out := make(chan *domain.Task, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var t domain.Task
				if err := json.Unmarshal([]byte(msg.Payload), &t); err != nil {
					s.logger.Warn("discarding malformed task event", slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- &t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
