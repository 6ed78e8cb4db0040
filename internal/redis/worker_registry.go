package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
	"github.com/ramiqadoumi/taskpulse/internal/store"
)

const heartbeatKey = "workers:heartbeat"

func workerKey(name string) string { return "worker:" + name }

// WorkerRegistry tracks live workers. Each heartbeat scores the worker in a
// sorted set by time and refreshes its info key; workers silent for longer
// than the freshness window are dropped.
type WorkerRegistry struct {
	client    *redis.Client
	freshness time.Duration
	now       func() time.Time
}

var _ store.Workers = (*WorkerRegistry)(nil)

// NewWorkerRegistry creates a Redis-backed worker registry.
func NewWorkerRegistry(client *redis.Client, freshness time.Duration) *WorkerRegistry {
	return &WorkerRegistry{client: client, freshness: freshness, now: time.Now}
}

func (r *WorkerRegistry) Heartbeat(ctx context.Context, info domain.WorkerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker %s: %w", info.Name, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, workerKey(info.Name), data, r.freshness)
		pipe.ZAdd(ctx, heartbeatKey, redis.Z{Score: float64(info.LastHeartbeat.UnixMilli()), Member: info.Name})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis heartbeat %s: %w", info.Name, err)
	}
	return nil
}

func (r *WorkerRegistry) Deregister(ctx context.Context, name string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, workerKey(name))
		pipe.ZRem(ctx, heartbeatKey, name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis deregister %s: %w", name, err)
	}
	return nil
}

func (r *WorkerRegistry) ListWorkers(ctx context.Context) ([]domain.WorkerInfo, error) {
	cutoff := strconv.FormatInt(r.now().Add(-r.freshness).UnixMilli(), 10)

	if err := r.client.ZRemRangeByScore(ctx, heartbeatKey, "-inf", "("+cutoff).Err(); err != nil {
		return nil, fmt.Errorf("redis prune workers: %w", err)
	}
	names, err := r.client.ZRangeByScore(ctx, heartbeatKey, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list workers: %w", err)
	}
	workers := make([]domain.WorkerInfo, 0, len(names))
	if len(names) == 0 {
		return workers, nil
	}

	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = workerKey(n)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget workers: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var info domain.WorkerInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			continue
		}
		workers = append(workers, info)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers, nil
}
