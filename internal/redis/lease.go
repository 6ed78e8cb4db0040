package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
)

// Lease is a single-holder lock with expiry, used to elect one active
// instance among several replicas.
type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewLease creates a lease on key held under the owner identity.
func NewLease(client *redis.Client, key, owner string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, owner: owner, ttl: ttl}
}

// Acquire takes the lease if it is free or renews it if this owner already
// holds it. It reports whether the caller is the holder.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease setnx %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lease renew %s: %w", l.key, err)
	}
	return renewed == 1, nil
}

// Release gives the lease up if this owner holds it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release %s: %w", l.key, err)
	}
	return nil
}
