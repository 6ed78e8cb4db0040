package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRevocationTTL bounds how long a cancel signal is kept for workers
// that have not picked the descriptor up yet.
const DefaultRevocationTTL = 24 * time.Hour

func revokedKey(taskID string) string { return "task:revoked:" + taskID }

// Revocations stores out-of-band cancel signals that workers poll between
// progress reports.
type Revocations struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRevocations creates a Revocations store. Zero ttl selects
// DefaultRevocationTTL.
func NewRevocations(client *redis.Client, ttl time.Duration) *Revocations {
	if ttl <= 0 {
		ttl = DefaultRevocationTTL
	}
	return &Revocations{client: client, ttl: ttl}
}

// Signal marks taskID as revoked.
func (r *Revocations) Signal(ctx context.Context, taskID string) error {
	if err := r.client.Set(ctx, revokedKey(taskID), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis signal revoke %s: %w", taskID, err)
	}
	return nil
}

// IsRevoked reports whether a cancel signal is pending for taskID.
func (r *Revocations) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis check revoke %s: %w", taskID, err)
	}
	return n > 0, nil
}
