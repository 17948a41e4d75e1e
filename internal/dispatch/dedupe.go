package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper guards quota confirmation against redelivered jobs: only the
// first observer of a message id counts it.
type Deduper interface {
	// FirstDelivery reports whether this message id has not been seen
	// before. Exactly one caller per id ever gets true.
	FirstDelivery(ctx context.Context, messageID string) (bool, error)
}

const dedupeTTL = 48 * time.Hour

// RedisDeduper marks message ids with a SETNX key shared across worker
// processes.
type RedisDeduper struct {
	client *redis.Client
}

// NewRedisDeduper creates a Redis-backed deduper.
func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) FirstDelivery(ctx context.Context, messageID string) (bool, error) {
	key := fmt.Sprintf("warmup:dedupe:%s", messageID)
	ok, err := d.client.SetNX(ctx, key, 1, dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// noopDeduper treats every delivery as the first. Fine without Redis,
// where only one process confirms quota anyway.
type noopDeduper struct{}

func (noopDeduper) FirstDelivery(ctx context.Context, messageID string) (bool, error) {
	return true, nil
}
