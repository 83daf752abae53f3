package sequencer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/liveflow/internal/runtime/keyed"
)

// CounterStore hands out per-conversation sequence numbers starting at 1.
type CounterStore interface {
	Next(ctx context.Context, conversationID string) (uint64, error)
	Reset(ctx context.Context, conversationID string) error
}

// MemoryCounter keeps counters in process memory.
type MemoryCounter struct {
	counters *keyed.Map[*atomic.Uint64]
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counters: keyed.New[*atomic.Uint64](0)}
}

func (c *MemoryCounter) Next(_ context.Context, conversationID string) (uint64, error) {
	ctr, _ := c.counters.GetOrCreate(conversationID, func() *atomic.Uint64 { return new(atomic.Uint64) })
	return ctr.Add(1), nil
}

func (c *MemoryCounter) Reset(_ context.Context, conversationID string) error {
	c.counters.Delete(conversationID)
	return nil
}

// RedisClient is the subset of go-redis used by RedisCounter.
type RedisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisCounter shares counters between liveflow processes through INCR.
type RedisCounter struct {
	rdb    RedisClient
	prefix string
}

// DefaultRedisPrefix namespaces counter keys.
const DefaultRedisPrefix = "liveflow:seq:"

func NewRedisCounter(rdb RedisClient) *RedisCounter {
	return &RedisCounter{rdb: rdb, prefix: DefaultRedisPrefix}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (c *RedisCounter) key(conversationID string) string {
	return c.prefix + conversationID
}

func (c *RedisCounter) Next(ctx context.Context, conversationID string) (uint64, error) {
	n, err := c.rdb.Incr(ctx, c.key(conversationID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr sequence for %s: %w", conversationID, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("incr sequence for %s: unexpected value %d", conversationID, n)
	}
	return uint64(n), nil
}

func (c *RedisCounter) Reset(ctx context.Context, conversationID string) error {
	if err := c.rdb.Del(ctx, c.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("reset sequence for %s: %w", conversationID, err)
	}
	return nil
}
