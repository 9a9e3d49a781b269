package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHandleStore shares digest -> handle mappings across proxy instances.
type RedisHandleStore struct {
	client *redis.Client
	prefix string
}

func NewRedisHandleStore(client *redis.Client, prefix string) *RedisHandleStore {
	if prefix == "" {
		prefix = "claudegate:handle"
	}
	return &RedisHandleStore{client: client, prefix: prefix}
}

func (s *RedisHandleStore) key(digest string) string {
	return s.prefix + ":" + digest
}

// Get returns the stored handle. On Redis failure the caller should log and
// treat the lookup as a miss; the backend cache is only an optimization.
func (s *RedisHandleStore) Get(ctx context.Context, digest string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("context error: %w", err)
	}

	res, err := s.client.Get(ctx, s.key(digest)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return res, true, nil
}

// Set stores a handle with TTL. A non-positive TTL stores nothing; the
// backend expires its content on its own schedule, so an unbounded mapping
// would outlive the handle it names.
func (s *RedisHandleStore) Set(ctx context.Context, digest, handle string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(digest), handle, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes a mapping, used when the backend rejects a stale handle.
func (s *RedisHandleStore) Delete(ctx context.Context, digest string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Del(ctx, s.key(digest)).Err()
}

// Ping checks connection health for the readiness probe.
func (s *RedisHandleStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Ping(ctx).Err()
}
