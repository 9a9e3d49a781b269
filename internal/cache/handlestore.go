package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HandleStore maps a skeleton digest to the backend cached-content handle
// created for it, so repeat conversations reuse the backend-side cache
// instead of re-uploading the system prompt and tool schemas. Delete drops a
// mapping whose handle the backend has rejected as expired.
// Implemented by the memory store (single instance) and Redis (shared).
type HandleStore interface {
	Get(ctx context.Context, digest string) (handle string, ok bool, err error)
	Set(ctx context.Context, digest, handle string, ttl time.Duration) error
	Delete(ctx context.Context, digest string) error
}

type HandleStoreConfig struct {
	Backend string // "memory" or "redis"
	Prefix  string
}

// NewHandleStore picks the backend from config. Anything but "redis" falls
// back to the in-process store. The Redis store is pinged so a misconfigured
// address fails at boot instead of on the first request.
func NewHandleStore(ctx context.Context, cfg HandleStoreConfig, redisClient *redis.Client) (HandleStore, error) {
	switch cfg.Backend {
	case "redis":
		store := NewRedisHandleStore(redisClient, cfg.Prefix)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis handle store: %w", err)
		}
		return NewLoggingHandleStore(store), nil
	default:
		return NewLoggingHandleStore(NewMemoryHandleStore(0)), nil
	}
}
