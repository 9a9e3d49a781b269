// Package cache holds the two caching tiers: an in-process translation cache
// for request skeletons, and a pluggable handle store mapping skeleton
// digests to backend cached-content handles.
package cache

import (
	"context"
	"time"

	"claudegate/internal/metrics"
	"claudegate/internal/translate"
	"claudegate/pkg/logging/logging"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCapacity = 1024
	DefaultTTL      = time.Hour
)

// TranslationCache memoizes translated request skeletons by content digest.
// Concurrent misses on the same key are collapsed into one computation;
// waiters share its result. A nil *TranslationCache is valid and computes
// every call, which is how caching is disabled.
type TranslationCache struct {
	entries *lru.LRU[string, *translate.Skeleton]
	group   singleflight.Group
}

func NewTranslationCache(capacity int, ttl time.Duration) *TranslationCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	onEvict := func(string, *translate.Skeleton) {
		metrics.CacheOperationsTotal.WithLabelValues("eviction").Inc()
	}
	return &TranslationCache{
		entries: lru.NewLRU(capacity, onEvict, ttl),
	}
}

// GetOrCompute returns the cached skeleton for key, or runs compute and
// caches its result. Compute errors are returned to every collapsed waiter
// and nothing is cached.
func (c *TranslationCache) GetOrCompute(ctx context.Context, key string, compute func() (*translate.Skeleton, error)) (*translate.Skeleton, error) {
	if c == nil {
		return compute()
	}
	if sk, ok := c.entries.Get(key); ok {
		metrics.CacheOperationsTotal.WithLabelValues("hit").Inc()
		logging.L(ctx).Debug("translation_cache",
			zap.String("cache_result", "hit"),
			zap.String("digest", key),
		)
		return sk, nil
	}
	metrics.CacheOperationsTotal.WithLabelValues("miss").Inc()

	v, err, shared := c.group.Do(key, func() (any, error) {
		sk, err := compute()
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, sk)
		metrics.CacheOperationsTotal.WithLabelValues("create").Inc()
		return sk, nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Debug("translation_cache",
		zap.String("cache_result", "miss"),
		zap.String("digest", key),
		zap.Bool("shared", shared),
	)
	return v.(*translate.Skeleton), nil
}

// Len reports the number of live entries.
func (c *TranslationCache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
