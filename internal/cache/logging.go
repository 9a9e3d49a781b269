package cache

import (
	"context"
	"time"

	"claudegate/pkg/logging/logging"

	"go.uber.org/zap"
)

// LoggingHandleStore wraps a HandleStore with structured logging.
type LoggingHandleStore struct {
	inner HandleStore
}

func NewLoggingHandleStore(inner HandleStore) HandleStore {
	return &LoggingHandleStore{inner: inner}
}

func (s *LoggingHandleStore) Get(ctx context.Context, digest string) (string, bool, error) {
	start := time.Now()
	handle, ok, err := s.inner.Get(ctx, digest)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}

	fields := []zap.Field{
		zap.String("cache_tier", "handle"),
		zap.String("digest", digest),
		zap.String("cache_result", result),
		zap.Float64("latency_ms", latencyMs),
	}
	if err != nil {
		logging.L(ctx).Error("handle_store_get", append(fields, zap.Error(err))...)
	} else {
		logging.L(ctx).Debug("handle_store_get", fields...)
	}
	return handle, ok, err
}

func (s *LoggingHandleStore) Delete(ctx context.Context, digest string) error {
	err := s.inner.Delete(ctx, digest)
	fields := []zap.Field{
		zap.String("cache_tier", "handle"),
		zap.String("digest", digest),
	}
	if err != nil {
		logging.L(ctx).Error("handle_store_delete", append(fields, zap.Error(err))...)
	} else {
		logging.L(ctx).Debug("handle_store_delete", fields...)
	}
	return err
}

func (s *LoggingHandleStore) Set(ctx context.Context, digest, handle string, ttl time.Duration) error {
	start := time.Now()
	err := s.inner.Set(ctx, digest, handle, ttl)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := []zap.Field{
		zap.String("cache_tier", "handle"),
		zap.String("digest", digest),
		zap.Duration("ttl", ttl),
		zap.Float64("latency_ms", latencyMs),
	}
	if err != nil {
		logging.L(ctx).Error("handle_store_set", append(fields, zap.Error(err))...)
	} else {
		logging.L(ctx).Debug("handle_store_set", fields...)
	}
	return err
}
