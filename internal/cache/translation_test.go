package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"claudegate/internal/translate"
)

func skeleton(tag string) *translate.Skeleton {
	return &translate.Skeleton{Handle: tag}
}

func TestTranslationCacheHit(t *testing.T) {
	t.Parallel()

	c := NewTranslationCache(8, time.Minute)
	ctx := context.Background()

	computes := 0
	compute := func() (*translate.Skeleton, error) {
		computes++
		return skeleton("first"), nil
	}

	for i := 0; i < 3; i++ {
		sk, err := c.GetOrCompute(ctx, "key-a", compute)
		if err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
		if sk.Handle != "first" {
			t.Fatalf("unexpected skeleton: %#v", sk)
		}
	}
	if computes != 1 {
		t.Fatalf("expected a single compute, got %d", computes)
	}
}

func TestTranslationCacheErrorNotCached(t *testing.T) {
	t.Parallel()

	c := NewTranslationCache(8, time.Minute)
	ctx := context.Background()

	boom := errors.New("sanitize failed")
	if _, err := c.GetOrCompute(ctx, "key-b", func() (*translate.Skeleton, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}

	// A later call must run compute again.
	sk, err := c.GetOrCompute(ctx, "key-b", func() (*translate.Skeleton, error) {
		return skeleton("recovered"), nil
	})
	if err != nil || sk.Handle != "recovered" {
		t.Fatalf("expected recovery, got %v / %#v", err, sk)
	}
}

func TestTranslationCacheCollapsesConcurrentMisses(t *testing.T) {
	t.Parallel()

	c := NewTranslationCache(8, time.Minute)
	ctx := context.Background()

	var computes atomic.Int32
	gate := make(chan struct{})
	compute := func() (*translate.Skeleton, error) {
		computes.Add(1)
		<-gate
		return skeleton("shared"), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*translate.Skeleton, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sk, err := c.GetOrCompute(ctx, "key-c", compute)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = sk
		}(i)
	}

	// Give the goroutines time to pile up on the in-flight compute.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := computes.Load(); got != 1 {
		t.Fatalf("expected one compute for %d concurrent callers, got %d", callers, got)
	}
	for i, sk := range results {
		if sk == nil || sk.Handle != "shared" {
			t.Fatalf("caller %d got %#v", i, sk)
		}
	}
}

func TestTranslationCacheEvictsAtCapacity(t *testing.T) {
	t.Parallel()

	c := NewTranslationCache(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("key-%d", i)
		if _, err := c.GetOrCompute(ctx, key, func() (*translate.Skeleton, error) {
			return skeleton(key), nil
		}); err != nil {
			t.Fatalf("GetOrCompute(%s): %v", key, err)
		}
	}

	if c.Len() != 2 {
		t.Fatalf("expected capacity bound of 2, got %d", c.Len())
	}

	// The oldest key must recompute.
	computes := 0
	if _, err := c.GetOrCompute(ctx, "key-0", func() (*translate.Skeleton, error) {
		computes++
		return skeleton("again"), nil
	}); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if computes != 1 {
		t.Fatalf("evicted key should recompute, got %d computes", computes)
	}
}

func TestTranslationCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	c := NewTranslationCache(8, 20*time.Millisecond)
	ctx := context.Background()

	if _, err := c.GetOrCompute(ctx, "key-ttl", func() (*translate.Skeleton, error) {
		return skeleton("v1"), nil
	}); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	computes := 0
	sk, err := c.GetOrCompute(ctx, "key-ttl", func() (*translate.Skeleton, error) {
		computes++
		return skeleton("v2"), nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if computes != 1 || sk.Handle != "v2" {
		t.Fatalf("expired entry must recompute, got %d computes, %#v", computes, sk)
	}
}

func TestNilTranslationCacheComputesEveryCall(t *testing.T) {
	t.Parallel()

	var c *TranslationCache
	ctx := context.Background()

	computes := 0
	for i := 0; i < 2; i++ {
		if _, err := c.GetOrCompute(ctx, "key", func() (*translate.Skeleton, error) {
			computes++
			return skeleton("x"), nil
		}); err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
	}
	if computes != 2 {
		t.Fatalf("nil cache must compute every call, got %d", computes)
	}
	if c.Len() != 0 {
		t.Fatalf("nil cache reports zero length")
	}
}
