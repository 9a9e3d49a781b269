package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	handle    string
	expiresAt time.Time
}

// MemoryHandleStore keeps digest -> handle mappings in process memory. A
// background routine sweeps expired entries so an idle instance does not
// accumulate dead handles.
type MemoryHandleStore struct {
	mu              sync.RWMutex
	items           map[string]memoryEntry
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewMemoryHandleStore starts the store and its sweeper. A non-positive
// interval gets the default of 5 minutes.
func NewMemoryHandleStore(cleanupInterval time.Duration) *MemoryHandleStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	s := &MemoryHandleStore{
		items:           make(map[string]memoryEntry),
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
	go s.cleanupExpired()
	return s
}

func (s *MemoryHandleStore) Get(_ context.Context, digest string) (string, bool, error) {
	s.mu.RLock()
	entry, ok := s.items[digest]
	s.mu.RUnlock()

	if !ok {
		return "", false, nil
	}

	// Expired entries are misses; the sweep reclaims them later.
	now := time.Now()
	if now.After(entry.expiresAt) {
		s.mu.Lock()
		if e, exists := s.items[digest]; exists && now.After(e.expiresAt) {
			delete(s.items, digest)
		}
		s.mu.Unlock()
		return "", false, nil
	}

	return entry.handle, true, nil
}

func (s *MemoryHandleStore) Set(_ context.Context, digest, handle string, ttl time.Duration) error {
	if ttl <= 0 {
		s.mu.Lock()
		delete(s.items, digest)
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.items[digest] = memoryEntry{
		handle:    handle,
		expiresAt: time.Now().Add(ttl),
	}
	s.mu.Unlock()
	return nil
}

// Delete removes a mapping regardless of its remaining TTL.
func (s *MemoryHandleStore) Delete(_ context.Context, digest string) error {
	s.mu.Lock()
	delete(s.items, digest)
	s.mu.Unlock()
	return nil
}

func (s *MemoryHandleStore) cleanupExpired() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, v := range s.items {
				if now.After(v.expiresAt) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// Close stops the sweeper. Call on shutdown or in tests.
func (s *MemoryHandleStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// Len returns the number of live mappings.
func (s *MemoryHandleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
