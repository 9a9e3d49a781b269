// Package signature tracks backend thought signatures across tool-call turns.
//
// The backend requires the opaque thoughtSignature returned with a function
// call to be echoed back unchanged when that call is replayed in conversation
// history. The store maps tool-use ids to their signatures.
package signature

import "sync"

// fallback is accepted by the backend when the original signature is gone
// (evicted, or the call predates this process).
const fallback = "skip_thought_signature_validator"

// Store is owned by the server context; there is no package-level instance.
type Store struct {
	mu      sync.RWMutex
	sigs    map[string]string
	order   []string
	maxSize int
}

func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Store{
		sigs:    make(map[string]string),
		maxSize: maxSize,
	}
}

// Put records the signature for a tool-use id, evicting the oldest entry
// when the bound is reached.
func (s *Store) Put(toolUseID, sig string) {
	if sig == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sigs[toolUseID]; !ok {
		if len(s.order) >= s.maxSize {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.sigs, oldest)
		}
		s.order = append(s.order, toolUseID)
	}
	s.sigs[toolUseID] = sig
}

// Get returns the stored signature, or the validator-skip fallback.
func (s *Store) Get(toolUseID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sig, ok := s.sigs[toolUseID]; ok {
		return sig
	}
	return fallback
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sigs)
}
