package escalation

import (
	"context"
	"fmt"
	"sync"

	"github.com/wardenhq/warden/pkg/contracts"
)

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]contracts.EscalationRequest
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]contracts.EscalationRequest)}
}

func (s *MemoryStore) Insert(_ context.Context, r contracts.EscalationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.RequestID] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, requestID string) (*contracts.EscalationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	return &r, nil
}

func (s *MemoryStore) Update(_ context.Context, r contracts.EscalationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.RequestID]; !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, r.RequestID)
	}
	s.requests[r.RequestID] = r
	return nil
}

func (s *MemoryStore) PendingBefore(_ context.Context, cutoff int64) ([]contracts.EscalationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.EscalationRequest
	for _, r := range s.requests {
		if r.Status == contracts.EscalationPending && r.RequestedAt <= cutoff {
			out = append(out, r)
		}
	}
	return out, nil
}
