package override

import (
	"context"
	"sync"

	"github.com/wardenhq/warden/pkg/contracts"
)

// MemoryStore is an in-process Store. Consume holds the store lock for
// the whole check-and-mark, giving the same atomicity as the SQL
// conditional update.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]contracts.OverrideToken
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]contracts.OverrideToken)}
}

func (s *MemoryStore) Insert(_ context.Context, t contracts.OverrideToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.OverrideID] = t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, overrideID string) (*contracts.OverrideToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[overrideID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *MemoryStore) Consume(_ context.Context, overrideID string, now int64) (ConsumeOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[overrideID]
	switch {
	case !ok:
		return ConsumeNotFound, nil
	case t.Used:
		return ConsumeAlreadyUsed, nil
	case now >= t.ExpiresAt:
		return ConsumeExpired, nil
	}

	t.Used = true
	t.UsedAt = now
	s.tokens[overrideID] = t
	return Consumed, nil
}
