package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/wardenhq/warden/pkg/contracts"
)

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]map[string]contracts.Policy // policyID → version → policy
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]map[string]contracts.Policy)}
}

func (s *MemoryStore) Insert(_ context.Context, p contracts.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(p)
}

func (s *MemoryStore) insertLocked(p contracts.Policy) error {
	versions := s.policies[p.PolicyID]
	if versions == nil {
		versions = make(map[string]contracts.Policy)
		s.policies[p.PolicyID] = versions
	}
	if _, exists := versions[p.Version]; exists {
		return fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, p.PolicyID, p.Version)
	}
	versions[p.Version] = p
	return nil
}

func (s *MemoryStore) Get(_ context.Context, policyID, version string) (*contracts.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyID][version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrPolicyNotFound, policyID, version)
	}
	return &p, nil
}

func (s *MemoryStore) GetActive(_ context.Context, policyID string) (*contracts.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies[policyID] {
		if p.Active {
			active := p
			return &active, nil
		}
	}
	return nil, fmt.Errorf("%w: no active version of %s", ErrPolicyNotFound, policyID)
}

func (s *MemoryStore) List(_ context.Context, domain string, activeOnly bool) ([]contracts.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Policy
	for _, versions := range s.policies {
		for _, p := range versions {
			if domain != "" && p.Domain != domain {
				continue
			}
			if activeOnly && !p.Active {
				continue
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertAndActivate(_ context.Context, p contracts.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Active = true
	if err := s.insertLocked(p); err != nil {
		return err
	}
	for version, existing := range s.policies[p.PolicyID] {
		if version == p.Version {
			continue
		}
		existing.Active = false
		s.policies[p.PolicyID][version] = existing
	}
	return nil
}
