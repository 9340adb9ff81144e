// Package profile implements per-agent capability profiles: glob-based
// allow/forbid pattern matching with deny-overrides-allow semantics.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/contracts"
)

var (
	// ErrProfileNotFound is returned when an agent has no profile.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrInvalidProfile is returned for profiles that fail validation.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Store persists agent profiles.
type Store interface {
	Get(ctx context.Context, agentID string) (*contracts.AgentProfile, error)
	Put(ctx context.Context, p contracts.AgentProfile) error
}

// Service resolves profiles and answers CanUse checks. Each service owns
// its own compiled-pattern cache; there is no process-global state.
type Service struct {
	store   Store
	matcher *Matcher

	mu    sync.RWMutex
	cache map[string]*contracts.AgentProfile
	clock func() time.Time
}

// NewService creates a profile service over a store.
func NewService(store Store) *Service {
	return &Service{
		store:   store,
		matcher: NewMatcher(),
		cache:   make(map[string]*contracts.AgentProfile),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Get returns an agent's profile, serving from the in-memory cache when
// possible. Returns ErrProfileNotFound for unknown agents.
func (s *Service) Get(ctx context.Context, agentID string) (*contracts.AgentProfile, error) {
	s.mu.RLock()
	cached, ok := s.cache[agentID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	p, err := s.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[agentID] = p
	s.mu.Unlock()
	return p, nil
}

// Put validates and persists a profile, then synchronously invalidates
// the cache entry.
func (s *Service) Put(ctx context.Context, p contracts.AgentProfile) error {
	if err := Validate(p); err != nil {
		return err
	}
	p.UpdatedAt = s.clock().UnixMilli()
	if err := s.store.Put(ctx, p); err != nil {
		return fmt.Errorf("store profile: %w", err)
	}

	s.mu.Lock()
	delete(s.cache, p.AgentID)
	s.mu.Unlock()
	return nil
}

// CanUse reports whether the profile permits a capability. Forbidden
// patterns always win over allowed patterns, regardless of list order.
func (s *Service) CanUse(p *contracts.AgentProfile, capabilityID string) bool {
	for _, pattern := range p.ForbiddenCapabilities {
		if s.matcher.Matches(pattern, capabilityID) {
			return false
		}
	}
	for _, pattern := range p.AllowedCapabilities {
		if s.matcher.Matches(pattern, capabilityID) {
			return true
		}
	}
	return false
}

// Validate checks a profile at the API boundary. Malformed patterns and
// unknown enum values are rejected before anything is persisted.
func Validate(p contracts.AgentProfile) error {
	if p.AgentID == "" {
		return fmt.Errorf("%w: empty agent_id", ErrInvalidProfile)
	}
	if !p.Tier.Valid() {
		return fmt.Errorf("%w: tier %d out of range", ErrInvalidProfile, int(p.Tier))
	}
	if p.EscalationPolicy != contracts.ParseEscalationPolicy(string(p.EscalationPolicy)) ||
		p.EscalationPolicy == contracts.EscalationPolicyUnknown {
		return fmt.Errorf("%w: unrecognized escalation policy %q", ErrInvalidProfile, p.EscalationPolicy)
	}
	for _, pattern := range append(append([]string{}, p.AllowedCapabilities...), p.ForbiddenCapabilities...) {
		if err := ValidatePattern(pattern); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
	}
	return nil
}

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]contracts.AgentProfile
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]contracts.AgentProfile)}
}

func (s *MemoryStore) Get(_ context.Context, agentID string) (*contracts.AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[agentID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return &p, nil
}

func (s *MemoryStore) Put(_ context.Context, p contracts.AgentProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.AgentID] = p
	return nil
}
