// Package quota tracks per-agent resource usage against limits.
// The reset-then-increment step is a single atomic unit against the
// store; two concurrent increments can never both miss a due reset.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/contracts"
)

// ErrUnknownResource is returned for resource types with no limit
// configured and no fallback limit set.
var ErrUnknownResource = errors.New("unknown resource type")

// Limit configures one resource type.
type Limit struct {
	Max           int64
	ResetInterval time.Duration
}

// Store persists usage counters.
type Store interface {
	// Apply resets the counter when the reset interval has elapsed, then
	// adds delta (which may be zero), in one atomic unit. It returns the
	// usage and last-reset time (epoch ms) after the call.
	Apply(ctx context.Context, agentID, resourceType string, delta int64, resetInterval time.Duration, now int64) (usage, lastReset int64, err error)
}

// Manager answers quota checks.
type Manager struct {
	store    Store
	limits   map[string]Limit
	fallback *Limit
	clock    func() time.Time
}

// NewManager creates a quota manager with per-resource limits.
func NewManager(store Store, limits map[string]Limit) *Manager {
	return &Manager{
		store:  store,
		limits: limits,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithDefaultLimit sets a fallback limit for resource types absent from
// the limits map, typically from a validated config.Config's Quota
// section. Without it, unknown resource types error.
func (m *Manager) WithDefaultLimit(q config.QuotaConfig) *Manager {
	m.fallback = &Limit{Max: q.DefaultMax, ResetInterval: q.ResetInterval}
	return m
}

// CheckQuota reports current standing without consuming quota.
func (m *Manager) CheckQuota(ctx context.Context, agentID, resourceType string) (*contracts.QuotaStatus, error) {
	return m.apply(ctx, agentID, resourceType, 0)
}

// IncrementQuotaUsage atomically applies reset-then-increment and
// reports the resulting standing. The increment is applied even when it
// pushes usage over the limit; Exceeded tells the caller to deny.
func (m *Manager) IncrementQuotaUsage(ctx context.Context, agentID, resourceType string, amount int64) (*contracts.QuotaStatus, error) {
	return m.apply(ctx, agentID, resourceType, amount)
}

func (m *Manager) apply(ctx context.Context, agentID, resourceType string, delta int64) (*contracts.QuotaStatus, error) {
	limit, ok := m.limits[resourceType]
	if !ok {
		if m.fallback == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resourceType)
		}
		limit = *m.fallback
	}

	now := m.clock().UnixMilli()
	usage, lastReset, err := m.store.Apply(ctx, agentID, resourceType, delta, limit.ResetInterval, now)
	if err != nil {
		return nil, fmt.Errorf("apply quota %s/%s: %w", agentID, resourceType, err)
	}

	status := &contracts.QuotaStatus{
		ResourceType: resourceType,
		AgentID:      agentID,
		CurrentUsage: usage,
		Limit:        limit.Max,
		Remaining:    limit.Max - usage,
		ResetAt:      lastReset + limit.ResetInterval.Milliseconds(),
		Exceeded:     usage > limit.Max,
		CheckedAt:    now,
	}
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	if limit.Max > 0 {
		status.UsagePercentage = float64(usage) / float64(limit.Max) * 100
	}
	return status, nil
}

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	usage     int64
	lastReset int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*counter)}
}

func (s *MemoryStore) Apply(_ context.Context, agentID, resourceType string, delta int64, resetInterval time.Duration, now int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := agentID + "\x00" + resourceType
	c, ok := s.counters[key]
	if !ok {
		c = &counter{lastReset: now}
		s.counters[key] = c
	}
	if resetInterval > 0 && now-c.lastReset >= resetInterval.Milliseconds() {
		c.usage = 0
		c.lastReset = now
	}
	c.usage += delta
	return c.usage, c.lastReset, nil
}
