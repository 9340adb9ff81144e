// Package tiers implements the progressive trust-tier model. An agent's
// tier only ever increases; the current tier is derived from an
// append-only transition log, never stored as a mutable field.
package tiers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/grants"
)

var (
	// ErrInvalidTierTransition is returned for downgrades or no-op
	// transitions. Downgrades are categorically forbidden: trust that can
	// silently decrease cannot be audited.
	ErrInvalidTierTransition = errors.New("invalid tier transition")

	// ErrInsufficientPermission is returned when the caller lacks the
	// control-plane right to change tiers. This is misuse of the control
	// plane, distinct from an authorization denial.
	ErrInsufficientPermission = errors.New("insufficient permission")

	// ErrUnknownTier is returned for tier values outside 0-3.
	ErrUnknownTier = errors.New("unknown tier")
)

// PermUpgradeTier is the governance permission required to upgrade an
// agent's tier when a permission checker is configured.
const PermUpgradeTier = "governance.agent.upgrade_tier"

// Info describes a tier: its ceiling and the capabilities it auto-grants.
type Info struct {
	Tier            contracts.AgentTier
	Name            string
	MaxCapabilities int
	AutoGrant       []string
}

var tierTable = map[contracts.AgentTier]Info{
	contracts.TierUntrusted: {
		Tier:            contracts.TierUntrusted,
		Name:            "untrusted",
		MaxCapabilities: 0,
		AutoGrant:       nil,
	},
	contracts.TierReadOnly: {
		Tier:            contracts.TierReadOnly,
		Name:            "read_only",
		MaxCapabilities: 10,
		AutoGrant: []string{
			"state.read",
			"state.memory.read",
			"evidence.read",
		},
	},
	contracts.TierPropose: {
		Tier:            contracts.TierPropose,
		Name:            "propose",
		MaxCapabilities: 25,
		AutoGrant: []string{
			"state.read",
			"state.memory.read",
			"evidence.read",
			"decision.plan.create",
			"decision.plan.propose",
		},
	},
	contracts.TierTrusted: {
		Tier:            contracts.TierTrusted,
		Name:            "trusted",
		MaxCapabilities: 100,
		AutoGrant: []string{
			"state.read",
			"state.memory.read",
			"state.memory.write",
			"evidence.read",
			"evidence.write",
			"decision.plan.create",
			"decision.plan.propose",
			"decision.plan.freeze",
			"action.execute.task",
		},
	},
}

// GetTierInfo returns the static definition of a tier.
func GetTierInfo(tier contracts.AgentTier) (Info, error) {
	info, ok := tierTable[tier]
	if !ok {
		return Info{}, fmt.Errorf("%w: %d", ErrUnknownTier, int(tier))
	}
	return info, nil
}

// TransitionStore persists the append-only tier transition log.
type TransitionStore interface {
	// Append records a transition. Implementations must never update or
	// delete prior records.
	Append(ctx context.Context, t contracts.TierTransition) error

	// Latest returns the most recent transition for an agent, or nil if
	// the agent has no transition history.
	Latest(ctx context.Context, agentID string) (*contracts.TierTransition, error)

	// History returns all transitions for an agent, oldest first.
	History(ctx context.Context, agentID string) ([]contracts.TierTransition, error)
}

// PermissionChecker gates administrative actions on the control plane.
type PermissionChecker interface {
	Can(ctx context.Context, actorID, permission string) (bool, error)
}

// Model is the trust tier service. It owns no mutable tier state; every
// read derives from the transition log.
type Model struct {
	store    TransitionStore
	registry grants.Registry // optional, enables auto-grant on upgrade
	checker  PermissionChecker
	logger   *slog.Logger
	clock    func() time.Time
}

// NewModel creates a tier model over a transition store.
// registry may be nil (no auto-grants); checker may be nil (no
// control-plane gating — callers are trusted).
func NewModel(store TransitionStore, registry grants.Registry, checker PermissionChecker, logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		store:    store,
		registry: registry,
		checker:  checker,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Model) WithClock(clock func() time.Time) *Model {
	m.clock = clock
	return m
}

// CurrentTier derives an agent's tier from the latest transition.
// Agents with no history are TierUntrusted.
func (m *Model) CurrentTier(ctx context.Context, agentID string) (contracts.AgentTier, error) {
	latest, err := m.store.Latest(ctx, agentID)
	if err != nil {
		return contracts.TierUntrusted, fmt.Errorf("load tier history: %w", err)
	}
	if latest == nil {
		return contracts.TierUntrusted, nil
	}
	return latest.ToTier, nil
}

// UpgradeTier appends a transition record raising an agent's tier.
// to must be strictly greater than from; downgrades always fail with
// ErrInvalidTierTransition and never touch the stored history.
func (m *Model) UpgradeTier(ctx context.Context, agentID string, from, to contracts.AgentTier, changedBy, reason string) (*contracts.TierTransition, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("%w: %d -> %d", ErrUnknownTier, int(from), int(to))
	}
	if to <= from {
		return nil, fmt.Errorf("%w: %s -> %s (downgrades are forbidden)", ErrInvalidTierTransition, from, to)
	}

	if m.checker != nil {
		ok, err := m.checker.Can(ctx, changedBy, PermUpgradeTier)
		if err != nil {
			return nil, fmt.Errorf("permission check: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s lacks %s", ErrInsufficientPermission, changedBy, PermUpgradeTier)
		}
	}

	current, err := m.CurrentTier(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if current != from {
		return nil, fmt.Errorf("%w: agent %s is at %s, not %s", ErrInvalidTierTransition, agentID, current, from)
	}

	transition := contracts.TierTransition{
		AgentID:   agentID,
		FromTier:  from,
		ToTier:    to,
		ChangedBy: changedBy,
		Reason:    reason,
		ChangedAt: m.clock().UnixMilli(),
	}
	if err := m.store.Append(ctx, transition); err != nil {
		return nil, fmt.Errorf("append tier transition: %w", err)
	}

	m.logger.Info("tier upgraded",
		"agent_id", agentID,
		"from", from.String(),
		"to", to.String(),
		"changed_by", changedBy)

	if m.registry != nil {
		m.autoGrant(ctx, agentID, to, changedBy)
	}

	return &transition, nil
}

// autoGrant issues the new tier's capability list, skipping capabilities
// the agent already holds. Grant failures are logged, not fatal: the tier
// transition is already committed and must not be rolled back.
func (m *Model) autoGrant(ctx context.Context, agentID string, tier contracts.AgentTier, grantedBy string) {
	info, err := GetTierInfo(tier)
	if err != nil {
		return
	}
	for _, capID := range info.AutoGrant {
		held, err := m.registry.HasCapability(ctx, agentID, capID)
		if err != nil {
			m.logger.Warn("auto-grant lookup failed", "agent_id", agentID, "capability", capID, "error", err)
			continue
		}
		if held {
			continue
		}
		err = m.registry.GrantCapability(ctx, grants.Grant{
			AgentID:      agentID,
			CapabilityID: capID,
			GrantedBy:    grantedBy,
			Reason:       fmt.Sprintf("auto-grant for tier %s", tier),
			GrantedAt:    m.clock().UnixMilli(),
		})
		if err != nil {
			m.logger.Warn("auto-grant failed", "agent_id", agentID, "capability", capID, "error", err)
		}
	}
}

// History returns the full transition log for an agent, oldest first.
func (m *Model) History(ctx context.Context, agentID string) ([]contracts.TierTransition, error) {
	return m.store.History(ctx, agentID)
}

// MemoryTransitionStore is an in-process TransitionStore for tests and
// single-node use.
type MemoryTransitionStore struct {
	mu          sync.RWMutex
	transitions map[string][]contracts.TierTransition
}

// NewMemoryTransitionStore creates an empty store.
func NewMemoryTransitionStore() *MemoryTransitionStore {
	return &MemoryTransitionStore{transitions: make(map[string][]contracts.TierTransition)}
}

func (s *MemoryTransitionStore) Append(_ context.Context, t contracts.TierTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[t.AgentID] = append(s.transitions[t.AgentID], t)
	return nil
}

func (s *MemoryTransitionStore) Latest(_ context.Context, agentID string) (*contracts.TierTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.transitions[agentID]
	if len(history) == 0 {
		return nil, nil
	}
	latest := history[len(history)-1]
	return &latest, nil
}

func (s *MemoryTransitionStore) History(_ context.Context, agentID string) ([]contracts.TierTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.transitions[agentID]
	out := make([]contracts.TierTransition, len(history))
	copy(out, history)
	return out, nil
}
