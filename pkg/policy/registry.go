// Package policy implements the versioned policy registry: registration,
// lookup, sanctioned evolution, CEL rule evaluation, and bundle loading.
//
// The registry guarantees two invariants: exactly one record exists per
// (policy_id, version), and at most one version per policy_id is active
// at a time. EvolvePolicy is the only sanctioned way to change behavior,
// so every behavioral change is versioned and explained.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/wardenhq/warden/pkg/contracts"
)

var (
	// ErrPolicyNotFound is returned for unknown policy ids or versions.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrDuplicateVersion is returned when registering an already
	// registered (policy_id, version) pair.
	ErrDuplicateVersion = errors.New("policy version already registered")

	// ErrInvalidPolicy is returned for policies failing boundary validation.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrReasonTooShort is returned when an evolution reason is shorter
	// than ChangeReasonMinLen.
	ErrReasonTooShort = errors.New("change reason too short")
)

// ChangeReasonMinLen is the minimum length of an evolution reason.
const ChangeReasonMinLen = 10

// GlobalDomain policies apply to every capability regardless of domain.
const GlobalDomain = "global"

// Store persists policy versions. Implementations must enforce the
// (policy_id, version) uniqueness constraint and make InsertAndActivate
// a single atomic unit.
type Store interface {
	Insert(ctx context.Context, p contracts.Policy) error
	Get(ctx context.Context, policyID, version string) (*contracts.Policy, error)
	GetActive(ctx context.Context, policyID string) (*contracts.Policy, error)
	List(ctx context.Context, domain string, activeOnly bool) ([]contracts.Policy, error)

	// InsertAndActivate inserts p as the active version and deactivates
	// every other version of the same policy id, atomically.
	InsertAndActivate(ctx context.Context, p contracts.Policy) error
}

// Registry is the policy registry service.
type Registry struct {
	store     Store
	evaluator *Evaluator
	logger    *slog.Logger
	clock     func() time.Time

	mu     sync.RWMutex
	active map[string][]contracts.Policy // domain → active policies cache
}

// NewRegistry creates a registry over a store.
func NewRegistry(store Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ev, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Registry{
		store:     store,
		evaluator: ev,
		logger:    logger,
		clock:     time.Now,
		active:    make(map[string][]contracts.Policy),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// RegisterPolicy validates and stores a policy version. The first version
// of a policy id becomes active; later versions register inactive and are
// promoted only through EvolvePolicy.
func (r *Registry) RegisterPolicy(ctx context.Context, p contracts.Policy, createdBy string) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	if existing, err := r.store.Get(ctx, p.PolicyID, p.Version); err == nil && existing != nil {
		return fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, p.PolicyID, p.Version)
	}

	p.CreatedBy = createdBy
	p.CreatedAt = r.clock().UnixMilli()

	current, err := r.store.GetActive(ctx, p.PolicyID)
	if err != nil && !errors.Is(err, ErrPolicyNotFound) {
		return fmt.Errorf("lookup active version: %w", err)
	}

	if current == nil {
		p.Active = true
		if err := r.store.InsertAndActivate(ctx, p); err != nil {
			return fmt.Errorf("register policy: %w", err)
		}
	} else {
		p.Active = false
		if err := r.store.Insert(ctx, p); err != nil {
			return fmt.Errorf("register policy: %w", err)
		}
	}

	r.invalidateCache()
	r.logger.Info("policy registered",
		"policy_id", p.PolicyID, "version", p.Version, "domain", p.Domain, "active", p.Active)
	return nil
}

// LoadPolicy returns a specific version, or the latest active version
// when version is empty.
func (r *Registry) LoadPolicy(ctx context.Context, policyID, version string) (*contracts.Policy, error) {
	if version == "" {
		return r.store.GetActive(ctx, policyID)
	}
	return r.store.Get(ctx, policyID, version)
}

// EvolvePolicy replaces the active rule-set of a policy with newRules,
// atomically deactivating the predecessor and recording why. When
// newVersion is empty the patch version auto-increments.
func (r *Registry) EvolvePolicy(ctx context.Context, policyID string, newRules []contracts.PolicyRule, reason, changedBy, newVersion string) (*contracts.Policy, error) {
	if len(reason) < ChangeReasonMinLen {
		return nil, fmt.Errorf("%w: %d chars, need at least %d", ErrReasonTooShort, len(reason), ChangeReasonMinLen)
	}

	current, err := r.store.GetActive(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("load active policy %s: %w", policyID, err)
	}

	if newVersion == "" {
		v, err := semver.NewVersion(current.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: active version %q is not semver", ErrInvalidPolicy, current.Version)
		}
		newVersion = v.IncPatch().String()
	} else if _, err := semver.NewVersion(newVersion); err != nil {
		return nil, fmt.Errorf("%w: version %q is not semver", ErrInvalidPolicy, newVersion)
	}

	if existing, err := r.store.Get(ctx, policyID, newVersion); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, policyID, newVersion)
	}

	now := r.clock().UnixMilli()
	evolved := contracts.Policy{
		PolicyID:  policyID,
		Version:   newVersion,
		Domain:    current.Domain,
		Rules:     newRules,
		Active:    true,
		CreatedBy: changedBy,
		CreatedAt: now,
		EvolutionHistory: append(append([]contracts.PolicyEvolutionRecord{}, current.EvolutionHistory...),
			contracts.PolicyEvolutionRecord{
				FromVersion: current.Version,
				ToVersion:   newVersion,
				Reason:      reason,
				ChangedBy:   changedBy,
				ChangedAt:   now,
			}),
	}
	if err := validatePolicy(evolved); err != nil {
		return nil, err
	}

	if err := r.store.InsertAndActivate(ctx, evolved); err != nil {
		return nil, fmt.Errorf("evolve policy: %w", err)
	}

	r.invalidateCache()
	r.logger.Info("policy evolved",
		"policy_id", policyID, "from", current.Version, "to", newVersion, "changed_by", changedBy)
	return &evolved, nil
}

// ListPolicies returns policies, optionally filtered by domain, and
// optionally restricted to active versions.
func (r *Registry) ListPolicies(ctx context.Context, domain string, activeOnly bool) ([]contracts.Policy, error) {
	return r.store.List(ctx, domain, activeOnly)
}

// ReloadPolicies clears the in-memory active-policy cache and the
// compiled CEL program cache. The next evaluation reads through to the
// store; there is no downtime.
func (r *Registry) ReloadPolicies() {
	r.invalidateCache()
	r.evaluator.ClearCache()
	r.logger.Info("policy caches cleared")
}

// activeForDomain returns the active policies whose domain matches the
// capability's domain, plus all global-domain policies, cache-first.
func (r *Registry) activeForDomain(ctx context.Context, domain string) ([]contracts.Policy, error) {
	r.mu.RLock()
	cached, ok := r.active[domain]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	matched, err := r.store.List(ctx, domain, true)
	if err != nil {
		return nil, err
	}
	if domain != GlobalDomain {
		global, err := r.store.List(ctx, GlobalDomain, true)
		if err != nil {
			return nil, err
		}
		matched = append(matched, global...)
	}

	r.mu.Lock()
	r.active[domain] = matched
	r.mu.Unlock()
	return matched, nil
}

func (r *Registry) invalidateCache() {
	r.mu.Lock()
	r.active = make(map[string][]contracts.Policy)
	r.mu.Unlock()
}

func validatePolicy(p contracts.Policy) error {
	if p.PolicyID == "" {
		return fmt.Errorf("%w: empty policy_id", ErrInvalidPolicy)
	}
	if p.Domain == "" {
		return fmt.Errorf("%w: empty domain", ErrInvalidPolicy)
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return fmt.Errorf("%w: version %q is not semver", ErrInvalidPolicy, p.Version)
	}
	for i, rule := range p.Rules {
		if contracts.ParsePolicyAction(string(rule.Action)) == contracts.PolicyActionUnknown {
			return fmt.Errorf("%w: rule %d has unrecognized action %q", ErrInvalidPolicy, i, rule.Action)
		}
		if contracts.ParseConditionType(string(rule.ConditionType)) == contracts.ConditionUnknown {
			return fmt.Errorf("%w: rule %d has unrecognized condition type %q", ErrInvalidPolicy, i, rule.ConditionType)
		}
	}
	return nil
}
