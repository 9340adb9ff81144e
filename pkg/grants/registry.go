// Package grants defines the consumed contract of the external Grant
// Registry. Warden never owns grant storage; it only queries whether an
// agent holds a capability, issues time-limited grants on escalation
// approval, and resolves capability definitions.
//
// The exact consistency guarantees of a production registry (e.g. whether
// GrantCapability is transactional with expiry sweeping) are the
// implementation's concern, not assumed here.
package grants

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/contracts"
)

// ErrCapabilityNotFound is returned when a capability id has no definition.
var ErrCapabilityNotFound = errors.New("capability not found")

// Grant records that an agent holds a capability, optionally time-limited.
type Grant struct {
	AgentID      string            `json:"agent_id"`
	CapabilityID string            `json:"capability_id"`
	GrantedBy    string            `json:"granted_by"`
	ExpiresAt    int64             `json:"expires_at,omitempty"` // epoch ms, 0 = no expiry
	Reason       string            `json:"reason"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	GrantedAt    int64             `json:"granted_at"` // epoch ms
}

// Registry is the consumed Grant Registry contract.
type Registry interface {
	// HasCapability reports whether the agent currently holds an
	// unexpired grant for the capability.
	HasCapability(ctx context.Context, agentID, capabilityID string) (bool, error)

	// GrantCapability records a grant. expiresAt of zero means no expiry.
	GrantCapability(ctx context.Context, g Grant) error

	// GetCapability resolves a capability definition, or
	// ErrCapabilityNotFound if the capability is unknown.
	GetCapability(ctx context.Context, capabilityID string) (*contracts.CapabilityDefinition, error)
}

// MemoryRegistry is an in-process Registry used by tests and single-node
// deployments. Expiry is honored at read time.
type MemoryRegistry struct {
	mu     sync.RWMutex
	grants map[string]Grant // agentID + "\x00" + capabilityID
	caps   map[string]contracts.CapabilityDefinition
	clock  func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		grants: make(map[string]Grant),
		caps:   make(map[string]contracts.CapabilityDefinition),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *MemoryRegistry) WithClock(clock func() time.Time) *MemoryRegistry {
	r.clock = clock
	return r
}

// DefineCapability registers a capability definition.
func (r *MemoryRegistry) DefineCapability(def contracts.CapabilityDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[def.CapabilityID] = def
}

func grantKey(agentID, capabilityID string) string {
	return agentID + "\x00" + capabilityID
}

// HasCapability reports whether the agent holds an unexpired grant.
func (r *MemoryRegistry) HasCapability(_ context.Context, agentID, capabilityID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.grants[grantKey(agentID, capabilityID)]
	if !ok {
		return false, nil
	}
	if g.ExpiresAt > 0 && r.clock().UnixMilli() >= g.ExpiresAt {
		return false, nil
	}
	return true, nil
}

// GrantCapability records a grant, overwriting any prior grant for the
// same (agent, capability) pair.
func (r *MemoryRegistry) GrantCapability(_ context.Context, g Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g.GrantedAt == 0 {
		g.GrantedAt = r.clock().UnixMilli()
	}
	r.grants[grantKey(g.AgentID, g.CapabilityID)] = g
	return nil
}

// GetCapability resolves a capability definition.
func (r *MemoryRegistry) GetCapability(_ context.Context, capabilityID string) (*contracts.CapabilityDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.caps[capabilityID]
	if !ok {
		return nil, ErrCapabilityNotFound
	}
	return &def, nil
}

// GrantFor returns the raw grant record, for test inspection.
func (r *MemoryRegistry) GrantFor(agentID, capabilityID string) (Grant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.grants[grantKey(agentID, capabilityID)]
	return g, ok
}
