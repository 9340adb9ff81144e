// Package plan models execution plans that agents freeze before acting.
// A frozen plan is immutable; its content hash binds governance
// decisions to the exact steps that were reviewed.
package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/audit"
)

// Status of a plan.
type Status string

const (
	StatusDraft  Status = "DRAFT"
	StatusFrozen Status = "FROZEN"
)

var (
	// ErrAlreadyFrozen is returned when mutating or re-freezing a frozen plan.
	ErrAlreadyFrozen = errors.New("plan is frozen")
	// ErrEmptyPlan is returned when freezing a plan with no steps.
	ErrEmptyPlan = errors.New("plan has no steps")
)

// Step is one intended capability invocation.
type Step struct {
	StepID     string         `json:"step_id"`
	Capability string         `json:"capability"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Rationale  string         `json:"rationale,omitempty"`
}

// Plan is a sequence of intended steps. Drafts are mutable; freezing is
// one-way and computes the content hash.
type Plan struct {
	PlanID      string `json:"plan_id"`
	AgentID     string `json:"agent_id"`
	Goal        string `json:"goal"`
	Steps       []Step `json:"steps"`
	Status      Status `json:"status"`
	ContentHash string `json:"content_hash,omitempty"`
	CreatedAt   int64  `json:"created_at"` // epoch ms
	FrozenAt    int64  `json:"frozen_at,omitempty"`

	clock func() time.Time
}

// New creates a draft plan.
func New(agentID, goal string) *Plan {
	return &Plan{
		PlanID:    uuid.New().String(),
		AgentID:   agentID,
		Goal:      goal,
		Status:    StatusDraft,
		CreatedAt: time.Now().UnixMilli(),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Plan) WithClock(clock func() time.Time) *Plan {
	p.clock = clock
	p.CreatedAt = clock().UnixMilli()
	return p
}

// AddStep appends a step to a draft plan.
func (p *Plan) AddStep(capability string, args map[string]any, rationale string) error {
	if p.Status == StatusFrozen {
		return ErrAlreadyFrozen
	}
	p.Steps = append(p.Steps, Step{
		StepID:     fmt.Sprintf("step-%d", len(p.Steps)+1),
		Capability: capability,
		Arguments:  args,
		Rationale:  rationale,
	})
	return nil
}

// Freeze transitions the plan to FROZEN and computes its content hash
// over the goal and steps. Freezing is irreversible.
func (p *Plan) Freeze() error {
	if p.Status == StatusFrozen {
		return ErrAlreadyFrozen
	}
	if len(p.Steps) == 0 {
		return ErrEmptyPlan
	}
	hash, err := audit.HashCanonical(struct {
		AgentID string `json:"agent_id"`
		Goal    string `json:"goal"`
		Steps   []Step `json:"steps"`
	}{p.AgentID, p.Goal, p.Steps})
	if err != nil {
		return fmt.Errorf("hash plan: %w", err)
	}
	p.ContentHash = hash
	p.Status = StatusFrozen
	p.FrozenAt = p.clock().UnixMilli()
	return nil
}

// Frozen reports whether the plan has been frozen.
func (p *Plan) Frozen() bool {
	return p.Status == StatusFrozen
}

// Verify recomputes the content hash of a frozen plan and reports
// whether it still matches.
func (p *Plan) Verify() (bool, error) {
	if p.Status != StatusFrozen {
		return false, errors.New("plan is not frozen")
	}
	hash, err := audit.HashCanonical(struct {
		AgentID string `json:"agent_id"`
		Goal    string `json:"goal"`
		Steps   []Step `json:"steps"`
	}{p.AgentID, p.Goal, p.Steps})
	if err != nil {
		return false, fmt.Errorf("hash plan: %w", err)
	}
	return hash == p.ContentHash, nil
}
