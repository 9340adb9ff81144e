package goldenpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wardenhq/warden/pkg/grants"
)

// Mode selects how undeclared side effects are handled.
type Mode string

const (
	// ModeStrict rejects an undeclared side effect immediately.
	ModeStrict Mode = "strict"
	// ModePermissive logs and counts undeclared side effects.
	ModePermissive Mode = "permissive"
)

// ErrUndeclaredSideEffect is returned in strict mode when a capability
// produces a side effect it never declared.
var ErrUndeclaredSideEffect = errors.New("undeclared side effect")

// SideEffect is one observed effect during a session.
type SideEffect struct {
	EffectType string `json:"effect_type"`
	Capability string `json:"capability"`
	Target     string `json:"target,omitempty"`
	Declared   bool   `json:"declared"`
}

// Summary aggregates a session's recorded effects.
type Summary struct {
	Total        int            `json:"total"`
	Declared     int            `json:"declared"`
	Unexpected   int            `json:"unexpected"`
	ByType       map[string]int `json:"by_type"`
	ByCapability map[string]int `json:"by_capability"`
}

// SideEffectTracker compares side effects actually produced against the
// capability's declared set. Safe for concurrent use.
type SideEffectTracker struct {
	mu       sync.Mutex
	registry grants.Registry
	mode     Mode
	sessions map[string][]SideEffect
	logger   *slog.Logger
}

// NewSideEffectTracker creates a tracker in the given mode.
func NewSideEffectTracker(registry grants.Registry, mode Mode, logger *slog.Logger) *SideEffectTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SideEffectTracker{
		registry: registry,
		mode:     mode,
		sessions: make(map[string][]SideEffect),
		logger:   logger,
	}
}

// Record registers a side effect produced by capabilityID within the
// session. An effect absent from the capability's declared set is a
// security violation: strict mode raises, permissive mode logs and
// counts it.
func (t *SideEffectTracker) Record(ctx context.Context, sessionID, capabilityID, effectType, target string) error {
	declared, err := t.isDeclared(ctx, capabilityID, effectType)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sessions[sessionID] = append(t.sessions[sessionID], SideEffect{
		EffectType: effectType,
		Capability: capabilityID,
		Target:     target,
		Declared:   declared,
	})
	t.mu.Unlock()

	if declared {
		return nil
	}
	if t.mode == ModeStrict {
		return fmt.Errorf("%w: %s produced %s", ErrUndeclaredSideEffect, capabilityID, effectType)
	}
	t.logger.Warn("undeclared side effect",
		"session_id", sessionID, "capability", capabilityID, "effect_type", effectType, "target", target)
	return nil
}

func (t *SideEffectTracker) isDeclared(ctx context.Context, capabilityID, effectType string) (bool, error) {
	def, err := t.registry.GetCapability(ctx, capabilityID)
	if err != nil {
		if errors.Is(err, grants.ErrCapabilityNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolve capability %s: %w", capabilityID, err)
	}
	for _, e := range def.ProducesSideEffects {
		if e == effectType {
			return true, nil
		}
	}
	return false, nil
}

// Summarize returns the per-session side-effect summary.
func (t *SideEffectTracker) Summarize(sessionID string) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		ByType:       make(map[string]int),
		ByCapability: make(map[string]int),
	}
	for _, e := range t.sessions[sessionID] {
		s.Total++
		if e.Declared {
			s.Declared++
		} else {
			s.Unexpected++
		}
		s.ByType[e.EffectType]++
		s.ByCapability[e.Capability]++
	}
	return s
}

// EndSession discards a session's recorded effects.
func (t *SideEffectTracker) EndSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
