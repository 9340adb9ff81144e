// Package goldenpath enforces the mandated domain call sequence
// (State → Decision → Governance → Action → State → Evidence) around
// capability invocations, plus per-capability precondition checks and
// declared-side-effect tracking. All three checks run before execution;
// a violation rejects the call, it never unwinds one.
package goldenpath

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Domain is the first dot-segment of a capability id.
type Domain string

const (
	DomainState      Domain = "state"
	DomainDecision   Domain = "decision"
	DomainGovernance Domain = "governance"
	DomainAction     Domain = "action"
	DomainEvidence   Domain = "evidence"
	DomainMemory     Domain = "memory"
)

// ErrSequenceViolation is the base error for all call-order rejections.
var ErrSequenceViolation = errors.New("call sequence violation")

// DomainOf extracts the domain of a capability id.
func DomainOf(capabilityID string) Domain {
	if i := strings.IndexByte(capabilityID, '.'); i > 0 {
		return Domain(capabilityID[:i])
	}
	return Domain(capabilityID)
}

// allowedNext is the transition table of the mandated sequence. Memory
// writes may happen anywhere in the flow but may never precede action
// execution; evidence is a sink with no outbound transitions. Repeated
// calls within one domain do not advance the sequence and are allowed.
var allowedNext = map[Domain]map[Domain]bool{
	DomainState:      {DomainDecision: true, DomainEvidence: true, DomainMemory: true},
	DomainDecision:   {DomainGovernance: true, DomainMemory: true},
	DomainGovernance: {DomainAction: true, DomainMemory: true},
	DomainAction:     {DomainState: true, DomainMemory: true},
	DomainMemory:     {DomainState: true, DomainDecision: true, DomainEvidence: true},
}

// session holds one agent session's call history.
type session struct {
	last      Domain
	lastSet   bool
	calls     []string
	startedAt int64
}

// Validator is the per-session sequence state machine. Safe for
// concurrent use across sessions.
type Validator struct {
	mu       sync.Mutex
	sessions map[string]*session
	logger   *slog.Logger
	clock    func() time.Time
}

// NewValidator creates a sequence validator.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		sessions: make(map[string]*session),
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// ValidateCall checks whether capabilityID may be invoked next in the
// session and records it on success. The check happens before
// execution.
func (v *Validator) ValidateCall(sessionID, capabilityID string) error {
	domain := DomainOf(capabilityID)

	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.sessions[sessionID]
	if s == nil {
		s = &session{startedAt: v.clock().UnixMilli()}
		v.sessions[sessionID] = s
	}

	if s.lastSet {
		if err := v.checkTransition(s.last, domain); err != nil {
			v.logger.Warn("call sequence violation",
				"session_id", sessionID, "from", s.last, "to", domain, "capability", capabilityID)
			return err
		}
	} else if domain != DomainState {
		return fmt.Errorf("%w: session must begin in the state domain, got %s", ErrSequenceViolation, domain)
	}

	s.last = domain
	s.lastSet = true
	s.calls = append(s.calls, capabilityID)
	return nil
}

func (v *Validator) checkTransition(from, to Domain) error {
	switch {
	case from == DomainEvidence:
		return fmt.Errorf("%w: evidence is a sink, no calls may follow %s", ErrSequenceViolation, from)
	case from == DomainDecision && to == DomainAction:
		return fmt.Errorf("%w: decision may not invoke action directly, the plan must pass governance first", ErrSequenceViolation)
	case from == DomainState && to == DomainAction:
		return fmt.Errorf("%w: state may not invoke action directly, bypassing governance", ErrSequenceViolation)
	case from == DomainMemory && to == DomainAction:
		return fmt.Errorf("%w: a memory write may not be followed by action execution", ErrSequenceViolation)
	}
	// Consecutive calls within one domain stay in place on the path.
	if from == to {
		return nil
	}
	if !allowedNext[from][to] {
		return fmt.Errorf("%w: %s -> %s is not part of the mandated sequence", ErrSequenceViolation, from, to)
	}
	return nil
}

// History returns the ordered capability calls recorded for a session.
func (v *Validator) History(sessionID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.sessions[sessionID]
	if s == nil {
		return nil
	}
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// EndSession discards a session's state.
func (v *Validator) EndSession(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.sessions, sessionID)
}
