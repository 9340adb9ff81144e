package goldenpath

import (
	"context"
	"errors"
	"fmt"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/grants"
)

var (
	// ErrPreconditionFailed is the base error for precondition rejections.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrDependencyCycle is returned when capability requirements loop.
	ErrDependencyCycle = errors.New("dependency cycle in capability requirements")
)

// PreconditionChecker verifies that a capability's declared requirements
// and domain state preconditions hold before it runs.
type PreconditionChecker struct {
	registry grants.Registry
}

// NewPreconditionChecker wires a checker onto the grant registry.
func NewPreconditionChecker(registry grants.Registry) *PreconditionChecker {
	return &PreconditionChecker{registry: registry}
}

// Check verifies all preconditions for agentID invoking capabilityID.
// Declared requires dependencies are resolved recursively; each one must
// itself be granted to the agent.
func (c *PreconditionChecker) Check(ctx context.Context, agentID, capabilityID string, reqCtx map[string]any) error {
	def, err := c.registry.GetCapability(ctx, capabilityID)
	if err != nil {
		if errors.Is(err, grants.ErrCapabilityNotFound) {
			return fmt.Errorf("%w: capability %s is not defined", ErrPreconditionFailed, capabilityID)
		}
		return fmt.Errorf("resolve capability %s: %w", capabilityID, err)
	}

	visited := map[string]bool{capabilityID: true}
	if err := c.checkRequires(ctx, agentID, def, visited); err != nil {
		return err
	}
	return c.checkStatePreconditions(capabilityID, reqCtx)
}

func (c *PreconditionChecker) checkRequires(ctx context.Context, agentID string, def *contracts.CapabilityDefinition, visited map[string]bool) error {
	for _, required := range def.Requires {
		if visited[required] {
			return fmt.Errorf("%w: %s", ErrDependencyCycle, required)
		}
		visited[required] = true

		held, err := c.registry.HasCapability(ctx, agentID, required)
		if err != nil {
			return fmt.Errorf("check requirement %s: %w", required, err)
		}
		if !held {
			return fmt.Errorf("%w: required capability %s is not granted", ErrPreconditionFailed, required)
		}

		reqDef, err := c.registry.GetCapability(ctx, required)
		if err != nil {
			if errors.Is(err, grants.ErrCapabilityNotFound) {
				continue
			}
			return fmt.Errorf("resolve requirement %s: %w", required, err)
		}
		if err := c.checkRequires(ctx, agentID, reqDef, visited); err != nil {
			return err
		}
	}
	return nil
}

// checkStatePreconditions enforces the fixed domain rules: action
// capabilities need a frozen plan, file deletion needs explicit
// confirmation, rollback needs emergency approval.
func (c *PreconditionChecker) checkStatePreconditions(capabilityID string, reqCtx map[string]any) error {
	if DomainOf(capabilityID) == DomainAction && !boolFlag(reqCtx, "plan_frozen") {
		return fmt.Errorf("%w: action capabilities require a frozen plan (plan_frozen=true)", ErrPreconditionFailed)
	}
	if capabilityID == "action.file.delete" && !boolFlag(reqCtx, "confirmed") {
		return fmt.Errorf("%w: file deletion requires explicit confirmation (confirmed=true)", ErrPreconditionFailed)
	}
	if capabilityID == "action.rollback" && !boolFlag(reqCtx, "emergency_approved") {
		return fmt.Errorf("%w: rollback requires emergency approval (emergency_approved=true)", ErrPreconditionFailed)
	}
	return nil
}

func boolFlag(reqCtx map[string]any, key string) bool {
	if reqCtx == nil {
		return false
	}
	v, ok := reqCtx[key].(bool)
	return ok && v
}
