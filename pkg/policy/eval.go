package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/profile"
)

// Request is the input to a policy evaluation.
type Request struct {
	AgentID    string
	Capability string
	Context    map[string]any
}

// Outcome is the result of evaluating all applicable policies.
// Evaluations holds one record per policy that reached a decision or
// failed closed; it is persisted regardless of outcome.
type Outcome struct {
	Denied      bool
	Violations  []string
	Evaluations []contracts.PolicyEvaluation
}

// Evaluator compiles and runs CEL rule conditions. Programs are compiled
// once per (policy, version, rule) and cached.
type Evaluator struct {
	env     *cel.Env
	matcher *profile.Matcher

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator initializes the CEL environment with the standard policy
// attributes: agent_id, capability, context.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("agent_id", types.StringType),
			decls.NewVariable("capability", types.StringType),
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &Evaluator{
		env:      env,
		matcher:  profile.NewMatcher(),
		programs: make(map[string]cel.Program),
	}, nil
}

// ClearCache drops all compiled programs.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.programs = make(map[string]cel.Program)
	e.mu.Unlock()
}

// Evaluate runs the active policies for the capability's domain (plus
// global policies) against the request, denying on the first Deny
// decision. Called through the Registry so the active-policy cache is
// used.
func (r *Registry) Evaluate(ctx context.Context, req Request) (*Outcome, error) {
	domain := contracts.Domain(req.Capability)
	policies, err := r.activeForDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("load policies for domain %s: %w", domain, err)
	}

	now := r.clock().UnixMilli()
	outcome := &Outcome{}
	for _, p := range policies {
		action, ruleID, reason := r.evaluator.evaluatePolicy(p, req)
		if action == "" {
			continue // no rule matched; policy abstains
		}

		outcome.Evaluations = append(outcome.Evaluations, contracts.PolicyEvaluation{
			EvaluationID: uuid.New().String(),
			PolicyID:     p.PolicyID,
			Version:      p.Version,
			AgentID:      req.AgentID,
			Capability:   req.Capability,
			Action:       action,
			RuleID:       ruleID,
			Reason:       reason,
			EvaluatedAt:  now,
		})

		if action == contracts.PolicyDeny {
			outcome.Denied = true
			outcome.Violations = append(outcome.Violations,
				fmt.Sprintf("policy %s@%s: %s", p.PolicyID, p.Version, reason))
		}
	}
	return outcome, nil
}

// evaluatePolicy returns the decision of the highest-priority matching
// rule and empty action when no rule matches. Evaluation errors fail
// closed: an erroring deny rule still denies, an erroring allow rule is
// skipped so it can never allow by accident.
func (e *Evaluator) evaluatePolicy(p contracts.Policy, req Request) (contracts.PolicyAction, string, string) {
	rules := make([]contracts.PolicyRule, len(p.Rules))
	copy(rules, p.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for i, rule := range rules {
		matched, err := e.matchRule(p, i, rule, req)
		if err != nil {
			action := contracts.ParsePolicyAction(string(rule.Action))
			if action == contracts.PolicyAllow {
				continue
			}
			// Fail closed: a broken restrictive rule still restricts.
			return contracts.PolicyDeny, rule.RuleID,
				fmt.Sprintf("rule evaluation failed (%v); failing closed", err)
		}
		if !matched {
			continue
		}

		action := contracts.ParsePolicyAction(string(rule.Action))
		if action == contracts.PolicyActionUnknown {
			return contracts.PolicyDeny, rule.RuleID,
				fmt.Sprintf("unrecognized action %q; failing closed", rule.Action)
		}
		reason := rule.Rationale
		if reason == "" {
			reason = fmt.Sprintf("matched rule %d", i)
		}
		return action, rule.RuleID, reason
	}
	return "", "", ""
}

func (e *Evaluator) matchRule(p contracts.Policy, idx int, rule contracts.PolicyRule, req Request) (bool, error) {
	switch contracts.ParseConditionType(string(rule.ConditionType)) {
	case contracts.ConditionAlways:
		return true, nil
	case contracts.ConditionPattern:
		return e.matcher.Matches(rule.Condition, req.Capability), nil
	case contracts.ConditionCEL:
		return e.evalCEL(p, idx, rule.Condition, req)
	default:
		return false, fmt.Errorf("unrecognized condition type %q", rule.ConditionType)
	}
}

func (e *Evaluator) evalCEL(p contracts.Policy, idx int, expr string, req Request) (bool, error) {
	key := fmt.Sprintf("%s@%s#%d", p.PolicyID, p.Version, idx)

	e.mu.RLock()
	prg, ok := e.programs[key]
	e.mu.RUnlock()

	if !ok {
		ast, issues := e.env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("compile condition: %w", issues.Err())
		}
		var err error
		prg, err = e.env.Program(ast)
		if err != nil {
			return false, fmt.Errorf("construct program: %w", err)
		}
		e.mu.Lock()
		e.programs[key] = prg
		e.mu.Unlock()
	}

	reqCtx := req.Context
	if reqCtx == nil {
		reqCtx = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"agent_id":   req.AgentID,
		"capability": req.Capability,
		"context":    reqCtx,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out.Value())
	}
	return matched, nil
}
