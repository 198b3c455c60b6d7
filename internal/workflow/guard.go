package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/pitabwire/approvals/model"
)

// TransitionGuard decides whether a transition may currently be taken. It
// must not have side effects. A transition without a guard is always valid.
type TransitionGuard interface {
	IsValid(ctx context.Context, in GuardInput) (bool, error)
}

// GuardInput is the input to TransitionGuard.IsValid.
type GuardInput struct {
	Transition *model.TransitionDefinition
	Params     map[string]string
	Instance   *model.WorkflowInstance
	Actor      *model.RequestContext
}

// Built-in guard types.
const (
	GuardCondition    = "condition"
	GuardStatePresent = "state_present"
	GuardCapability   = "capability"
	GuardAssignee     = "assignee"
)

// ConditionGuard evaluates params.expression against the instance state.
// Supported forms are "field == 'value'" and "field != 'value'"; a missing
// field compares as the empty string.
type ConditionGuard struct{}

// IsValid implements TransitionGuard.
func (ConditionGuard) IsValid(_ context.Context, in GuardInput) (bool, error) {
	expr := in.Params["expression"]
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("condition guard on transition %q requires params.expression", in.Transition.ID)
	}
	return evaluateCondition(expr, in.Instance.State)
}

// evaluateCondition evaluates a single equality or inequality comparison.
// The leftmost operator wins, so quoted values may contain either operator.
func evaluateCondition(condition string, state map[string]any) (bool, error) {
	eq := strings.Index(condition, "==")
	ne := strings.Index(condition, "!=")

	op := ""
	switch {
	case eq >= 0 && (ne < 0 || eq < ne):
		op = "=="
	case ne >= 0:
		op = "!="
	}
	field, expected, ok := splitCondition(condition, op)
	if !ok {
		return false, fmt.Errorf("unsupported condition %q", condition)
	}

	actual := stateString(state, field)
	if op == "==" {
		return actual == expected, nil
	}
	return actual != expected, nil
}

// splitCondition splits "field op 'value'" into its trimmed, unquoted parts.
func splitCondition(s, op string) (field, value string, ok bool) {
	if op == "" {
		return "", "", false
	}
	field, value, ok = strings.Cut(s, op)
	if !ok {
		return "", "", false
	}
	field = strings.TrimSpace(field)
	if field == "" {
		return "", "", false
	}
	return field, trimQuotes(strings.TrimSpace(value)), true
}

func trimQuotes(s string) string {
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return s[1 : len(s)-1]
	}
	return s
}

func stateString(state map[string]any, field string) string {
	v, ok := state[field]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// StatePresentGuard passes once the instance state carries params.key.
type StatePresentGuard struct{}

// IsValid implements TransitionGuard.
func (StatePresentGuard) IsValid(_ context.Context, in GuardInput) (bool, error) {
	key := in.Params["key"]
	if key == "" {
		return false, fmt.Errorf("state_present guard on transition %q requires params.key", in.Transition.ID)
	}
	return statePresent(in.Instance.State, key), nil
}

// CapabilityGuard passes when the actor holds params.capability.
type CapabilityGuard struct {
	resolver model.CapabilityResolver
}

// NewCapabilityGuard creates a capability guard.
func NewCapabilityGuard(resolver model.CapabilityResolver) *CapabilityGuard {
	return &CapabilityGuard{resolver: resolver}
}

// IsValid implements TransitionGuard.
func (g *CapabilityGuard) IsValid(_ context.Context, in GuardInput) (bool, error) {
	required := in.Params["capability"]
	if required == "" {
		return false, fmt.Errorf("capability guard on transition %q requires params.capability", in.Transition.ID)
	}
	if in.Actor == nil {
		return false, nil
	}
	caps, err := g.resolver.Resolve(in.Actor)
	if err != nil {
		return false, fmt.Errorf("resolve capabilities: %w", err)
	}
	return caps.Has(required), nil
}

// AssigneeGuard passes when the actor is among the instance's assigned
// users or groups.
type AssigneeGuard struct {
	assignments model.AssignmentResolver
}

// NewAssigneeGuard creates an assignee guard.
func NewAssigneeGuard(assignments model.AssignmentResolver) *AssigneeGuard {
	return &AssigneeGuard{assignments: assignments}
}

// IsValid implements TransitionGuard.
func (g *AssigneeGuard) IsValid(ctx context.Context, in GuardInput) (bool, error) {
	if in.Actor == nil {
		return false, nil
	}
	return g.assignments.IsAssigned(ctx, in.Actor, in.Instance)
}

// DefaultGuards returns a registry with the built-in guards. The capability
// guard is only registered when resolver is non-nil.
func DefaultGuards(resolver model.CapabilityResolver, assignments model.AssignmentResolver) *GuardRegistry {
	r := NewRegistry[TransitionGuard]("guard")
	r.Register(GuardCondition, ConditionGuard{})
	r.Register(GuardStatePresent, StatePresentGuard{})
	if assignments != nil {
		r.Register(GuardAssignee, NewAssigneeGuard(assignments))
	}
	if resolver != nil {
		r.Register(GuardCapability, NewCapabilityGuard(resolver))
	}
	return r
}
