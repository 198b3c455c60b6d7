package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/approvals/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// DefaultImmediateBehaviors lists the built-in behaviors that report done on
// their first execution.
var DefaultImmediateBehaviors = []string{"noop", "manual", "publish"}

// KnownTypes lists the behavior, guard and hook names the running system
// can resolve. Immediate names the behaviors that finish on first execution
// and therefore take part in auto-advance cycle detection.
type KnownTypes struct {
	Behaviors []string
	Guards    []string
	Hooks     []string
	Immediate []string
}

// Validator validates definitions structurally and referentially, and
// detects cycles that would auto-advance forever.
type Validator struct {
	behaviors map[string]bool
	guards    map[string]bool
	hooks     map[string]bool
	immediate map[string]bool
}

// NewValidator creates a new Validator. A nil KnownTypes skips name
// resolution checks.
func NewValidator(known *KnownTypes) *Validator {
	v := &Validator{immediate: toSet(DefaultImmediateBehaviors)}
	if known != nil {
		v.behaviors = toSet(known.Behaviors)
		v.guards = toSet(known.Guards)
		v.hooks = toSet(known.Hooks)
		if len(known.Immediate) > 0 {
			v.immediate = toSet(known.Immediate)
		}
	}
	return v
}

func toSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Validate checks all definition files.
func (v *Validator) Validate(files []model.DefinitionFile) []VError {
	var errs []VError
	seen := make(map[string]string)

	for i, f := range files {
		prefix := f.SourceFile
		if prefix == "" {
			prefix = fmt.Sprintf("files[%d]", i)
		}
		if f.Version == "" {
			errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
		}
		for j, w := range f.Workflows {
			wp := fmt.Sprintf("%s.workflows[%d]", prefix, j)
			if w.ID != "" {
				if other, dup := seen[w.ID]; dup {
					errs = append(errs, VError{
						Path:    wp + ".id",
						Code:    "DUPLICATE",
						Message: fmt.Sprintf("workflow %q already declared at %s", w.ID, other),
					})
				}
				seen[w.ID] = wp
			}
			errs = append(errs, v.ValidateWorkflow(wp, w)...)
		}
	}
	return errs
}

var validActionTypes = map[model.ActionType]bool{
	model.ActionTypeDynamic: true, model.ActionTypeManual: true,
}

var validEditPolicies = map[model.EditPolicy]bool{
	model.EditPolicyByAssignees: true, model.EditPolicyContentSettings: true, model.EditPolicyNo: true,
}

// ValidateWorkflow checks a single workflow definition. Paths in the returned
// errors are rooted at prefix.
func (v *Validator) ValidateWorkflow(prefix string, raw model.WorkflowDefinition) []VError {
	var errs []VError

	if raw.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if raw.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(raw.Actions) == 0 {
		errs = append(errs, VError{Path: prefix + ".actions", Code: "REQUIRED", Message: "at least one action is required"})
	}

	for i, a := range raw.Actions {
		if a.SortOrder < 0 {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.actions[%d].sort_order", prefix, i),
				Code:    "RANGE",
				Message: "sort_order must not be negative",
			})
		}
	}

	w := Normalize(raw)

	actionIDs := make(map[string]bool)
	for i, a := range w.Actions {
		ap := fmt.Sprintf("%s.actions[%d]", prefix, i)
		if a.ID == "" {
			errs = append(errs, VError{Path: ap + ".id", Code: "REQUIRED", Message: "action id is required"})
		} else if actionIDs[a.ID] {
			errs = append(errs, VError{Path: ap + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("action %q declared twice", a.ID)})
		}
		actionIDs[a.ID] = true
	}

	if w.InitialAction == "" {
		errs = append(errs, VError{Path: prefix + ".initial_action", Code: "REQUIRED", Message: "initial_action is required"})
	} else if !actionIDs[w.InitialAction] {
		errs = append(errs, VError{
			Path:    prefix + ".initial_action",
			Code:    "REF_NOT_FOUND",
			Message: fmt.Sprintf("initial_action %q not found in actions", w.InitialAction),
		})
	}

	for i, a := range w.Actions {
		ap := fmt.Sprintf("%s.actions[%d]", prefix, i)
		errs = append(errs, v.validateAction(ap, a, actionIDs)...)
	}

	errs = append(errs, v.detectAutoAdvanceCycles(prefix, w)...)

	return errs
}

func (v *Validator) validateAction(prefix string, a model.ActionDefinition, actionIDs map[string]bool) []VError {
	var errs []VError

	if a.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "action type is required"})
	} else if !validActionTypes[a.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid action type %q", a.Type)})
	}
	if !validEditPolicies[a.EditPolicy] {
		errs = append(errs, VError{Path: prefix + ".edit_policy", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid edit policy %q", a.EditPolicy)})
	}
	if v.behaviors != nil && !v.behaviors[a.Behavior] {
		errs = append(errs, VError{Path: prefix + ".behavior", Code: "UNKNOWN_BEHAVIOR", Message: fmt.Sprintf("behavior %q is not registered", a.Behavior)})
	}

	transitionIDs := make(map[string]bool)
	for i, t := range a.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if transitionIDs[t.ID] {
			errs = append(errs, VError{Path: tp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("transition %q declared twice", t.ID)})
		}
		transitionIDs[t.ID] = true

		if t.To == "" {
			errs = append(errs, VError{Path: tp + ".to", Code: "REQUIRED", Message: "transition target is required"})
		} else if !actionIDs[t.To] {
			errs = append(errs, VError{Path: tp + ".to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("action %q not found", t.To)})
		}

		if t.Guard != nil {
			if t.Guard.Type == "" {
				errs = append(errs, VError{Path: tp + ".guard.type", Code: "REQUIRED", Message: "guard type is required"})
			} else if v.guards != nil && !v.guards[t.Guard.Type] {
				errs = append(errs, VError{Path: tp + ".guard.type", Code: "UNKNOWN_GUARD", Message: fmt.Sprintf("guard %q is not registered", t.Guard.Type)})
			}
		}
		for j, h := range t.Hooks {
			hp := fmt.Sprintf("%s.hooks[%d].type", tp, j)
			if h.Type == "" {
				errs = append(errs, VError{Path: hp, Code: "REQUIRED", Message: "hook type is required"})
			} else if v.hooks != nil && !v.hooks[h.Type] {
				errs = append(errs, VError{Path: hp, Code: "UNKNOWN_HOOK", Message: fmt.Sprintf("hook %q is not registered", h.Type)})
			}
		}
	}

	return errs
}

// detectAutoAdvanceCycles finds cycles made only of actions that finish
// immediately and have exactly one unguarded transition. An instance entering
// such a cycle would advance until the chain limit is hit.
func (v *Validator) detectAutoAdvanceCycles(prefix string, w model.WorkflowDefinition) []VError {
	next := make(map[string]string)
	for _, a := range w.Actions {
		if len(a.Transitions) != 1 || a.Transitions[0].Guard != nil {
			continue
		}
		if !v.immediate[a.Behavior] {
			continue
		}
		next[a.ID] = a.Transitions[0].To
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var errs []VError

	for _, a := range w.Actions {
		if state[a.ID] != unvisited {
			continue
		}
		var path []string
		id := a.ID
		for {
			if state[id] == done {
				break
			}
			if state[id] == visiting {
				start := indexOf(path, id)
				cycle := append(append([]string(nil), path[start:]...), id)
				errs = append(errs, VError{
					Path:    prefix + ".actions",
					Code:    "AUTO_ADVANCE_CYCLE",
					Message: fmt.Sprintf("actions advance automatically in a cycle: %s", strings.Join(cycle, " -> ")),
				})
				break
			}
			to, ok := next[id]
			if !ok {
				break
			}
			state[id] = visiting
			path = append(path, id)
			id = to
		}
		for _, p := range path {
			state[p] = done
		}
	}

	return errs
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
