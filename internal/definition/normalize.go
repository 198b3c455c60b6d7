package definition

import (
	"maps"

	"github.com/pitabwire/approvals/model"
)

// Default behavior names by action type.
const (
	DefaultManualBehavior  = "manual"
	DefaultDynamicBehavior = "noop"
)

// Normalize returns a copy of w with implied values filled in:
//   - every transition records its source action in From
//   - transitions without an ID are named "<from>-><to>"
//   - actions without a behavior get the default for their type
//   - actions without an edit policy defer to content settings
//   - actions without a sort order get max(existing)+1 in declaration order
//
// The input is not modified and shares no maps or pointers with the result.
func Normalize(w model.WorkflowDefinition) model.WorkflowDefinition {
	out := w
	out.AssignedUsers = append([]string(nil), w.AssignedUsers...)
	out.AssignedGroups = append([]string(nil), w.AssignedGroups...)
	out.Actions = make([]model.ActionDefinition, len(w.Actions))

	maxOrder := 0
	for _, a := range w.Actions {
		if a.SortOrder > maxOrder {
			maxOrder = a.SortOrder
		}
	}

	for i, a := range w.Actions {
		na := a
		if na.Behavior == "" {
			if na.Type == model.ActionTypeDynamic {
				na.Behavior = DefaultDynamicBehavior
			} else {
				na.Behavior = DefaultManualBehavior
			}
		}
		if na.EditPolicy == "" {
			na.EditPolicy = model.EditPolicyContentSettings
		}
		if na.SortOrder <= 0 {
			maxOrder++
			na.SortOrder = maxOrder
		}
		na.Params = maps.Clone(a.Params)

		na.Transitions = make([]model.TransitionDefinition, len(a.Transitions))
		for j, t := range a.Transitions {
			nt := t
			nt.From = a.ID
			if nt.ID == "" {
				nt.ID = a.ID + "->" + t.To
			}
			if t.Guard != nil {
				g := *t.Guard
				g.Params = maps.Clone(t.Guard.Params)
				nt.Guard = &g
			}
			nt.Hooks = make([]model.HookDefinition, len(t.Hooks))
			for k, h := range t.Hooks {
				h.Params = maps.Clone(h.Params)
				nt.Hooks[k] = h
			}
			na.Transitions[j] = nt
		}
		out.Actions[i] = na
	}

	return out
}
