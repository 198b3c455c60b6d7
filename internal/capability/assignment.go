package capability

import (
	"context"

	"github.com/pitabwire/approvals/model"
)

// Assignments implements model.AssignmentResolver from the users and groups
// recorded on the instance and the groups carried by the actor's token.
type Assignments struct{}

// NewAssignments creates an Assignments resolver.
func NewAssignments() *Assignments {
	return &Assignments{}
}

// IsAssigned reports whether the actor is one of the instance's assigned
// users or belongs to one of its assigned groups. Actors from another tenant
// are never assigned.
func (a *Assignments) IsAssigned(_ context.Context, actor *model.RequestContext, inst *model.WorkflowInstance) (bool, error) {
	if actor == nil || inst == nil {
		return false, nil
	}
	if inst.TenantID != "" && actor.TenantID != inst.TenantID {
		return false, nil
	}
	for _, u := range inst.AssignedUsers {
		if u == actor.SubjectID {
			return true, nil
		}
	}
	for _, g := range inst.AssignedGroups {
		if actor.InGroup(g) {
			return true, nil
		}
	}
	return false, nil
}
