package model

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

// Workflow instance status constants. Complete and cancelled are terminal.
const (
	InstanceStatusActive    InstanceStatus = "active"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusComplete  InstanceStatus = "complete"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether no further execution is valid for the status.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusComplete || s == InstanceStatusCancelled
}

// Valid reports whether s is a known status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceStatusActive, InstanceStatusPaused, InstanceStatusComplete, InstanceStatusCancelled:
		return true
	}
	return false
}

// TargetRef identifies the business object a workflow governs.
type TargetRef struct {
	Type string `json:"type" yaml:"type"`
	ID   string `json:"id"   yaml:"id"`
}

// String renders the reference as "type:id".
func (t TargetRef) String() string {
	return t.Type + ":" + t.ID
}

// WorkflowInstance is one running occurrence of a workflow definition.
type WorkflowInstance struct {
	ID               string         `json:"id"`
	DefinitionID     string         `json:"definition_id"`
	TenantID         string         `json:"tenant_id"`
	Title            string         `json:"title"`
	Status           InstanceStatus `json:"status"`
	Target           *TargetRef     `json:"target,omitempty"`
	CurrentRuntimeID string         `json:"current_runtime_id,omitempty"`
	InitiatorID      string         `json:"initiator_id"`
	AssignedUsers    []string       `json:"assigned_users"`
	AssignedGroups   []string       `json:"assigned_groups"`
	State            map[string]any `json:"state,omitempty"`
	CancelReason     string         `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Version          int            `json:"version"`
}

// ActionRuntime records one visit of an action within an instance. Runtimes
// are append-only; one is created every time the instance enters an action.
type ActionRuntime struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	ActionID   string     `json:"action_id"`
	Sequence   int        `json:"sequence"`
	Finished   bool       `json:"finished"`
	ActorID    string     `json:"actor_id,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// WorkflowSummary is a lightweight representation of a workflow instance
// used in list views.
type WorkflowSummary struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	Title        string         `json:"title"`
	Status       InstanceStatus `json:"status"`
	Target       *TargetRef     `json:"target,omitempty"`
	InitiatorID  string         `json:"initiator_id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// WorkflowFilters describes filters for listing workflow instances.
type WorkflowFilters struct {
	Status       InstanceStatus `json:"status,omitempty"`
	DefinitionID string         `json:"definition_id,omitempty"`
	Target       *TargetRef     `json:"target,omitempty"`
	Page         int            `json:"page"`
	PageSize     int            `json:"page_size"`
}
