package model

// DefinitionFile is the root structure of a definition file. Each file
// declares one or more workflow definitions.
type DefinitionFile struct {
	Version   string               `yaml:"version"   json:"version"`
	Workflows []WorkflowDefinition `yaml:"workflows" json:"workflows"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// ActionType tags how an action is expected to complete.
type ActionType string

// Action types.
const (
	// ActionTypeDynamic actions complete through their behavior without
	// human involvement.
	ActionTypeDynamic ActionType = "dynamic"
	// ActionTypeManual actions are gates that require an explicit
	// transition choice.
	ActionTypeManual ActionType = "manual"
)

// EditPolicy controls who may edit the target while an action is current.
type EditPolicy string

// Edit policies.
const (
	EditPolicyByAssignees     EditPolicy = "by_assignees"
	EditPolicyContentSettings EditPolicy = "content_settings"
	EditPolicyNo              EditPolicy = "no"
)

// WorkflowDefinition is a static, reusable graph of actions and transitions.
type WorkflowDefinition struct {
	ID             string             `yaml:"id"              json:"id"`
	Name           string             `yaml:"name"            json:"name"`
	InitialAction  string             `yaml:"initial_action"  json:"initial_action"`
	AssignedUsers  []string           `yaml:"assigned_users"  json:"assigned_users,omitempty"`
	AssignedGroups []string           `yaml:"assigned_groups" json:"assigned_groups,omitempty"`
	Actions        []ActionDefinition `yaml:"actions"         json:"actions"`
}

// Action returns the action with the given ID.
func (w *WorkflowDefinition) Action(actionID string) (*ActionDefinition, bool) {
	for i := range w.Actions {
		if w.Actions[i].ID == actionID {
			return &w.Actions[i], true
		}
	}
	return nil, false
}

// ActionDefinition describes one step of a workflow.
type ActionDefinition struct {
	ID          string                 `yaml:"id"          json:"id"`
	Name        string                 `yaml:"name"        json:"name"`
	Type        ActionType             `yaml:"type"        json:"type"`
	EditPolicy  EditPolicy             `yaml:"edit_policy" json:"edit_policy"`
	Behavior    string                 `yaml:"behavior"    json:"behavior,omitempty"`
	Params      map[string]string      `yaml:"params"      json:"params,omitempty"`
	SortOrder   int                    `yaml:"sort_order"  json:"sort_order"`
	Transitions []TransitionDefinition `yaml:"transitions" json:"transitions,omitempty"`
}

// Transition returns the outgoing transition with the given ID.
func (a *ActionDefinition) Transition(transitionID string) (*TransitionDefinition, bool) {
	for i := range a.Transitions {
		if a.Transitions[i].ID == transitionID {
			return &a.Transitions[i], true
		}
	}
	return nil, false
}

// TransitionDefinition is a directed, optionally guarded edge between two
// actions. From is implied by nesting under an action and filled in when the
// definition is registered.
type TransitionDefinition struct {
	ID    string           `yaml:"id"    json:"id"`
	Name  string           `yaml:"name"  json:"name,omitempty"`
	From  string           `yaml:"-"     json:"from"`
	To    string           `yaml:"to"    json:"to"`
	Guard *GuardDefinition `yaml:"guard" json:"guard,omitempty"`
	Hooks []HookDefinition `yaml:"hooks" json:"hooks,omitempty"`
}

// GuardDefinition selects a TransitionGuard implementation by type.
type GuardDefinition struct {
	Type   string            `yaml:"type"   json:"type"`
	Params map[string]string `yaml:"params" json:"params,omitempty"`
}

// HookDefinition selects a post-transition hook implementation by type.
type HookDefinition struct {
	Type   string            `yaml:"type"   json:"type"`
	Params map[string]string `yaml:"params" json:"params,omitempty"`
}
