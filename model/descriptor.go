package model

// Pause reasons reported on a paused instance's descriptor.
const (
	PauseReasonChoice  = "choice"
	PauseReasonWaiting = "waiting"
)

// InstanceDescriptor is the resolved view of a workflow instance: where it
// is, which transitions are currently open, and how it got there.
type InstanceDescriptor struct {
	Instance         WorkflowInstance    `json:"instance"`
	Name             string              `json:"name"`
	CurrentAction    *ActionSummary      `json:"current_action,omitempty"`
	ValidTransitions []TransitionSummary `json:"valid_transitions"`
	PauseReason      string              `json:"pause_reason,omitempty"`
	Actions          []ActionSummary     `json:"actions"`
	History          []HistoryEntry      `json:"history"`
}

// ActionSummary describes one action of the definition.
type ActionSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      ActionType `json:"type"`
	SortOrder int        `json:"sort_order"`
	Finished  bool       `json:"finished,omitempty"`
}

// TransitionSummary describes a transition that may be chosen.
type TransitionSummary struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	To   string `json:"to"`
}

// HistoryEntry is one ActionRuntime rendered for display.
type HistoryEntry struct {
	Sequence   int    `json:"sequence"`
	ActionID   string `json:"action_id"`
	ActionName string `json:"action_name"`
	Finished   bool   `json:"finished"`
	ActorID    string `json:"actor_id,omitempty"`
	Comment    string `json:"comment,omitempty"`
	EnteredAt  string `json:"entered_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// TargetAccess is the combined answer of the three capability queries.
type TargetAccess struct {
	Edit    Decision `json:"edit"`
	View    Decision `json:"view"`
	Publish Decision `json:"publish"`
}
