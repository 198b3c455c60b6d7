package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/pitabwire/approvals/model"
)

// ActionBehavior is the work performed when an instance sits on an action,
// together with the action's opinion on access to the target.
//
// Execute reports done=true once the action is complete. It may be called
// repeatedly on the same unfinished runtime and must be idempotent.
type ActionBehavior interface {
	Execute(ctx context.Context, exec Execution) (done bool, err error)
	CanEditTarget(ctx context.Context, access Access) (model.Decision, error)
	CanViewTarget(ctx context.Context, access Access) (model.Decision, error)
	CanPublishTarget(ctx context.Context, access Access) (model.Decision, error)
}

// Execution is the input to ActionBehavior.Execute.
type Execution struct {
	Instance *model.WorkflowInstance
	Action   *model.ActionDefinition
	Runtime  *model.ActionRuntime
	Actor    *model.RequestContext
}

// Access is the input to the capability queries.
type Access struct {
	Instance    *model.WorkflowInstance
	Action      *model.ActionDefinition
	Actor       *model.RequestContext
	Assignments model.AssignmentResolver
}

// Built-in behavior names.
const (
	BehaviorNoop    = "noop"
	BehaviorManual  = "manual"
	BehaviorAwait   = "await"
	BehaviorPublish = "publish"
)

// BaseBehavior answers the capability queries from the action definition.
// Edit follows edit_policy; view and publish follow params.view and
// params.publish and are undecided otherwise.
type BaseBehavior struct{}

// CanEditTarget implements ActionBehavior.
func (BaseBehavior) CanEditTarget(ctx context.Context, a Access) (model.Decision, error) {
	switch a.Action.EditPolicy {
	case model.EditPolicyNo:
		return model.DecisionDeny, nil
	case model.EditPolicyByAssignees:
		if a.Assignments == nil || a.Actor == nil {
			return model.DecisionDeny, nil
		}
		ok, err := a.Assignments.IsAssigned(ctx, a.Actor, a.Instance)
		if err != nil {
			return model.DecisionUndecided, err
		}
		if ok {
			return model.DecisionAllow, nil
		}
		return model.DecisionDeny, nil
	}
	return model.DecisionUndecided, nil
}

// CanViewTarget implements ActionBehavior.
func (BaseBehavior) CanViewTarget(_ context.Context, a Access) (model.Decision, error) {
	return model.ParseDecision(a.Action.Params["view"]), nil
}

// CanPublishTarget implements ActionBehavior.
func (BaseBehavior) CanPublishTarget(_ context.Context, a Access) (model.Decision, error) {
	return model.ParseDecision(a.Action.Params["publish"]), nil
}

// NoopBehavior completes immediately. Registered as both "noop" and
// "manual": a manual gate has no work of its own, the choice of transition
// is what it waits for.
type NoopBehavior struct{ BaseBehavior }

// Execute implements ActionBehavior.
func (NoopBehavior) Execute(context.Context, Execution) (bool, error) {
	return true, nil
}

// AwaitBehavior completes once the instance state carries params.key.
type AwaitBehavior struct{ BaseBehavior }

// Execute implements ActionBehavior.
func (AwaitBehavior) Execute(_ context.Context, exec Execution) (bool, error) {
	key := exec.Action.Params["key"]
	if key == "" {
		return false, fmt.Errorf("await behavior on action %q requires params.key", exec.Action.ID)
	}
	return statePresent(exec.Instance.State, key), nil
}

// PublishBehavior announces the action on the event bus and completes.
type PublishBehavior struct {
	BaseBehavior
	publisher    message.Publisher
	defaultTopic string
}

// NewPublishBehavior creates a publish behavior. params.topic overrides
// defaultTopic per action.
func NewPublishBehavior(pub message.Publisher, defaultTopic string) *PublishBehavior {
	if defaultTopic == "" {
		defaultTopic = DefaultActionTopic
	}
	return &PublishBehavior{publisher: pub, defaultTopic: defaultTopic}
}

// Execute implements ActionBehavior.
func (b *PublishBehavior) Execute(ctx context.Context, exec Execution) (bool, error) {
	topic := exec.Action.Params["topic"]
	if topic == "" {
		topic = b.defaultTopic
	}

	msg, err := newEventMessage(ctx, EventActionEntered, exec.Actor, ActionEnteredEvent{
		InstanceID:   exec.Instance.ID,
		DefinitionID: exec.Instance.DefinitionID,
		TenantID:     exec.Instance.TenantID,
		ActionID:     exec.Action.ID,
		RuntimeID:    exec.Runtime.ID,
		Target:       exec.Instance.Target,
		OccurredAt:   time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if err := b.publisher.Publish(topic, msg); err != nil {
		return false, fmt.Errorf("publish %s: %w", topic, err)
	}
	return true, nil
}

// DefaultBehaviors returns a registry with the built-in behaviors. The
// publish behavior is only registered when pub is non-nil.
func DefaultBehaviors(pub message.Publisher) *BehaviorRegistry {
	r := NewRegistry[ActionBehavior]("behavior")
	r.Register(BehaviorNoop, NoopBehavior{})
	r.Register(BehaviorManual, NoopBehavior{})
	r.Register(BehaviorAwait, AwaitBehavior{})
	if pub != nil {
		r.Register(BehaviorPublish, NewPublishBehavior(pub, ""))
	}
	return r
}

func statePresent(state map[string]any, key string) bool {
	v, ok := state[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString && s == "" {
		return false
	}
	return true
}
