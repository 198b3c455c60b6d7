package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/pitabwire/approvals/model"
)

// Event types carried in the "event_type" metadata key.
const (
	EventActionEntered   = "action.entered"
	EventTransitionTaken = "transition.taken"
	EventTargetChanged   = "target.changed"
)

// Default topics.
const (
	DefaultActionTopic     = "workflow.actions"
	DefaultTransitionTopic = "workflow.transitions"
	DefaultTargetTopic     = "workflow.target.changed"
)

// ActionEnteredEvent is published by the publish behavior.
type ActionEnteredEvent struct {
	InstanceID   string           `json:"instance_id"`
	DefinitionID string           `json:"definition_id"`
	TenantID     string           `json:"tenant_id"`
	ActionID     string           `json:"action_id"`
	RuntimeID    string           `json:"runtime_id"`
	Target       *model.TargetRef `json:"target,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// TransitionTakenEvent is published by the publish hook.
type TransitionTakenEvent struct {
	InstanceID   string           `json:"instance_id"`
	DefinitionID string           `json:"definition_id"`
	TenantID     string           `json:"tenant_id"`
	TransitionID string           `json:"transition_id"`
	From         string           `json:"from"`
	To           string           `json:"to"`
	Mode         string           `json:"mode"`
	ActorID      string           `json:"actor_id,omitempty"`
	Comment      string           `json:"comment,omitempty"`
	Target       *model.TargetRef `json:"target,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// newEventMessage encodes payload as a JSON watermill message tagged with
// its event type and the actor's correlation ID.
func newEventMessage(ctx context.Context, eventType string, actor *model.RequestContext, payload any) (*message.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.SetContext(ctx)
	msg.Metadata.Set("event_type", eventType)
	if actor != nil {
		msg.Metadata.Set("tenant_id", actor.TenantID)
		if actor.CorrelationID != "" {
			middleware.SetCorrelationID(actor.CorrelationID, msg)
		}
	}
	return msg, nil
}

// PublishTargetChanged announces that the business object behind target
// has changed, so instances bound to it are re-executed by a Trigger.
func PublishTargetChanged(ctx context.Context, pub message.Publisher, topic string, target model.TargetRef) error {
	if topic == "" {
		topic = DefaultTargetTopic
	}
	msg, err := newEventMessage(ctx, EventTargetChanged, model.RequestContextFrom(ctx), target)
	if err != nil {
		return err
	}
	if err := pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
