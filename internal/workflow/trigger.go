package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// TriggerHandlerName is the router handler name used by Trigger.
const TriggerHandlerName = "workflow_target_changed"

// Trigger re-executes the instances bound to a target whenever a
// target-changed event arrives.
type Trigger struct {
	engine *Engine
	store  WorkflowStore
	logger *zap.Logger
}

// NewTrigger creates a trigger.
func NewTrigger(engine *Engine, store WorkflowStore, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{engine: engine, store: store, logger: logger}
}

// Register subscribes the trigger to topic on router.
func (t *Trigger) Register(router *message.Router, sub message.Subscriber, topic string) {
	if topic == "" {
		topic = DefaultTargetTopic
	}
	router.AddNoPublisherHandler(TriggerHandlerName, topic, sub, t.Handle)
}

// Handle processes one target-changed message. Malformed payloads are
// logged and acked; only a store failure nacks the message.
func (t *Trigger) Handle(msg *message.Message) error {
	var target model.TargetRef
	if err := json.Unmarshal(msg.Payload, &target); err != nil {
		t.logger.Warn("discarding malformed target event",
			zap.String("message_uuid", msg.UUID), zap.Error(err))
		return nil
	}
	if target.Type == "" || target.ID == "" {
		t.logger.Warn("discarding target event without type or id",
			zap.String("message_uuid", msg.UUID))
		return nil
	}

	_, err := t.ExecuteForTarget(msg.Context(), target)
	return err
}

// ExecuteForTarget executes every non-terminal instance bound to target and
// returns how many were executed without error.
func (t *Trigger) ExecuteForTarget(ctx context.Context, target model.TargetRef) (int, error) {
	instances, err := t.store.FindByTarget(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("find instances for %s: %w", target, err)
	}

	executed := 0
	for _, inst := range instances {
		after, err := t.engine.Execute(ctx, model.SystemActor(inst.TenantID), inst.ID)
		if err != nil && !model.HookFailureOnly(err) {
			t.logger.Warn("target trigger execute failed",
				append(observability.InstanceFields(&inst), zap.Error(err))...)
			continue
		}
		if err != nil {
			t.logger.Warn("target trigger hook failure",
				append(observability.InstanceFields(&after), zap.Error(err))...)
		}
		executed++
	}

	t.logger.Debug("target trigger handled",
		zap.String("target", target.String()),
		zap.Int("instances", len(instances)),
		zap.Int("executed", executed))
	return executed, nil
}
