package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// TransitionHook runs after a transition has been committed. Failures are
// reported to the caller but never roll the transition back.
type TransitionHook interface {
	AfterTransition(ctx context.Context, ev TransitionEvent) error
}

// Transition modes.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// TransitionEvent describes a committed transition.
type TransitionEvent struct {
	Instance   *model.WorkflowInstance
	Transition *model.TransitionDefinition
	Params     map[string]string
	Leaving    model.ActionRuntime
	Entered    model.ActionRuntime
	Actor      *model.RequestContext
	Mode       string
}

// Built-in hook types.
const (
	HookLog     = "log"
	HookPublish = "publish"
)

// LogHook writes an info line per transition.
type LogHook struct {
	logger *zap.Logger
}

// NewLogHook creates a log hook.
func NewLogHook(logger *zap.Logger) *LogHook {
	return &LogHook{logger: logger}
}

// AfterTransition implements TransitionHook.
func (h *LogHook) AfterTransition(ctx context.Context, ev TransitionEvent) error {
	fields := append(observability.InstanceFields(ev.Instance),
		zap.String("transition_id", ev.Transition.ID),
		zap.String("from", ev.Transition.From),
		zap.String("to", ev.Transition.To),
		zap.String("mode", ev.Mode),
	)
	if msg := ev.Params["message"]; msg != "" {
		fields = append(fields, zap.String("note", msg))
	}
	fields = append(fields, observability.ActorFields(ev.Actor)...)
	observability.LoggerFrom(ctx, h.logger).Info("workflow transition", fields...)
	return nil
}

// PublishHook publishes a transition.taken message.
type PublishHook struct {
	publisher    message.Publisher
	defaultTopic string
}

// NewPublishHook creates a publish hook. params.topic overrides defaultTopic
// per transition.
func NewPublishHook(pub message.Publisher, defaultTopic string) *PublishHook {
	if defaultTopic == "" {
		defaultTopic = DefaultTransitionTopic
	}
	return &PublishHook{publisher: pub, defaultTopic: defaultTopic}
}

// AfterTransition implements TransitionHook.
func (h *PublishHook) AfterTransition(ctx context.Context, ev TransitionEvent) error {
	topic := ev.Params["topic"]
	if topic == "" {
		topic = h.defaultTopic
	}

	payload := TransitionTakenEvent{
		InstanceID:   ev.Instance.ID,
		DefinitionID: ev.Instance.DefinitionID,
		TenantID:     ev.Instance.TenantID,
		TransitionID: ev.Transition.ID,
		From:         ev.Transition.From,
		To:           ev.Transition.To,
		Mode:         ev.Mode,
		Comment:      ev.Leaving.Comment,
		Target:       ev.Instance.Target,
		OccurredAt:   time.Now().UTC(),
	}
	if ev.Actor != nil {
		payload.ActorID = ev.Actor.SubjectID
	}

	msg, err := newEventMessage(ctx, EventTransitionTaken, ev.Actor, payload)
	if err != nil {
		return err
	}
	if err := h.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// DefaultHooks returns a registry with the built-in hooks. The publish hook
// is only registered when pub is non-nil.
func DefaultHooks(logger *zap.Logger, pub message.Publisher, transitionTopic string) *HookRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := NewRegistry[TransitionHook]("hook")
	r.Register(HookLog, NewLogHook(logger))
	if pub != nil {
		r.Register(HookPublish, NewPublishHook(pub, transitionTopic))
	}
	return r
}
