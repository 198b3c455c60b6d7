package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/capability"
	"github.com/pitabwire/approvals/internal/definition"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

const defaultChainLimit = 25

// Engine drives workflow instances through their definitions.
//
// Every mutating operation holds the instance lock for its whole duration,
// and every write goes through the store's version check.
type Engine struct {
	registry     *definition.Registry
	store        WorkflowStore
	behaviors    *BehaviorRegistry
	guards       *GuardRegistry
	hooks        *HookRegistry
	locker       Locker
	assignments  model.AssignmentResolver
	capabilities model.CapabilityResolver
	metrics      *observability.Metrics
	logger       *zap.Logger
	chainLimit   int
	revalidate   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithBehaviors replaces the built-in behavior registry.
func WithBehaviors(r *BehaviorRegistry) Option { return func(e *Engine) { e.behaviors = r } }

// WithGuards replaces the built-in guard registry.
func WithGuards(r *GuardRegistry) Option { return func(e *Engine) { e.guards = r } }

// WithHooks replaces the built-in hook registry.
func WithHooks(r *HookRegistry) Option { return func(e *Engine) { e.hooks = r } }

// WithLocker sets the per-instance locker. Defaults to a MemoryLocker.
func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

// WithAssignments sets the assignment resolver used by access checks and the
// assignee guard.
func WithAssignments(a model.AssignmentResolver) Option {
	return func(e *Engine) { e.assignments = a }
}

// WithCapabilities sets the capability resolver used by the default
// capability guard.
func WithCapabilities(r model.CapabilityResolver) Option {
	return func(e *Engine) { e.capabilities = r }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithChainLimit bounds the number of automatic transitions per call.
func WithChainLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chainLimit = n
		}
	}
}

// WithChoiceRevalidation makes PerformTransition re-check the chosen
// transition's guard and reject it with INVALID_TRANSITION if it fails.
func WithChoiceRevalidation(on bool) Option { return func(e *Engine) { e.revalidate = on } }

// NewEngine creates a new workflow engine.
func NewEngine(registry *definition.Registry, store WorkflowStore, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		store:      store,
		chainLimit: defaultChainLimit,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.locker == nil {
		e.locker = NewMemoryLocker(0)
	}
	if e.assignments == nil {
		e.assignments = capability.NewAssignments()
	}
	if e.behaviors == nil {
		e.behaviors = DefaultBehaviors(nil)
	}
	if e.guards == nil {
		e.guards = DefaultGuards(e.capabilities, e.assignments)
	}
	if e.hooks == nil {
		e.hooks = DefaultHooks(e.logger, nil, "")
	}
	return e
}

// Start creates a new instance of a definition, positioned on its initial
// action. It does not execute that action; call Execute for that.
func (e *Engine) Start(
	ctx context.Context,
	actor *model.RequestContext,
	definitionID string,
	target *model.TargetRef,
) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrWorkflowID.String(definitionID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := checkActor(actor); err != nil {
		return model.WorkflowInstance{}, err
	}
	tagActor(span, actor)

	def, ok := e.registry.GetWorkflow(definitionID)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", definitionID),
		)
	}

	initial, ok := def.Action(def.InitialAction)
	if def.InitialAction == "" || !ok {
		return model.WorkflowInstance{}, model.NewInvalidDefinitionError(
			fmt.Sprintf("workflow %q has no resolvable initial action", definitionID),
		)
	}

	now := time.Now().UTC()
	inst := model.WorkflowInstance{
		ID:             uuid.New().String(),
		DefinitionID:   def.ID,
		TenantID:       actor.TenantID,
		Title:          instanceTitle(def.Name, target),
		Status:         model.InstanceStatusActive,
		InitiatorID:    actor.SubjectID,
		AssignedUsers:  slices.Clone(def.AssignedUsers),
		AssignedGroups: slices.Clone(def.AssignedGroups),
		State:          map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if target != nil {
		t := *target
		inst.Target = &t
	}

	first := model.ActionRuntime{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		ActionID:   initial.ID,
		Sequence:   1,
		CreatedAt:  now,
	}
	inst.CurrentRuntimeID = first.ID

	if err := e.store.CreateInstance(ctx, &inst, first); err != nil {
		return model.WorkflowInstance{}, err
	}

	span.SetAttributes(observability.AttrInstanceID.String(inst.ID))
	e.metrics.RecordWorkflowStart(def.ID)
	e.log(ctx).Info("workflow started",
		append(observability.InstanceFields(&inst), zap.String("action_id", initial.ID))...)

	return inst, nil
}

// Execute runs the current action and follows automatic transitions until
// the instance pauses, completes, or waits on an unfinished action.
//
// Hook failures are returned as HOOK_FAILED together with the committed
// instance.
func (e *Engine) Execute(
	ctx context.Context,
	actor *model.RequestContext,
	instanceID string,
) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.execute",
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := checkActor(actor); err != nil {
		return model.WorkflowInstance{}, err
	}
	tagActor(span, actor)

	release, err := e.lock(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	defer release()

	inst, def, err := e.load(ctx, actor, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status.Terminal() {
		return model.WorkflowInstance{}, model.NewInstanceNotActiveError(inst.ID, inst.Status)
	}
	if inst.CurrentRuntimeID == "" {
		return model.WorkflowInstance{}, model.NewNoCurrentActionError(inst.ID)
	}

	started := time.Now()
	rt, err := e.currentRuntime(ctx, &inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	var hookErrs []error
	err = e.advance(ctx, actor, &def, &inst, rt, &hookErrs)
	e.recordExecution(def.ID, &inst, err, time.Since(started))
	span.SetAttributes(observability.AttrStatus.String(string(inst.Status)))

	return inst, joinHookErrors(err, hookErrs)
}

// PerformTransition takes an explicitly chosen transition out of the current
// action, then continues as Execute does on the new action. A non-empty
// comment is recorded on the runtime being left.
func (e *Engine) PerformTransition(
	ctx context.Context,
	actor *model.RequestContext,
	instanceID, transitionID, comment string,
) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.perform_transition",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTransitionID.String(transitionID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := checkActor(actor); err != nil {
		return model.WorkflowInstance{}, err
	}
	tagActor(span, actor)

	release, err := e.lock(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	defer release()

	inst, def, err := e.load(ctx, actor, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status.Terminal() {
		return model.WorkflowInstance{}, model.NewInstanceNotActiveError(inst.ID, inst.Status)
	}
	if inst.CurrentRuntimeID == "" {
		return model.WorkflowInstance{}, model.NewNoCurrentActionError(inst.ID)
	}

	started := time.Now()
	rt, err := e.currentRuntime(ctx, &inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	action, err := actionOf(&def, rt)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	tr, ok := action.Transition(transitionID)
	if !ok {
		return model.WorkflowInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("transition %q is not available from action %q", transitionID, action.ID),
		)
	}
	if e.revalidate {
		valid, err := e.guardAllows(ctx, actor, &inst, tr)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		if !valid {
			return model.WorkflowInstance{}, model.NewInvalidTransitionError(
				fmt.Sprintf("transition %q is not currently valid", transitionID),
			)
		}
	}

	var hookErrs []error
	next, err := e.take(ctx, actor, &def, &inst, &rt, tr, ModeManual, comment, &hookErrs)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	err = e.advance(ctx, actor, &def, &inst, next, &hookErrs)
	e.recordExecution(def.ID, &inst, err, time.Since(started))
	span.SetAttributes(observability.AttrStatus.String(string(inst.Status)))

	return inst, joinHookErrors(err, hookErrs)
}

// Cancel stops an active or paused instance for good.
func (e *Engine) Cancel(
	ctx context.Context,
	actor *model.RequestContext,
	instanceID, reason string,
) (model.WorkflowInstance, error) {
	if err := checkActor(actor); err != nil {
		return model.WorkflowInstance{}, err
	}

	release, err := e.lock(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	defer release()

	inst, err := e.store.GetInstance(ctx, actor.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status.Terminal() {
		return model.WorkflowInstance{}, model.NewInstanceNotActiveError(inst.ID, inst.Status)
	}

	inst.Status = model.InstanceStatusCancelled
	inst.CancelReason = reason
	if err := e.store.Save(ctx, &inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowCompletion(inst.DefinitionID, string(inst.Status))
	e.log(ctx).Info("workflow cancelled",
		append(observability.InstanceFields(&inst),
			zap.String("reason", reason),
			zap.String("subject_id", actor.SubjectID))...)

	return inst, nil
}

// UpdateState merges patch into the instance state. A nil value removes the
// key. The instance is not advanced; call Execute to re-evaluate.
func (e *Engine) UpdateState(
	ctx context.Context,
	actor *model.RequestContext,
	instanceID string,
	patch map[string]any,
) (model.WorkflowInstance, error) {
	if err := checkActor(actor); err != nil {
		return model.WorkflowInstance{}, err
	}

	release, err := e.lock(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	defer release()

	inst, err := e.store.GetInstance(ctx, actor.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status.Terminal() {
		return model.WorkflowInstance{}, model.NewInstanceNotActiveError(inst.ID, inst.Status)
	}

	if inst.State == nil {
		inst.State = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(inst.State, k)
			continue
		}
		inst.State[k] = v
	}

	if err := e.store.Save(ctx, &inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

// Comment sets the free-form comment of the current runtime.
func (e *Engine) Comment(
	ctx context.Context,
	actor *model.RequestContext,
	instanceID, comment string,
) (model.ActionRuntime, error) {
	if err := checkActor(actor); err != nil {
		return model.ActionRuntime{}, err
	}

	release, err := e.lock(ctx, instanceID)
	if err != nil {
		return model.ActionRuntime{}, err
	}
	defer release()

	inst, err := e.store.GetInstance(ctx, actor.TenantID, instanceID)
	if err != nil {
		return model.ActionRuntime{}, err
	}
	if inst.Status.Terminal() {
		return model.ActionRuntime{}, model.NewInstanceNotActiveError(inst.ID, inst.Status)
	}
	if inst.CurrentRuntimeID == "" {
		return model.ActionRuntime{}, model.NewNoCurrentActionError(inst.ID)
	}

	rt, err := e.currentRuntime(ctx, &inst)
	if err != nil {
		return model.ActionRuntime{}, err
	}
	rt.Comment = comment
	if err := e.store.Save(ctx, &inst, rt); err != nil {
		return model.ActionRuntime{}, err
	}
	return rt, nil
}

// Describe resolves an instance for display: its current action, the
// transitions currently open to the actor, and its full history.
func (e *Engine) Describe(
	ctx context.Context,
	actor *model.RequestContext,
	instanceID string,
) (model.InstanceDescriptor, error) {
	if err := checkActor(actor); err != nil {
		return model.InstanceDescriptor{}, err
	}

	inst, def, err := e.load(ctx, actor, instanceID)
	if err != nil {
		return model.InstanceDescriptor{}, err
	}

	runtimes, err := e.store.ListRuntimes(ctx, inst.ID)
	if err != nil {
		return model.InstanceDescriptor{}, err
	}

	finishedActions := make(map[string]bool)
	history := make([]model.HistoryEntry, 0, len(runtimes))
	var current *model.ActionRuntime
	for i := range runtimes {
		rt := &runtimes[i]
		if rt.ID == inst.CurrentRuntimeID {
			current = rt
		}
		if rt.Finished {
			finishedActions[rt.ActionID] = true
		}
		history = append(history, historyEntry(&def, rt))
	}

	actions := make([]model.ActionSummary, 0, len(def.Actions))
	for _, a := range def.Actions {
		actions = append(actions, model.ActionSummary{
			ID:        a.ID,
			Name:      a.Name,
			Type:      a.Type,
			SortOrder: a.SortOrder,
			Finished:  finishedActions[a.ID],
		})
	}
	slices.SortStableFunc(actions, func(a, b model.ActionSummary) int {
		return a.SortOrder - b.SortOrder
	})

	desc := model.InstanceDescriptor{
		Instance:         inst,
		Name:             def.Name,
		ValidTransitions: []model.TransitionSummary{},
		Actions:          actions,
		History:          history,
	}

	if current == nil || inst.Status.Terminal() {
		return desc, nil
	}

	action, err := actionOf(&def, *current)
	if err != nil {
		return model.InstanceDescriptor{}, err
	}
	desc.CurrentAction = &model.ActionSummary{
		ID:        action.ID,
		Name:      action.Name,
		Type:      action.Type,
		SortOrder: action.SortOrder,
		Finished:  current.Finished,
	}

	valid, err := e.validTransitions(ctx, actor, &inst, action)
	if err != nil {
		return model.InstanceDescriptor{}, err
	}
	for _, tr := range valid {
		desc.ValidTransitions = append(desc.ValidTransitions, model.TransitionSummary{
			ID:   tr.ID,
			Name: tr.Name,
			To:   tr.To,
		})
	}

	if inst.Status == model.InstanceStatusPaused {
		desc.PauseReason = model.PauseReasonWaiting
		if len(valid) > 1 {
			desc.PauseReason = model.PauseReasonChoice
		}
	}
	return desc, nil
}

// List returns a page of instance summaries for the actor's tenant and the
// total number of matches.
func (e *Engine) List(
	ctx context.Context,
	actor *model.RequestContext,
	filters model.WorkflowFilters,
) ([]model.WorkflowSummary, int, error) {
	if err := checkActor(actor); err != nil {
		return nil, 0, err
	}

	instances, total, err := e.store.FindInstances(ctx, actor.TenantID, filters)
	if err != nil {
		return nil, 0, err
	}

	summaries := make([]model.WorkflowSummary, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, model.WorkflowSummary{
			ID:           inst.ID,
			DefinitionID: inst.DefinitionID,
			Title:        inst.Title,
			Status:       inst.Status,
			Target:       inst.Target,
			InitiatorID:  inst.InitiatorID,
			CreatedAt:    inst.CreatedAt,
			UpdatedAt:    inst.UpdatedAt,
		})
	}
	return summaries, total, nil
}

// CanEditTarget asks the current action whether the actor may edit the
// target. Instances without a current action are undecided.
func (e *Engine) CanEditTarget(ctx context.Context, actor *model.RequestContext, instanceID string) (model.Decision, error) {
	return e.decide(ctx, actor, instanceID, ActionBehavior.CanEditTarget)
}

// CanViewTarget asks the current action whether the actor may view the
// target.
func (e *Engine) CanViewTarget(ctx context.Context, actor *model.RequestContext, instanceID string) (model.Decision, error) {
	return e.decide(ctx, actor, instanceID, ActionBehavior.CanViewTarget)
}

// CanPublishTarget asks the current action whether the actor may publish
// the target.
func (e *Engine) CanPublishTarget(ctx context.Context, actor *model.RequestContext, instanceID string) (model.Decision, error) {
	return e.decide(ctx, actor, instanceID, ActionBehavior.CanPublishTarget)
}

// TargetAccess answers all three capability queries at once.
func (e *Engine) TargetAccess(ctx context.Context, actor *model.RequestContext, instanceID string) (model.TargetAccess, error) {
	var access model.TargetAccess
	var err error
	if access.Edit, err = e.CanEditTarget(ctx, actor, instanceID); err != nil {
		return model.TargetAccess{}, err
	}
	if access.View, err = e.CanViewTarget(ctx, actor, instanceID); err != nil {
		return model.TargetAccess{}, err
	}
	if access.Publish, err = e.CanPublishTarget(ctx, actor, instanceID); err != nil {
		return model.TargetAccess{}, err
	}
	return access, nil
}

func (e *Engine) decide(
	ctx context.Context,
	actor *model.RequestContext,
	instanceID string,
	query func(ActionBehavior, context.Context, Access) (model.Decision, error),
) (model.Decision, error) {
	if err := checkActor(actor); err != nil {
		return model.DecisionUndecided, err
	}

	inst, def, err := e.load(ctx, actor, instanceID)
	if err != nil {
		return model.DecisionUndecided, err
	}
	if inst.Status.Terminal() || inst.CurrentRuntimeID == "" {
		return model.DecisionUndecided, nil
	}

	rt, err := e.currentRuntime(ctx, &inst)
	if err != nil {
		return model.DecisionUndecided, err
	}
	action, err := actionOf(&def, rt)
	if err != nil {
		return model.DecisionUndecided, err
	}
	behavior, err := e.behaviors.Get(action.Behavior)
	if err != nil {
		return model.DecisionUndecided, model.NewInvalidDefinitionError(err.Error())
	}

	return query(behavior, ctx, Access{
		Instance:    &inst,
		Action:      action,
		Actor:       actor,
		Assignments: e.assignments,
	})
}

// --- advancement ---

// advance is the execution loop. rt is the instance's current runtime.
// Each pass either finishes rt through its behavior or finds it already
// finished, then resolves the outgoing transitions: exactly one valid
// transition is taken automatically and the loop continues on the new
// action; otherwise the instance completes or pauses and the loop ends.
func (e *Engine) advance(
	ctx context.Context,
	actor *model.RequestContext,
	def *model.WorkflowDefinition,
	inst *model.WorkflowInstance,
	rt model.ActionRuntime,
	hookErrs *[]error,
) error {
	hops := 0
	for {
		action, err := actionOf(def, rt)
		if err != nil {
			return err
		}

		if !rt.Finished {
			done, err := e.runBehavior(ctx, actor, inst, action, &rt)
			if err != nil {
				return err
			}
			if !done {
				e.log(ctx).Debug("action not done",
					append(observability.InstanceFields(inst), zap.String("action_id", action.ID))...)
				return nil
			}
			finishRuntime(&rt, actor, time.Now().UTC())
			if err := e.store.Save(ctx, inst, rt); err != nil {
				return err
			}
		}

		valid, err := e.validTransitions(ctx, actor, inst, action)
		if err != nil {
			return err
		}

		switch {
		case len(valid) == 1:
			if hops >= e.chainLimit {
				e.metrics.RecordChainLimit(def.ID)
				e.log(ctx).Warn("workflow chain limit reached",
					append(observability.InstanceFields(inst), zap.Int("limit", e.chainLimit))...)
				return model.NewWorkflowChainLimitError(e.chainLimit)
			}
			hops++
			next, err := e.take(ctx, actor, def, inst, &rt, valid[0], ModeAuto, "", hookErrs)
			if err != nil {
				return err
			}
			rt = next

		case len(valid) == 0 && len(action.Transitions) == 0:
			inst.Status = model.InstanceStatusComplete
			inst.CurrentRuntimeID = ""
			if err := e.store.Save(ctx, inst); err != nil {
				return err
			}
			e.metrics.RecordWorkflowCompletion(def.ID, string(inst.Status))
			e.log(ctx).Info("workflow complete",
				append(observability.InstanceFields(inst), zap.String("action_id", action.ID))...)
			return nil

		default:
			if inst.Status != model.InstanceStatusPaused {
				inst.Status = model.InstanceStatusPaused
				if err := e.store.Save(ctx, inst); err != nil {
					return err
				}
				e.metrics.RecordWorkflowPause(def.ID, action.ID)
			}
			e.log(ctx).Info("workflow paused",
				append(observability.InstanceFields(inst),
					zap.String("action_id", action.ID),
					zap.Int("valid_transitions", len(valid)),
					zap.Int("defined_transitions", len(action.Transitions)))...)
			return nil
		}
	}
}

func (e *Engine) runBehavior(
	ctx context.Context,
	actor *model.RequestContext,
	inst *model.WorkflowInstance,
	action *model.ActionDefinition,
	rt *model.ActionRuntime,
) (bool, error) {
	behavior, err := e.behaviors.Get(action.Behavior)
	if err != nil {
		return false, model.NewInvalidDefinitionError(err.Error())
	}

	ctx, span := observability.StartSpan(ctx, "workflow.behavior",
		observability.AttrActionID.String(action.ID),
		observability.AttrBehavior.String(action.Behavior),
	)
	done, err := behavior.Execute(ctx, Execution{
		Instance: inst,
		Action:   action,
		Runtime:  rt,
		Actor:    actor,
	})
	observability.EndSpanWithError(span, err)
	if err != nil {
		return false, fmt.Errorf("action %q behavior %q: %w", action.ID, action.Behavior, err)
	}
	return done, nil
}

// take commits a transition: the leaving runtime is finished if needed, a
// new runtime is created for the target action and becomes current. Hooks
// run after the commit and only add to hookErrs.
func (e *Engine) take(
	ctx context.Context,
	actor *model.RequestContext,
	def *model.WorkflowDefinition,
	inst *model.WorkflowInstance,
	leaving *model.ActionRuntime,
	tr *model.TransitionDefinition,
	mode, comment string,
	hookErrs *[]error,
) (model.ActionRuntime, error) {
	target, ok := def.Action(tr.To)
	if !ok {
		return model.ActionRuntime{}, model.NewDanglingTransitionError(tr.ID, tr.To)
	}

	now := time.Now().UTC()
	left := *leaving
	if !left.Finished {
		finishRuntime(&left, actor, now)
	}
	if comment != "" {
		left.Comment = comment
	}
	next := model.ActionRuntime{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		ActionID:   target.ID,
		Sequence:   left.Sequence + 1,
		CreatedAt:  now,
	}

	prevStatus, prevCurrent := inst.Status, inst.CurrentRuntimeID
	inst.Status = model.InstanceStatusActive
	inst.CurrentRuntimeID = next.ID
	if err := e.store.Save(ctx, inst, left, next); err != nil {
		inst.Status, inst.CurrentRuntimeID = prevStatus, prevCurrent
		return model.ActionRuntime{}, err
	}
	*leaving = left

	e.metrics.RecordWorkflowTransition(def.ID, tr.ID, mode)
	e.log(ctx).Info("workflow transition",
		append(observability.InstanceFields(inst),
			zap.String("transition_id", tr.ID),
			zap.String("from", tr.From),
			zap.String("to", tr.To),
			zap.String("mode", mode))...)

	e.runHooks(ctx, actor, def, inst, tr, left, next, mode, hookErrs)
	return next, nil
}

func (e *Engine) runHooks(
	ctx context.Context,
	actor *model.RequestContext,
	def *model.WorkflowDefinition,
	inst *model.WorkflowInstance,
	tr *model.TransitionDefinition,
	left, entered model.ActionRuntime,
	mode string,
	hookErrs *[]error,
) {
	for _, hd := range tr.Hooks {
		err := e.runHook(ctx, actor, inst, tr, hd, left, entered, mode)
		if err == nil {
			continue
		}
		err = fmt.Errorf("hook %q on transition %q: %w", hd.Type, tr.ID, err)
		*hookErrs = append(*hookErrs, err)
		e.metrics.RecordHookFailure(def.ID, hd.Type)
		e.log(ctx).Warn("transition hook failed",
			append(observability.InstanceFields(inst), zap.Error(err))...)
	}
}

func (e *Engine) runHook(
	ctx context.Context,
	actor *model.RequestContext,
	inst *model.WorkflowInstance,
	tr *model.TransitionDefinition,
	hd model.HookDefinition,
	left, entered model.ActionRuntime,
	mode string,
) (err error) {
	hook, err := e.hooks.Get(hd.Type)
	if err != nil {
		return err
	}

	ctx, span := observability.StartSpan(ctx, "workflow.hook",
		observability.AttrHook.String(hd.Type),
		observability.AttrTransitionID.String(tr.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	snapshot := *inst
	return hook.AfterTransition(ctx, TransitionEvent{
		Instance:   &snapshot,
		Transition: tr,
		Params:     hd.Params,
		Leaving:    left,
		Entered:    entered,
		Actor:      actor,
		Mode:       mode,
	})
}

// validTransitions returns the transitions of action whose guards pass, in
// definition order.
func (e *Engine) validTransitions(
	ctx context.Context,
	actor *model.RequestContext,
	inst *model.WorkflowInstance,
	action *model.ActionDefinition,
) ([]*model.TransitionDefinition, error) {
	var valid []*model.TransitionDefinition
	for i := range action.Transitions {
		tr := &action.Transitions[i]
		ok, err := e.guardAllows(ctx, actor, inst, tr)
		if err != nil {
			return nil, err
		}
		if ok {
			valid = append(valid, tr)
		}
	}
	return valid, nil
}

func (e *Engine) guardAllows(
	ctx context.Context,
	actor *model.RequestContext,
	inst *model.WorkflowInstance,
	tr *model.TransitionDefinition,
) (bool, error) {
	if tr.Guard == nil {
		return true, nil
	}
	guard, err := e.guards.Get(tr.Guard.Type)
	if err != nil {
		return false, model.NewInvalidDefinitionError(err.Error())
	}

	ok, err := guard.IsValid(ctx, GuardInput{
		Transition: tr,
		Params:     tr.Guard.Params,
		Instance:   inst,
		Actor:      actor,
	})
	if err != nil {
		return false, fmt.Errorf("guard %q on transition %q: %w", tr.Guard.Type, tr.ID, err)
	}
	e.log(ctx).Debug("guard evaluated",
		zap.String("instance_id", inst.ID),
		zap.String("transition_id", tr.ID),
		zap.String("guard", tr.Guard.Type),
		zap.Bool("valid", ok))
	return ok, nil
}

// --- helpers ---

func (e *Engine) lock(ctx context.Context, instanceID string) (func(), error) {
	started := time.Now()
	release, err := e.locker.Acquire(ctx, LockKey(instanceID))
	e.metrics.RecordLockWait(time.Since(started))
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (e *Engine) load(
	ctx context.Context,
	actor *model.RequestContext,
	instanceID string,
) (model.WorkflowInstance, model.WorkflowDefinition, error) {
	inst, err := e.store.GetInstance(ctx, actor.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, err
	}
	def, ok := e.registry.GetWorkflow(inst.DefinitionID)
	if !ok {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", inst.DefinitionID),
		)
	}
	return inst, def, nil
}

func (e *Engine) currentRuntime(ctx context.Context, inst *model.WorkflowInstance) (model.ActionRuntime, error) {
	rt, err := e.store.GetRuntime(ctx, inst.ID, inst.CurrentRuntimeID)
	if model.IsCode(err, model.ErrNotFound) {
		return model.ActionRuntime{}, model.NewNoCurrentActionError(inst.ID)
	}
	return rt, err
}

func (e *Engine) recordExecution(definitionID string, inst *model.WorkflowInstance, err error, d time.Duration) {
	outcome := string(inst.Status)
	if err != nil {
		outcome = "error"
	}
	e.metrics.RecordWorkflowExecution(definitionID, outcome, d)
}

func (e *Engine) log(ctx context.Context) *zap.Logger {
	return observability.LoggerFrom(ctx, e.logger)
}

func actionOf(def *model.WorkflowDefinition, rt model.ActionRuntime) (*model.ActionDefinition, error) {
	action, ok := def.Action(rt.ActionID)
	if !ok {
		return nil, model.NewInvalidDefinitionError(
			fmt.Sprintf("action %q is no longer defined in workflow %q", rt.ActionID, def.ID),
		)
	}
	return action, nil
}

func finishRuntime(rt *model.ActionRuntime, actor *model.RequestContext, now time.Time) {
	rt.Finished = true
	rt.ActorID = actor.SubjectID
	rt.FinishedAt = &now
}

func checkActor(actor *model.RequestContext) error {
	if actor == nil {
		return model.NewUnauthorizedError("no actor")
	}
	if err := actor.Validate(); err != nil {
		return model.NewUnauthorizedError(err.Error())
	}
	return nil
}

func tagActor(span trace.Span, actor *model.RequestContext) {
	span.SetAttributes(
		observability.AttrTenantID.String(actor.TenantID),
		observability.AttrSubjectID.String(actor.SubjectID),
	)
}

func instanceTitle(name string, target *model.TargetRef) string {
	if target == nil {
		return name
	}
	return fmt.Sprintf("%s: %s %s", name, target.Type, target.ID)
}

func historyEntry(def *model.WorkflowDefinition, rt *model.ActionRuntime) model.HistoryEntry {
	name := rt.ActionID
	if a, ok := def.Action(rt.ActionID); ok {
		name = a.Name
	}
	entry := model.HistoryEntry{
		Sequence:   rt.Sequence,
		ActionID:   rt.ActionID,
		ActionName: name,
		Finished:   rt.Finished,
		ActorID:    rt.ActorID,
		Comment:    rt.Comment,
		EnteredAt:  rt.CreatedAt.Format(time.RFC3339),
	}
	if rt.FinishedAt != nil {
		entry.FinishedAt = rt.FinishedAt.Format(time.RFC3339)
	}
	return entry
}

// joinHookErrors combines err with a HOOK_FAILED error summarizing
// hookErrs. Hook failures of transitions committed before err are kept so
// the caller sees both.
func joinHookErrors(err error, hookErrs []error) error {
	if len(hookErrs) == 0 {
		return err
	}
	msgs := make([]string, len(hookErrs))
	for i, he := range hookErrs {
		msgs[i] = he.Error()
	}
	hookErr := model.NewHookFailedError(strings.Join(msgs, "; "))
	if err == nil {
		return hookErr
	}
	return errors.Join(err, hookErr)
}
