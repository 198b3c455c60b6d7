package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/internal/definition"
	"github.com/pitabwire/approvals/model"
)

// --- Test helpers ---

func testActor() *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "user-alice",
		TenantID:  "tenant-1",
		Email:     "alice@example.com",
		Groups:    []string{"editors"},
	}
}

func otherActor() *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "user-bob",
		TenantID:  "tenant-1",
	}
}

// mockCapResolver returns fixed capabilities per subject.
type mockCapResolver struct {
	caps map[string]model.CapabilitySet
}

func (m *mockCapResolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return m.caps[rctx.SubjectID], nil
}
func (m *mockCapResolver) Invalidate(_, _ string) {}

// countingBehavior counts Execute calls.
type countingBehavior struct {
	BaseBehavior
	calls atomic.Int32
	done  bool
	err   error
}

func (b *countingBehavior) Execute(context.Context, Execution) (bool, error) {
	b.calls.Add(1)
	return b.done, b.err
}

// recordingHook remembers every event it receives.
type recordingHook struct {
	mu     sync.Mutex
	events []TransitionEvent
}

func (h *recordingHook) AfterTransition(_ context.Context, ev TransitionEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type failingHook struct{}

func (failingHook) AfterTransition(context.Context, TransitionEvent) error {
	return errors.New("downstream unavailable")
}

func transitions(ts ...model.TransitionDefinition) []model.TransitionDefinition { return ts }

func testDefinitions() []model.DefinitionFile {
	dynamic, manual := model.ActionTypeDynamic, model.ActionTypeManual
	return []model.DefinitionFile{{
		Version:  "1.0.0",
		Checksum: "test",
		Workflows: []model.WorkflowDefinition{
			{
				ID:             "chain",
				Name:           "Chain",
				InitialAction:  "a1",
				AssignedUsers:  []string{"user-alice"},
				AssignedGroups: []string{"editors"},
				Actions: []model.ActionDefinition{
					{ID: "a1", Name: "First", Type: dynamic, Transitions: transitions(
						model.TransitionDefinition{ID: "next", To: "a2"},
					)},
					{ID: "a2", Name: "Second", Type: dynamic, Behavior: BehaviorAwait,
						Params: map[string]string{"key": "ready"}},
				},
			},
			{
				ID:            "choice",
				Name:          "Choice",
				InitialAction: "decide",
				Actions: []model.ActionDefinition{
					{ID: "decide", Name: "Decide", Type: manual, Behavior: "counting", Transitions: transitions(
						model.TransitionDefinition{ID: "left", Name: "Go left", To: "left"},
						model.TransitionDefinition{ID: "right", Name: "Go right", To: "right"},
					)},
					{ID: "left", Name: "Left", Type: dynamic},
					{ID: "right", Name: "Right", Type: dynamic},
				},
			},
			{
				ID:            "guarded",
				Name:          "Guarded",
				InitialAction: "gate",
				Actions: []model.ActionDefinition{
					{ID: "gate", Name: "Gate", Type: manual, Behavior: "counting", Transitions: transitions(
						model.TransitionDefinition{ID: "approve", To: "done", Guard: &model.GuardDefinition{
							Type:   GuardStatePresent,
							Params: map[string]string{"key": "approved"},
						}},
					)},
					{ID: "done", Name: "Done", Type: dynamic},
				},
			},
			{
				ID:            "loop",
				Name:          "Loop",
				InitialAction: "ping",
				Actions: []model.ActionDefinition{
					{ID: "ping", Type: dynamic, Transitions: transitions(model.TransitionDefinition{ID: "to-pong", To: "pong"})},
					{ID: "pong", Type: dynamic, Transitions: transitions(model.TransitionDefinition{ID: "to-ping", To: "ping"})},
				},
			},
			{
				ID:            "dangling",
				Name:          "Dangling",
				InitialAction: "a",
				Actions: []model.ActionDefinition{
					{ID: "a", Type: manual, Transitions: transitions(
						model.TransitionDefinition{ID: "go", To: "missing"},
						model.TransitionDefinition{ID: "stay", To: "b"},
					)},
					{ID: "b", Type: dynamic},
				},
			},
			{
				ID:            "hooked",
				Name:          "Hooked",
				InitialAction: "a",
				Actions: []model.ActionDefinition{
					{ID: "a", Type: manual, Transitions: transitions(
						model.TransitionDefinition{ID: "go", To: "b", Hooks: []model.HookDefinition{
							{Type: "record"}, {Type: "fail"}, {Type: "record"},
						}},
						model.TransitionDefinition{ID: "hold", To: "b", Guard: &model.GuardDefinition{
							Type:   GuardCondition,
							Params: map[string]string{"expression": "mode == 'hold'"},
						}},
					)},
					{ID: "b", Type: dynamic},
				},
			},
			{
				ID:            "erroring",
				Name:          "Erroring",
				InitialAction: "a",
				Actions: []model.ActionDefinition{
					{ID: "a", Type: dynamic, Behavior: "failing"},
				},
			},
			{
				ID:            "hook-then-fail",
				Name:          "Hook then fail",
				InitialAction: "a",
				Actions: []model.ActionDefinition{
					{ID: "a", Type: dynamic, Transitions: transitions(
						model.TransitionDefinition{ID: "go", To: "b", Hooks: []model.HookDefinition{{Type: "fail"}}},
					)},
					{ID: "b", Type: dynamic, Behavior: "failing"},
				},
			},
			{
				ID:            "broken",
				Name:          "Broken",
				InitialAction: "nowhere",
				Actions:       []model.ActionDefinition{{ID: "a", Type: dynamic}},
			},
			{
				ID:            "review",
				Name:          "Review",
				InitialAction: "review",
				AssignedUsers: []string{"user-alice"},
				Actions: []model.ActionDefinition{
					{
						ID:         "review",
						Name:       "Review",
						Type:       manual,
						EditPolicy: model.EditPolicyByAssignees,
						SortOrder:  2,
						Params:     map[string]string{"view": "allow", "publish": "deny"},
						Transitions: transitions(
							model.TransitionDefinition{ID: "approve", To: "published", Guard: &model.GuardDefinition{
								Type:   GuardCapability,
								Params: map[string]string{"capability": "articles:approve"},
							}},
							model.TransitionDefinition{ID: "reject", To: "rejected", Guard: &model.GuardDefinition{
								Type: GuardAssignee,
							}},
						),
					},
					{ID: "published", Name: "Published", Type: dynamic, EditPolicy: model.EditPolicyNo, SortOrder: 3},
					{ID: "rejected", Name: "Rejected", Type: dynamic, SortOrder: 1},
				},
			},
		},
	}}
}

type testEnv struct {
	engine   *Engine
	store    *MemoryWorkflowStore
	counting *countingBehavior
	recorder *recordingHook
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    NewMemoryWorkflowStore(),
		counting: &countingBehavior{done: true},
		recorder: &recordingHook{},
	}

	behaviors := DefaultBehaviors(nil)
	behaviors.Register("counting", env.counting)
	behaviors.Register("failing", &countingBehavior{err: errors.New("boom")})

	hooks := DefaultHooks(nil, nil, "")
	hooks.Register("record", env.recorder)
	hooks.Register("fail", failingHook{})

	caps := &mockCapResolver{caps: map[string]model.CapabilitySet{
		"user-alice": {"articles:approve": true},
	}}

	base := []Option{
		WithBehaviors(behaviors),
		WithHooks(hooks),
		WithCapabilities(caps),
		WithChoiceRevalidation(true),
	}
	env.engine = NewEngine(definition.NewRegistry(testDefinitions()), env.store, append(base, opts...)...)
	return env
}

func (env *testEnv) start(t *testing.T, definitionID string) model.WorkflowInstance {
	t.Helper()
	inst, err := env.engine.Start(context.Background(), testActor(), definitionID, &model.TargetRef{Type: "article", ID: "42"})
	require.NoError(t, err)
	return inst
}

func (env *testEnv) runtimes(t *testing.T, instanceID string) []model.ActionRuntime {
	t.Helper()
	rts, err := env.store.ListRuntimes(context.Background(), instanceID)
	require.NoError(t, err)
	return rts
}

func (env *testEnv) current(t *testing.T, inst model.WorkflowInstance) model.ActionRuntime {
	t.Helper()
	rt, err := env.store.GetRuntime(context.Background(), inst.ID, inst.CurrentRuntimeID)
	require.NoError(t, err)
	return rt
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, model.IsCode(err, code), "expected %s, got %v", code, err)
}

// --- Start ---

func TestEngine_Start_success(t *testing.T) {
	env := newTestEnv(t)
	inst := env.start(t, "chain")

	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, "chain", inst.DefinitionID)
	assert.Equal(t, "tenant-1", inst.TenantID)
	assert.Equal(t, model.InstanceStatusActive, inst.Status)
	assert.Equal(t, "user-alice", inst.InitiatorID)
	assert.Equal(t, []string{"user-alice"}, inst.AssignedUsers)
	assert.Equal(t, []string{"editors"}, inst.AssignedGroups)
	assert.Equal(t, "Chain: article 42", inst.Title)
	assert.Equal(t, &model.TargetRef{Type: "article", ID: "42"}, inst.Target)
	assert.Equal(t, 1, inst.Version)

	rt := env.current(t, inst)
	assert.Equal(t, "a1", rt.ActionID)
	assert.Equal(t, 1, rt.Sequence)
	assert.False(t, rt.Finished)
	assert.Equal(t, 1, env.store.Len())
}

func TestEngine_Start_doesNotExecute(t *testing.T) {
	env := newTestEnv(t)
	inst := env.start(t, "choice")

	assert.Equal(t, int32(0), env.counting.calls.Load())
	assert.Equal(t, model.InstanceStatusActive, inst.Status)
}

func TestEngine_Start_withoutTarget(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.engine.Start(context.Background(), testActor(), "chain", nil)
	require.NoError(t, err)
	assert.Equal(t, "Chain", inst.Title)
	assert.Nil(t, inst.Target)
}

func TestEngine_Start_notFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Start(context.Background(), testActor(), "nonexistent", nil)
	requireCode(t, err, model.ErrNotFound)
	assert.Equal(t, 0, env.store.Len())
}

func TestEngine_Start_invalidDefinition(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Start(context.Background(), testActor(), "broken", nil)
	requireCode(t, err, model.ErrInvalidDefinition)
	assert.Equal(t, 0, env.store.Len())
}

func TestEngine_Start_missingActor(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Start(context.Background(), nil, "chain", nil)
	requireCode(t, err, model.ErrUnauthorized)

	_, err = env.engine.Start(context.Background(), &model.RequestContext{SubjectID: "x"}, "chain", nil)
	requireCode(t, err, model.ErrUnauthorized)
}

// --- Execute ---

func TestEngine_Execute_autoAdvance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "chain")

	inst, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusActive, inst.Status)
	assert.Equal(t, "a2", env.current(t, inst).ActionID)

	rts := env.runtimes(t, inst.ID)
	require.Len(t, rts, 2)
	assert.Equal(t, "a1", rts[0].ActionID)
	assert.True(t, rts[0].Finished)
	assert.Equal(t, "user-alice", rts[0].ActorID)
	assert.NotNil(t, rts[0].FinishedAt)
	assert.Equal(t, "a2", rts[1].ActionID)
	assert.Equal(t, 2, rts[1].Sequence)
	assert.False(t, rts[1].Finished)

	// a2 waits for "ready".
	inst, err = env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusActive, inst.Status)

	_, err = env.engine.UpdateState(ctx, testActor(), inst.ID, map[string]any{"ready": true})
	require.NoError(t, err)

	inst, err = env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusComplete, inst.Status)
	assert.Empty(t, inst.CurrentRuntimeID)

	rts = env.runtimes(t, inst.ID)
	require.Len(t, rts, 2)
	assert.True(t, rts[1].Finished)

	stored, err := env.store.GetInstance(ctx, "tenant-1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusComplete, stored.Status)
	assert.Equal(t, inst.Version, stored.Version)
}

func TestEngine_Execute_choicePauses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "choice")

	inst, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPaused, inst.Status)
	assert.Equal(t, "decide", env.current(t, inst).ActionID)
	assert.Equal(t, int32(1), env.counting.calls.Load())

	version := inst.Version

	// Re-executing a finished, ambiguous action neither re-runs the
	// behavior nor writes anything.
	inst, err = env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPaused, inst.Status)
	assert.Equal(t, int32(1), env.counting.calls.Load())
	assert.Equal(t, version, inst.Version)
	assert.Len(t, env.runtimes(t, inst.ID), 1)
}

func TestEngine_Execute_guardedOutPauses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "guarded")

	inst, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPaused, inst.Status)
	assert.NotEmpty(t, inst.CurrentRuntimeID)

	inst, err = env.engine.UpdateState(ctx, testActor(), inst.ID, map[string]any{"approved": "yes"})
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPaused, inst.Status, "state changes do not advance")

	inst, err = env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusComplete, inst.Status)
	assert.Equal(t, int32(1), env.counting.calls.Load())
}

func TestEngine_Execute_behaviorNotDone(t *testing.T) {
	env := newTestEnv(t)
	env.counting.done = false
	ctx := context.Background()
	inst := env.start(t, "choice")

	inst, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusActive, inst.Status)
	assert.False(t, env.current(t, inst).Finished)
	assert.Equal(t, 1, inst.Version)
}

func TestEngine_Execute_behaviorError(t *testing.T) {
	env := newTestEnv(t)
	inst := env.start(t, "erroring")

	_, err := env.engine.Execute(context.Background(), testActor(), inst.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	stored, err := env.store.GetInstance(context.Background(), "tenant-1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusActive, stored.Status)
	assert.False(t, env.current(t, stored).Finished)
}

func TestEngine_Execute_terminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	done := env.start(t, "guarded")
	_, err := env.engine.UpdateState(ctx, testActor(), done.ID, map[string]any{"approved": true})
	require.NoError(t, err)
	done, err = env.engine.Execute(ctx, testActor(), done.ID)
	require.NoError(t, err)
	require.Equal(t, model.InstanceStatusComplete, done.Status)

	cancelled := env.start(t, "choice")
	cancelled, err = env.engine.Cancel(ctx, testActor(), cancelled.ID, "not needed")
	require.NoError(t, err)

	for _, inst := range []model.WorkflowInstance{done, cancelled} {
		_, err := env.engine.Execute(ctx, testActor(), inst.ID)
		requireCode(t, err, model.ErrInstanceNotActive)

		_, err = env.engine.PerformTransition(ctx, testActor(), inst.ID, "left", "")
		requireCode(t, err, model.ErrInstanceNotActive)

		stored, err := env.store.GetInstance(ctx, "tenant-1", inst.ID)
		require.NoError(t, err)
		assert.Equal(t, inst.Version, stored.Version)
		assert.Equal(t, inst.Status, stored.Status)
	}
}

func TestEngine_Execute_noCurrentAction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "choice")

	inst.CurrentRuntimeID = ""
	require.NoError(t, env.store.Save(ctx, &inst))

	_, err := env.engine.Execute(ctx, testActor(), inst.ID)
	requireCode(t, err, model.ErrNoCurrentAction)

	_, err = env.engine.PerformTransition(ctx, testActor(), inst.ID, "left", "")
	requireCode(t, err, model.ErrNoCurrentAction)

	decision, err := env.engine.CanEditTarget(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionUndecided, decision)
}

func TestEngine_Execute_chainLimit(t *testing.T) {
	env := newTestEnv(t, WithChainLimit(3))
	inst := env.start(t, "loop")

	_, err := env.engine.Execute(context.Background(), testActor(), inst.ID)
	requireCode(t, err, model.ErrWorkflowChainLimit)

	// Every hop before the limit stays committed.
	rts := env.runtimes(t, inst.ID)
	assert.Len(t, rts, 4)
	stored, err := env.store.GetInstance(context.Background(), "tenant-1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusActive, stored.Status)
	assert.Equal(t, rts[3].ID, stored.CurrentRuntimeID)
}

func TestEngine_Execute_tenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	inst := env.start(t, "choice")

	other := &model.RequestContext{SubjectID: "user-alice", TenantID: "tenant-2"}
	_, err := env.engine.Execute(context.Background(), other, inst.ID)
	requireCode(t, err, model.ErrNotFound)
}

func TestEngine_Execute_concurrent(t *testing.T) {
	env := newTestEnv(t)
	inst := env.start(t, "choice")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Execute(context.Background(), testActor(), inst.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), env.counting.calls.Load())
	assert.Len(t, env.runtimes(t, inst.ID), 1)
}

// --- PerformTransition ---

func TestEngine_PerformTransition_success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "choice")
	_, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)

	inst, err = env.engine.PerformTransition(ctx, otherActor(), inst.ID, "left", "looks good")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusComplete, inst.Status)

	rts := env.runtimes(t, inst.ID)
	require.Len(t, rts, 2)
	assert.Equal(t, "decide", rts[0].ActionID)
	assert.Equal(t, "looks good", rts[0].Comment)
	assert.Equal(t, "user-alice", rts[0].ActorID, "finished by the executing actor")
	assert.Equal(t, "left", rts[1].ActionID)
	assert.Equal(t, 2, rts[1].Sequence)
	assert.True(t, rts[1].Finished)
}

func TestEngine_PerformTransition_finishesUnfinishedAction(t *testing.T) {
	env := newTestEnv(t)
	env.counting.done = false
	ctx := context.Background()
	inst := env.start(t, "choice")

	inst, err := env.engine.PerformTransition(ctx, otherActor(), inst.ID, "right", "")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusComplete, inst.Status)

	rts := env.runtimes(t, inst.ID)
	require.Len(t, rts, 2)
	assert.True(t, rts[0].Finished)
	assert.Equal(t, "user-bob", rts[0].ActorID)
	assert.Equal(t, int32(0), env.counting.calls.Load())
}

func TestEngine_PerformTransition_invalidTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "choice")
	inst, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)

	_, err = env.engine.PerformTransition(ctx, testActor(), inst.ID, "sideways", "")
	requireCode(t, err, model.ErrInvalidTransition)

	stored, err := env.store.GetInstance(ctx, "tenant-1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.Version, stored.Version)
}

func TestEngine_PerformTransition_revalidatesGuard(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t)
	inst := env.start(t, "guarded")
	_, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)

	_, err = env.engine.PerformTransition(ctx, testActor(), inst.ID, "approve", "")
	requireCode(t, err, model.ErrInvalidTransition)

	lax := newTestEnv(t, WithChoiceRevalidation(false))
	inst = lax.start(t, "guarded")
	_, err = lax.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)

	inst, err = lax.engine.PerformTransition(ctx, testActor(), inst.ID, "approve", "")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusComplete, inst.Status)
}

func TestEngine_PerformTransition_dangling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "dangling")
	inst, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, model.InstanceStatusPaused, inst.Status)

	_, err = env.engine.PerformTransition(ctx, testActor(), inst.ID, "go", "")
	requireCode(t, err, model.ErrDanglingTransition)

	stored, err := env.store.GetInstance(ctx, "tenant-1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.Version, stored.Version)
	assert.Equal(t, inst.CurrentRuntimeID, stored.CurrentRuntimeID)
	assert.Len(t, env.runtimes(t, inst.ID), 1)
}

// --- Hooks ---

func TestEngine_HookFailure_auto(t *testing.T) {
	env := newTestEnv(t)
	inst := env.start(t, "hooked")

	inst, err := env.engine.Execute(context.Background(), testActor(), inst.ID)
	requireCode(t, err, model.ErrHookFailed)
	assert.Contains(t, err.Error(), "downstream unavailable")

	// The transition is committed and the later hook still ran.
	assert.Equal(t, model.InstanceStatusComplete, inst.Status)
	assert.Equal(t, 2, env.recorder.count())
	assert.Equal(t, ModeAuto, env.recorder.events[0].Mode)

	stored, err := env.store.GetInstance(context.Background(), "tenant-1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusComplete, stored.Status)
}

func TestEngine_HookFailure_keptWithLaterError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "hook-then-fail")

	_, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrHookFailed), "hook failure dropped: %v", err)
	assert.False(t, model.HookFailureOnly(err))
	assert.Contains(t, model.PrimaryError(err).Error(), "boom")
	assert.Len(t, model.HookFailures(err), 1)

	// The transition and its failed hook stay committed; b is unfinished.
	stored, err := env.store.GetInstance(ctx, "tenant-1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusActive, stored.Status)
	rt := env.current(t, stored)
	assert.Equal(t, "b", rt.ActionID)
	assert.False(t, rt.Finished)
}

func TestEngine_HookFailure_manual(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "hooked")

	_, err := env.engine.UpdateState(ctx, testActor(), inst.ID, map[string]any{"mode": "hold"})
	require.NoError(t, err)
	inst, err = env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, model.InstanceStatusPaused, inst.Status)

	inst, err = env.engine.PerformTransition(ctx, testActor(), inst.ID, "go", "ship it")
	requireCode(t, err, model.ErrHookFailed)
	assert.Equal(t, model.InstanceStatusComplete, inst.Status)

	require.Equal(t, 2, env.recorder.count())
	ev := env.recorder.events[0]
	assert.Equal(t, ModeManual, ev.Mode)
	assert.Equal(t, "a", ev.Leaving.ActionID)
	assert.Equal(t, "ship it", ev.Leaving.Comment)
	assert.Equal(t, "b", ev.Entered.ActionID)
}

// --- Cancel / UpdateState / Comment ---

func TestEngine_Cancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "choice")
	_, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)

	inst, err = env.engine.Cancel(ctx, testActor(), inst.ID, "duplicate request")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCancelled, inst.Status)
	assert.Equal(t, "duplicate request", inst.CancelReason)

	_, err = env.engine.Cancel(ctx, testActor(), inst.ID, "again")
	requireCode(t, err, model.ErrInstanceNotActive)

	_, err = env.engine.UpdateState(ctx, testActor(), inst.ID, map[string]any{"x": 1})
	requireCode(t, err, model.ErrInstanceNotActive)
}

func TestEngine_UpdateState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "choice")

	inst, err := env.engine.UpdateState(ctx, testActor(), inst.ID, map[string]any{"a": "1", "b": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": 2}, inst.State)

	inst, err = env.engine.UpdateState(ctx, testActor(), inst.ID, map[string]any{"a": nil, "c": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"b": 2, "c": true}, inst.State)
	assert.Equal(t, model.InstanceStatusActive, inst.Status)
	assert.Equal(t, int32(0), env.counting.calls.Load())
}

func TestEngine_Comment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "choice")

	rt, err := env.engine.Comment(ctx, testActor(), inst.ID, "needs a second look")
	require.NoError(t, err)
	assert.Equal(t, "needs a second look", rt.Comment)
	assert.Equal(t, "needs a second look", env.current(t, inst).Comment)
}

func TestEngine_Comment_terminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "guarded")
	_, err := env.engine.UpdateState(ctx, testActor(), inst.ID, map[string]any{"approved": true})
	require.NoError(t, err)
	_, err = env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)

	_, err = env.engine.Comment(ctx, testActor(), inst.ID, "late")
	requireCode(t, err, model.ErrInstanceNotActive)
}

// --- Describe / List ---

func TestEngine_Describe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "review")
	_, err := env.engine.Execute(ctx, model.SystemActor("tenant-1"), inst.ID)
	require.NoError(t, err)

	desc, err := env.engine.Describe(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "Review", desc.Name)
	assert.Equal(t, model.InstanceStatusPaused, desc.Instance.Status)
	require.NotNil(t, desc.CurrentAction)
	assert.Equal(t, "review", desc.CurrentAction.ID)
	assert.True(t, desc.CurrentAction.Finished)
	assert.Equal(t, model.PauseReasonChoice, desc.PauseReason)
	require.Len(t, desc.ValidTransitions, 2)
	assert.Equal(t, "approve", desc.ValidTransitions[0].ID)
	assert.Equal(t, "reject", desc.ValidTransitions[1].ID)

	require.Len(t, desc.Actions, 3)
	assert.Equal(t, []string{"rejected", "review", "published"},
		[]string{desc.Actions[0].ID, desc.Actions[1].ID, desc.Actions[2].ID})

	require.Len(t, desc.History, 1)
	assert.Equal(t, "Review", desc.History[0].ActionName)
	assert.Equal(t, model.SystemSubjectID, desc.History[0].ActorID)

	bob, err := env.engine.Describe(ctx, otherActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PauseReasonWaiting, bob.PauseReason)
	assert.Empty(t, bob.ValidTransitions)
}

func TestEngine_Describe_complete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "review")
	_, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	_, err = env.engine.PerformTransition(ctx, testActor(), inst.ID, "approve", "")
	require.NoError(t, err)

	desc, err := env.engine.Describe(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusComplete, desc.Instance.Status)
	assert.Nil(t, desc.CurrentAction)
	assert.Empty(t, desc.PauseReason)
	require.Len(t, desc.History, 2)
	assert.Equal(t, 1, desc.History[0].Sequence)
	assert.Equal(t, "published", desc.History[1].ActionID)
	assert.NotEmpty(t, desc.History[1].FinishedAt)
}

func TestEngine_List(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	paused := env.start(t, "choice")
	_, err := env.engine.Execute(ctx, testActor(), paused.ID)
	require.NoError(t, err)
	env.start(t, "chain")

	other := &model.RequestContext{SubjectID: "user-carol", TenantID: "tenant-2"}
	_, err = env.engine.Start(ctx, other, "chain", nil)
	require.NoError(t, err)

	items, total, err := env.engine.List(ctx, testActor(), model.WorkflowFilters{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, items, 2)

	items, total, err = env.engine.List(ctx, testActor(), model.WorkflowFilters{Status: model.InstanceStatusPaused})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, paused.ID, items[0].ID)
	assert.Equal(t, "Choice: article 42", items[0].Title)

	_, total, err = env.engine.List(ctx, other, model.WorkflowFilters{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

// --- Target access ---

func TestEngine_TargetAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst := env.start(t, "review")

	access, err := env.engine.TargetAccess(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetAccess{
		Edit:    model.DecisionAllow,
		View:    model.DecisionAllow,
		Publish: model.DecisionDeny,
	}, access)

	edit, err := env.engine.CanEditTarget(ctx, otherActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDeny, edit)

	_, err = env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	_, err = env.engine.PerformTransition(ctx, testActor(), inst.ID, "approve", "")
	require.NoError(t, err)

	access, err = env.engine.TargetAccess(ctx, testActor(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetAccess{
		Edit:    model.DecisionUndecided,
		View:    model.DecisionUndecided,
		Publish: model.DecisionUndecided,
	}, access)
}
