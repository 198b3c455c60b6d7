package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/internal/capability"
	"github.com/pitabwire/approvals/model"
)

func TestEvaluateCondition(t *testing.T) {
	state := map[string]any{
		"status":   "approved",
		"priority": 3,
		"note":     "a == b",
	}

	tests := []struct {
		condition string
		want      bool
		wantErr   bool
	}{
		{"status == 'approved'", true, false},
		{"status == \"approved\"", true, false},
		{"status == 'rejected'", false, false},
		{"status != 'rejected'", true, false},
		{"priority == 3", true, false},
		{"missing == ''", true, false},
		{"missing != 'x'", true, false},
		{"note == 'a == b'", true, false},
		{"status", false, true},
		{"== 'x'", false, true},
		{"status > 2", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			got, err := evaluateCondition(tt.condition, state)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionGuard_requiresExpression(t *testing.T) {
	_, err := ConditionGuard{}.IsValid(context.Background(), GuardInput{
		Transition: &model.TransitionDefinition{ID: "t"},
		Instance:   &model.WorkflowInstance{},
	})
	assert.Error(t, err)
}

func TestStatePresentGuard(t *testing.T) {
	in := func(state map[string]any) GuardInput {
		return GuardInput{
			Transition: &model.TransitionDefinition{ID: "t"},
			Params:     map[string]string{"key": "approved"},
			Instance:   &model.WorkflowInstance{State: state},
		}
	}

	ok, err := StatePresentGuard{}.IsValid(context.Background(), in(map[string]any{"approved": true}))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = StatePresentGuard{}.IsValid(context.Background(), in(map[string]any{"approved": ""}))
	assert.False(t, ok)

	ok, _ = StatePresentGuard{}.IsValid(context.Background(), in(nil))
	assert.False(t, ok)
}

type errCapResolver struct{}

func (errCapResolver) Resolve(*model.RequestContext) (model.CapabilitySet, error) {
	return nil, errors.New("policy store down")
}
func (errCapResolver) Invalidate(_, _ string) {}

func TestCapabilityGuard(t *testing.T) {
	resolver := &mockCapResolver{caps: map[string]model.CapabilitySet{
		"user-alice": {"articles:*": true},
	}}
	g := NewCapabilityGuard(resolver)
	in := GuardInput{
		Transition: &model.TransitionDefinition{ID: "approve"},
		Params:     map[string]string{"capability": "articles:approve"},
		Instance:   &model.WorkflowInstance{},
		Actor:      testActor(),
	}

	ok, err := g.IsValid(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, ok)

	in.Actor = otherActor()
	ok, err = g.IsValid(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewCapabilityGuard(errCapResolver{}).IsValid(context.Background(), in)
	assert.ErrorContains(t, err, "policy store down")
}

func TestAssigneeGuard(t *testing.T) {
	g := NewAssigneeGuard(capability.NewAssignments())
	inst := &model.WorkflowInstance{
		TenantID:       "tenant-1",
		AssignedUsers:  []string{"user-bob"},
		AssignedGroups: []string{"editors"},
	}

	ok, err := g.IsValid(context.Background(), GuardInput{Instance: inst, Actor: testActor()})
	require.NoError(t, err)
	assert.True(t, ok, "alice is in editors")

	ok, _ = g.IsValid(context.Background(), GuardInput{Instance: inst, Actor: otherActor()})
	assert.True(t, ok, "bob is assigned directly")

	ok, _ = g.IsValid(context.Background(), GuardInput{Instance: inst, Actor: model.SystemActor("tenant-1")})
	assert.False(t, ok)
}

func TestDefaultGuards(t *testing.T) {
	r := DefaultGuards(nil, capability.NewAssignments())
	assert.Equal(t, []string{GuardAssignee, GuardCondition, GuardStatePresent}, r.Names())

	r = DefaultGuards(&mockCapResolver{}, nil)
	_, err := r.Get(GuardCapability)
	assert.NoError(t, err)
	_, err = r.Get(GuardAssignee)
	assert.ErrorContains(t, err, `no guard registered as "assignee"`)
}
