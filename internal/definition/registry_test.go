package definition

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/model"
)

func testFiles() []model.DefinitionFile {
	return []model.DefinitionFile{
		{
			Version:  "1.0.0",
			Checksum: "abc123",
			Workflows: []model.WorkflowDefinition{
				{
					ID:            "article.review",
					Name:          "Article review",
					InitialAction: "draft",
					Actions: []model.ActionDefinition{
						{ID: "draft", Type: model.ActionTypeManual, Transitions: []model.TransitionDefinition{{To: "review"}}},
						{ID: "review", Type: model.ActionTypeManual, SortOrder: 5, Transitions: []model.TransitionDefinition{
							{ID: "approve", To: "done"},
						}},
						{ID: "done", Type: model.ActionTypeDynamic},
					},
				},
			},
		},
		{
			Version:  "1.0.0",
			Checksum: "def456",
			Workflows: []model.WorkflowDefinition{
				{ID: "invoice.approval", Name: "Invoice approval", InitialAction: "a"},
			},
		},
	}
}

func TestRegistry_GetWorkflow(t *testing.T) {
	r := NewRegistry(testFiles())

	w, ok := r.GetWorkflow("article.review")
	require.True(t, ok)
	assert.Equal(t, "Article review", w.Name)

	_, ok = r.GetWorkflow("unknown")
	assert.False(t, ok)
}

func TestRegistry_normalizes(t *testing.T) {
	r := NewRegistry(testFiles())
	w, _ := r.GetWorkflow("article.review")

	draft, _ := w.Action("draft")
	assert.Equal(t, "draft->review", draft.Transitions[0].ID)
	assert.Equal(t, "draft", draft.Transitions[0].From)
	assert.Equal(t, DefaultManualBehavior, draft.Behavior)
	done, _ := w.Action("done")
	assert.Equal(t, DefaultDynamicBehavior, done.Behavior)

	// Explicit 5 is the max, so the unset actions follow in declaration order.
	want := map[string]int{"draft": 6, "review": 5, "done": 7}
	for id, order := range want {
		a, _ := w.Action(id)
		assert.Equal(t, order, a.SortOrder, "%s.SortOrder", id)
	}
}

func TestRegistry_does_not_mutate_input(t *testing.T) {
	files := testFiles()
	NewRegistry(files)
	assert.Empty(t, files[0].Workflows[0].Actions[0].Transitions[0].ID, "Replace modified the caller's definitions")
}

func TestNormalize_sharesNothingWithInput(t *testing.T) {
	raw := model.WorkflowDefinition{
		ID:            "w",
		InitialAction: "a",
		Actions: []model.ActionDefinition{{
			ID:     "a",
			Type:   model.ActionTypeManual,
			Params: map[string]string{"view": "allow"},
			Transitions: []model.TransitionDefinition{{
				To:    "b",
				Guard: &model.GuardDefinition{Type: "condition", Params: map[string]string{"expression": "x == 'y'"}},
				Hooks: []model.HookDefinition{{Type: "publish", Params: map[string]string{"topic": "t"}}},
			}},
		}, {ID: "b", Type: model.ActionTypeDynamic}},
	}

	out := Normalize(raw)
	tr := out.Actions[0].Transitions[0]
	require.NotNil(t, tr.Guard)
	assert.NotSame(t, raw.Actions[0].Transitions[0].Guard, tr.Guard)

	out.Actions[0].Params["view"] = "deny"
	tr.Guard.Params["expression"] = "x == 'z'"
	tr.Guard.Type = "state_present"
	tr.Hooks[0].Params["topic"] = "other"

	rawTr := raw.Actions[0].Transitions[0]
	assert.Equal(t, "allow", raw.Actions[0].Params["view"])
	assert.Equal(t, "condition", rawTr.Guard.Type)
	assert.Equal(t, "x == 'y'", rawTr.Guard.Params["expression"])
	assert.Equal(t, "t", rawTr.Hooks[0].Params["topic"])
}

func TestRegistry_AllWorkflows(t *testing.T) {
	r := NewRegistry(testFiles())
	all := r.AllWorkflows()
	require.Len(t, all, 2)
	assert.Equal(t, "article.review", all[0].ID, "ordered by ID")
	assert.Equal(t, "invoice.approval", all[1].ID, "ordered by ID")
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_Checksum(t *testing.T) {
	r := NewRegistry(testFiles())
	require.NotEmpty(t, r.Checksum())

	reversed := testFiles()
	reversed[0], reversed[1] = reversed[1], reversed[0]
	assert.Equal(t, r.Checksum(), NewRegistry(reversed).Checksum(), "independent of file order")
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(testFiles())
	old := r.Checksum()

	r.Replace([]model.DefinitionFile{{
		Version:   "2.0.0",
		Checksum:  "new",
		Workflows: []model.WorkflowDefinition{{ID: "other", Name: "Other"}},
	}})

	_, ok := r.GetWorkflow("article.review")
	assert.False(t, ok, "old workflow should be gone after Replace")
	_, ok = r.GetWorkflow("other")
	assert.True(t, ok, "new workflow should be present after Replace")
	assert.NotEqual(t, old, r.Checksum())
}

func TestRegistry_concurrent_reads(t *testing.T) {
	r := NewRegistry(testFiles())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.GetWorkflow("article.review")
			r.AllWorkflows()
		}()
		go func() {
			defer wg.Done()
			r.Replace(testFiles())
		}()
	}
	wg.Wait()
}
