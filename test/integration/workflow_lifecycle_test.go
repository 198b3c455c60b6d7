package integration

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/internal/notify"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

const contractDefinition = "contract.approval"

type instanceResult struct {
	Data     model.WorkflowInstance  `json:"data"`
	Warnings []*model.ErrorEnvelope `json:"warnings"`
}

type errorResult struct {
	Error *model.ErrorEnvelope `json:"error"`
}

func instancePath(id string, suffix ...string) string {
	p := "/workflows/instances/" + id
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// startContract starts a contract approval bound to contract targetID and
// returns the instance ID.
func startContract(t *testing.T, h *TestHarness, token, targetID string) string {
	t.Helper()
	resp := h.POST("/workflows/"+contractDefinition+"/instances", map[string]any{
		"target": map[string]string{"type": "contract", "id": targetID},
	}, token)
	var res instanceResult
	h.AssertJSON(t, resp, http.StatusCreated, &res)
	return res.Data.ID
}

func describe(t *testing.T, h *TestHarness, token, id string) model.InstanceDescriptor {
	t.Helper()
	var desc model.InstanceDescriptor
	h.AssertJSON(t, h.GET(instancePath(id), token), http.StatusOK, &desc)
	return desc
}

func transitionIDs(desc model.InstanceDescriptor) []string {
	ids := make([]string, len(desc.ValidTransitions))
	for i, tr := range desc.ValidTransitions {
		ids[i] = tr.ID
	}
	return ids
}

// driveToSigning runs a contract through drafting, review and notification.
func driveToSigning(t *testing.T, h *TestHarness, targetID string) string {
	t.Helper()
	author := h.GenerateToken(AuthorClaims())
	approver := h.GenerateToken(ApproverClaims())

	id := startContract(t, h, author, targetID)
	h.AssertStatus(t, h.POST(instancePath(id, "execute"), nil, author), http.StatusOK)
	h.AssertStatus(t, h.POST(instancePath(id, "transitions", "submit"), nil, author), http.StatusOK)
	h.AssertStatus(t, h.POST(instancePath(id, "transitions", "approve"), nil, approver), http.StatusOK)
	return id
}

func TestWorkflow_FullLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	author := h.GenerateToken(AuthorClaims())
	approver := h.GenerateToken(ApproverClaims())

	// Start binds the instance but does not run it.
	resp := h.POST("/workflows/"+contractDefinition+"/instances", map[string]any{
		"target": map[string]string{"type": "contract", "id": "c-100"},
	}, author)
	var started instanceResult
	h.AssertJSON(t, resp, http.StatusCreated, &started)
	id := started.Data.ID
	assert.Equal(t, model.InstanceStatusActive, started.Data.Status)
	assert.Equal(t, "acme-corp", started.Data.TenantID, "tenant from the token")
	assert.Equal(t, "user-author", started.Data.InitiatorID, "initiator from the token")

	// Drafting offers two open transitions to the author, so execute pauses.
	var executed instanceResult
	h.AssertJSON(t, h.POST(instancePath(id, "execute"), nil, author), http.StatusOK, &executed)
	require.Equal(t, model.InstanceStatusPaused, executed.Data.Status)
	desc := describe(t, h, author, id)
	assert.Equal(t, model.PauseReasonChoice, desc.PauseReason)
	assert.Equal(t, []string{"submit", "withdraw"}, transitionIDs(desc))

	// Submitting moves to legal review, where the author holds no capability.
	var submitted instanceResult
	h.AssertJSON(t, h.POST(instancePath(id, "transitions", "submit"),
		map[string]string{"comment": "ready for legal"}, author), http.StatusOK, &submitted)
	assert.Equal(t, model.InstanceStatusPaused, submitted.Data.Status)
	desc = describe(t, h, author, id)
	require.NotNil(t, desc.CurrentAction)
	require.Equal(t, "legal_review", desc.CurrentAction.ID)
	assert.Empty(t, desc.ValidTransitions, "author sees nothing open")
	assert.Equal(t, model.PauseReasonWaiting, desc.PauseReason)

	// The approver sees the review choice.
	desc = describe(t, h, approver, id)
	assert.Len(t, transitionIDs(desc), 2, "approve and reject")

	// Approval notifies the receiver and stops at signing.
	var approved instanceResult
	h.AssertJSON(t, h.POST(instancePath(id, "transitions", "approve"), nil, approver), http.StatusOK, &approved)
	assert.Equal(t, model.InstanceStatusActive, approved.Data.Status, "active while awaiting signature")
	h.Receiver().AssertDeliveries(t, 1)
	desc = describe(t, h, approver, id)
	require.NotNil(t, desc.CurrentAction)
	require.Equal(t, "signing", desc.CurrentAction.ID)

	// Supplying the awaited key and executing completes the workflow.
	h.AssertStatus(t, h.PATCH(instancePath(id, "state"),
		map[string]any{"state": map[string]any{"signed_at": "2026-10-19"}}, approver), http.StatusOK)
	var completed instanceResult
	h.AssertJSON(t, h.POST(instancePath(id, "execute"), nil, approver), http.StatusOK, &completed)
	require.Equal(t, model.InstanceStatusComplete, completed.Data.Status)

	desc = describe(t, h, author, id)
	wantHistory := []string{"drafting", "legal_review", "notify", "signing", "executed"}
	require.Len(t, desc.History, len(wantHistory))
	for i, want := range wantHistory {
		assert.Equal(t, want, desc.History[i].ActionID, "history[%d]", i)
	}
	assert.Equal(t, "ready for legal", desc.History[0].Comment)
	assert.Nil(t, desc.CurrentAction, "completed instance has no current action")

	// A completed instance can no longer run.
	var conflict errorResult
	h.AssertJSON(t, h.POST(instancePath(id, "execute"), nil, author), http.StatusConflict, &conflict)
	assert.Equal(t, model.ErrInstanceNotActive, conflict.Error.Code)
}

func TestWorkflow_WebhookDelivery(t *testing.T) {
	h := NewTestHarness(t)
	id := driveToSigning(t, h, "c-200")

	deliveries := h.Receiver().Deliveries()
	require.Len(t, deliveries, 1)
	d := deliveries[0]

	assert.Equal(t, "/contracts", d.Path)
	assert.Equal(t, id, d.Notification.InstanceID)
	assert.Equal(t, "notify", d.Notification.ActionID)
	require.NotNil(t, d.Notification.Target)
	assert.Equal(t, "c-200", d.Notification.Target.ID)
	assert.Equal(t, "user-approver", d.Notification.ActorID, "the approver triggered the delivery")
	assert.Equal(t, workflow.EventActionEntered, d.Headers.Get(notify.HeaderEvent))
	assert.Equal(t, notify.Sign("integration-secret", d.RawBody), d.Headers.Get(notify.HeaderSignature))
	assert.Equal(t, d.Notification.RuntimeID, d.Headers.Get(notify.HeaderDelivery), "delivery header carries the runtime ID")
}

func TestWorkflow_Withdraw(t *testing.T) {
	h := NewTestHarness(t)
	author := h.GenerateToken(AuthorClaims())

	id := startContract(t, h, author, "c-300")
	h.AssertStatus(t, h.POST(instancePath(id, "execute"), nil, author), http.StatusOK)

	var res instanceResult
	h.AssertJSON(t, h.POST(instancePath(id, "transitions", "withdraw"), nil, author), http.StatusOK, &res)
	assert.Equal(t, model.InstanceStatusComplete, res.Data.Status)
	assert.Empty(t, res.Warnings)
	h.Receiver().AssertDeliveries(t, 0)
}

func TestWorkflow_RejectReturnsToDrafting(t *testing.T) {
	h := NewTestHarness(t)
	author := h.GenerateToken(AuthorClaims())
	approver := h.GenerateToken(ApproverClaims())

	id := startContract(t, h, author, "c-400")
	h.AssertStatus(t, h.POST(instancePath(id, "execute"), nil, author), http.StatusOK)
	h.AssertStatus(t, h.POST(instancePath(id, "transitions", "submit"), nil, author), http.StatusOK)
	h.AssertStatus(t, h.POST(instancePath(id, "transitions", "reject"),
		map[string]string{"comment": "missing clause 4"}, approver), http.StatusOK)

	desc := describe(t, h, author, id)
	require.NotNil(t, desc.CurrentAction)
	require.Equal(t, "drafting", desc.CurrentAction.ID)
	require.Len(t, desc.History, 3)
	assert.Equal(t, "missing clause 4", desc.History[1].Comment)
}

func TestWorkflow_TransitionErrors(t *testing.T) {
	h := NewTestHarness(t)
	author := h.GenerateToken(AuthorClaims())

	id := startContract(t, h, author, "c-500")
	h.AssertStatus(t, h.POST(instancePath(id, "execute"), nil, author), http.StatusOK)
	h.AssertStatus(t, h.POST(instancePath(id, "transitions", "submit"), nil, author), http.StatusOK)

	t.Run("guarded against the actor", func(t *testing.T) {
		var res errorResult
		h.AssertJSON(t, h.POST(instancePath(id, "transitions", "approve"), nil, author),
			http.StatusUnprocessableEntity, &res)
		assert.Equal(t, model.ErrInvalidTransition, res.Error.Code)
	})

	t.Run("not leaving the current action", func(t *testing.T) {
		h.AssertStatus(t, h.POST(instancePath(id, "transitions", "submit"), nil, author),
			http.StatusUnprocessableEntity)
	})

	t.Run("unknown definition", func(t *testing.T) {
		h.AssertStatus(t, h.POST("/workflows/nope/instances", nil, author), http.StatusNotFound)
	})

	t.Run("unknown instance", func(t *testing.T) {
		h.AssertStatus(t, h.POST(instancePath("missing", "execute"), nil, author), http.StatusNotFound)
	})
}

func TestWorkflow_CommentAndCancel(t *testing.T) {
	h := NewTestHarness(t)
	author := h.GenerateToken(AuthorClaims())

	id := startContract(t, h, author, "c-600")
	h.AssertStatus(t, h.POST(instancePath(id, "comment"),
		map[string]string{"comment": "first pass done"}, author), http.StatusOK)

	var cancelled instanceResult
	h.AssertJSON(t, h.POST(instancePath(id, "cancel"),
		map[string]string{"reason": "deal fell through"}, author), http.StatusOK, &cancelled)
	require.Equal(t, model.InstanceStatusCancelled, cancelled.Data.Status)
	assert.Equal(t, "deal fell through", cancelled.Data.CancelReason)

	h.AssertStatus(t, h.POST(instancePath(id, "cancel"), nil, author), http.StatusConflict)
	h.AssertStatus(t, h.POST(instancePath(id, "transitions", "submit"), nil, author), http.StatusConflict)
}

func TestWorkflow_TargetAccess(t *testing.T) {
	h := NewTestHarness(t)
	author := h.GenerateToken(AuthorClaims())
	outsider := h.GenerateToken(OutsiderClaims())

	id := startContract(t, h, author, "c-700")

	access := func(token string) model.TargetAccess {
		t.Helper()
		var a model.TargetAccess
		h.AssertJSON(t, h.GET(instancePath(id, "access"), token), http.StatusOK, &a)
		return a
	}

	assert.Equal(t, model.DecisionAllow, access(author).Edit, "assigned author while drafting")
	assert.Equal(t, model.DecisionDeny, access(outsider).Edit, "outsider while drafting")

	h.AssertStatus(t, h.POST(instancePath(id, "execute"), nil, author), http.StatusOK)
	h.AssertStatus(t, h.POST(instancePath(id, "transitions", "submit"), nil, author), http.StatusOK)
	assert.Equal(t, model.DecisionDeny, access(author).Edit, "author during legal review")
}

func TestWorkflow_List(t *testing.T) {
	h := NewTestHarness(t)
	author := h.GenerateToken(AuthorClaims())

	for i := 0; i < 3; i++ {
		startContract(t, h, author, fmt.Sprintf("c-80%d", i))
	}
	cancelID := startContract(t, h, author, "c-899")
	h.AssertStatus(t, h.POST(instancePath(cancelID, "cancel"), nil, author), http.StatusOK)

	var page struct {
		Data       []model.WorkflowSummary `json:"data"`
		TotalCount int                     `json:"total_count"`
		Page       int                     `json:"page"`
		PageSize   int                     `json:"page_size"`
	}
	h.AssertJSON(t, h.GET("/workflows/instances?status=active&page_size=2", author), http.StatusOK, &page)
	assert.Equal(t, 3, page.TotalCount)
	assert.Len(t, page.Data, 2)
	assert.Equal(t, 2, page.PageSize)

	h.AssertJSON(t, h.GET("/workflows/instances?target_type=contract&target_id=c-899", author), http.StatusOK, &page)
	assert.Equal(t, 1, page.TotalCount)
	require.NotEmpty(t, page.Data)
	assert.Equal(t, cancelID, page.Data[0].ID)

	h.AssertStatus(t, h.GET("/workflows/instances?status=bogus", author), http.StatusUnprocessableEntity)
}
