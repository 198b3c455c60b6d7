package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

const maxBodyBytes = 1 << 20

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func actorFrom(w http.ResponseWriter, r *http.Request) *model.RequestContext {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
	}
	return rctx
}

func handleWorkflowStart(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := actorFrom(w, r)
		if rctx == nil {
			return
		}

		var body struct {
			Target *model.TargetRef `json:"target"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.Target != nil && (body.Target.Type == "" || body.Target.ID == "") {
			WriteError(w, model.NewValidationError([]model.FieldError{{
				Field: "target", Code: "REQUIRED", Message: "target needs both type and id",
			}}))
			return
		}

		inst, err := engine.Start(r.Context(), rctx, chi.URLParam(r, "definitionId"), body.Target)
		WriteResult(w, http.StatusCreated, inst, err)
	}
}

func handleWorkflowList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := actorFrom(w, r)
		if rctx == nil {
			return
		}

		q := r.URL.Query()
		filters := model.WorkflowFilters{
			Status:       model.InstanceStatus(q.Get("status")),
			DefinitionID: q.Get("definition_id"),
			Page:         queryInt(r, "page", 1),
			PageSize:     queryInt(r, "page_size", workflow.DefaultPageSize),
		}
		if filters.Status != "" && !filters.Status.Valid() {
			WriteError(w, model.NewValidationError([]model.FieldError{{
				Field: "status", Code: "INVALID", Message: "unknown status " + strconv.Quote(string(filters.Status)),
			}}))
			return
		}
		if t, id := q.Get("target_type"), q.Get("target_id"); t != "" || id != "" {
			filters.Target = &model.TargetRef{Type: t, ID: id}
		}

		summaries, total, err := engine.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		if summaries == nil {
			summaries = []model.WorkflowSummary{}
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        summaries,
			"total_count": total,
			"page":        filters.Page,
			"page_size":   filters.PageSize,
		})
	}
}

func handleWorkflowGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := actorFrom(w, r)
		if rctx == nil {
			return
		}

		desc, err := engine.Describe(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleWorkflowExecute(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := actorFrom(w, r)
		if rctx == nil {
			return
		}

		inst, err := engine.Execute(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		WriteResult(w, http.StatusOK, inst, err)
	}
}

func handleWorkflowTransition(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := actorFrom(w, r)
		if rctx == nil {
			return
		}

		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.PerformTransition(r.Context(), rctx,
			chi.URLParam(r, "instanceId"), chi.URLParam(r, "transitionId"), body.Comment)
		WriteResult(w, http.StatusOK, inst, err)
	}
}

func handleWorkflowState(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := actorFrom(w, r)
		if rctx == nil {
			return
		}

		var body struct {
			State map[string]any `json:"state"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if len(body.State) == 0 {
			WriteError(w, model.NewValidationError([]model.FieldError{{
				Field: "state", Code: "REQUIRED", Message: "state patch must not be empty",
			}}))
			return
		}

		inst, err := engine.UpdateState(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.State)
		WriteResult(w, http.StatusOK, inst, err)
	}
}

func handleWorkflowComment(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := actorFrom(w, r)
		if rctx == nil {
			return
		}

		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}

		rt, err := engine.Comment(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.Comment)
		WriteResult(w, http.StatusOK, rt, err)
	}
}

func handleWorkflowCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := actorFrom(w, r)
		if rctx == nil {
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.Cancel(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.Reason)
		WriteResult(w, http.StatusOK, inst, err)
	}
}

func handleWorkflowAccess(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := actorFrom(w, r)
		if rctx == nil {
			return
		}

		access, err := engine.TargetAccess(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, access)
	}
}
