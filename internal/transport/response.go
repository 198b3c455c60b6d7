// Package transport contains the HTTP router, middleware chain and request
// handlers of the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/approvals/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes. HOOK_FAILED
// is absent: the transition it reports was committed, so handlers answer 200
// with warnings instead.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrServiceUnavailable: http.StatusServiceUnavailable,
	model.ErrInstanceNotActive:  http.StatusConflict,
	model.ErrNoCurrentAction:    http.StatusConflict,
	model.ErrInvalidDefinition:  http.StatusUnprocessableEntity,
	model.ErrDanglingTransition: http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:  http.StatusUnprocessableEntity,
	model.ErrWorkflowChainLimit: http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error envelope code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error    *model.ErrorEnvelope   `json:"error"`
	Warnings []*model.ErrorEnvelope `json:"warnings,omitempty"`
}

// WriteError writes err as an error envelope. Errors that are not (and do
// not wrap) an *ErrorEnvelope become a generic 500 so internal details do
// not leak. Hook failures joined to err are reported as warnings.
func WriteError(w http.ResponseWriter, err error) {
	var resp errorResponse
	primary := model.PrimaryError(err)
	if primary == nil {
		primary = err
	} else {
		resp.Warnings = model.HookFailures(err)
	}

	var ee *model.ErrorEnvelope
	if !errors.As(primary, &ee) {
		ee = model.NewInternalError()
	}
	resp.Error = ee
	WriteJSON(w, StatusFor(ee.Code), resp)
}

// Result is the body of a successful mutating call. Warnings carry hook
// failures on an otherwise committed change.
type Result[T any] struct {
	Data     T                      `json:"data"`
	Warnings []*model.ErrorEnvelope `json:"warnings,omitempty"`
}

// WriteResult writes data with the given status, or the error when it is
// not only a hook failure. Hook failures are reported as warnings next to
// data.
func WriteResult[T any](w http.ResponseWriter, status int, data T, err error) {
	res := Result[T]{Data: data}
	if err != nil {
		if !model.HookFailureOnly(err) {
			WriteError(w, err)
			return
		}
		res.Warnings = model.HookFailures(err)
	}
	WriteJSON(w, status, res)
}
