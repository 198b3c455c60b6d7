package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Workflow-specific error codes.
const (
	ErrInvalidDefinition  = "INVALID_DEFINITION"
	ErrNoCurrentAction    = "NO_CURRENT_ACTION"
	ErrInstanceNotActive  = "INSTANCE_NOT_ACTIVE"
	ErrDanglingTransition = "DANGLING_TRANSITION"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrHookFailed         = "HOOK_FAILED"
	ErrWorkflowChainLimit = "WORKFLOW_CHAIN_LIMIT"
)

// ErrorEnvelope is the standard error value returned by the engine and
// rendered by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err, or any error it wraps or joins, is an
// ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	found := false
	walkEnvelopes(err, func(ee *ErrorEnvelope) bool {
		found = ee.Code == code
		return !found
	})
	return found
}

// HookFailures returns every HOOK_FAILED envelope carried by err.
func HookFailures(err error) []*ErrorEnvelope {
	var out []*ErrorEnvelope
	walkEnvelopes(err, func(ee *ErrorEnvelope) bool {
		if ee.Code == ErrHookFailed {
			out = append(out, ee)
		}
		return true
	})
	return out
}

// PrimaryError strips hook failures from err. It returns nil when err
// reports nothing but hook failures, so the operation itself succeeded.
func PrimaryError(err error) error {
	switch e := err.(type) {
	case nil:
		return nil
	case *ErrorEnvelope:
		if e.Code == ErrHookFailed {
			return nil
		}
		return err
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if p := PrimaryError(inner); p != nil {
				return p
			}
		}
		return nil
	case interface{ Unwrap() error }:
		if PrimaryError(e.Unwrap()) == nil {
			return nil
		}
		return err
	}
	return err
}

// HookFailureOnly reports whether err is non-nil and carries only hook
// failures.
func HookFailureOnly(err error) bool {
	return err != nil && PrimaryError(err) == nil
}

// walkEnvelopes visits the envelopes in err's tree depth first until visit
// returns false.
func walkEnvelopes(err error, visit func(*ErrorEnvelope) bool) bool {
	for err != nil {
		if ee, ok := err.(*ErrorEnvelope); ok && !visit(ee) {
			return false
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if !walkEnvelopes(inner, visit) {
					return false
				}
			}
			return true
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			return true
		}
	}
	return true
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewServiceUnavailableError returns a SERVICE_UNAVAILABLE error.
func NewServiceUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrServiceUnavailable, Message: msg}
}

// NewInvalidDefinitionError is returned when a workflow cannot be started
// from a definition, e.g. one without a resolvable initial action.
func NewInvalidDefinitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidDefinition, Message: msg}
}

// NewNoCurrentActionError is returned when a non-terminal instance has no
// current action to execute. This indicates corrupted data.
func NewNoCurrentActionError(instanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoCurrentAction,
		Message: fmt.Sprintf("workflow instance %q has no current action", instanceID),
	}
}

// NewInstanceNotActiveError is returned for operations on a complete or
// cancelled instance.
func NewInstanceNotActiveError(instanceID string, status InstanceStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotActive,
		Message: fmt.Sprintf("workflow instance %q is %s", instanceID, status),
	}
}

// NewDanglingTransitionError is returned when a transition points at an
// action that no longer exists in the definition.
func NewDanglingTransitionError(transitionID, targetActionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDanglingTransition,
		Message: fmt.Sprintf("transition %q targets unknown action %q", transitionID, targetActionID),
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewHookFailedError returns a HOOK_FAILED error. The transition it refers to
// has already been committed.
func NewHookFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrHookFailed, Message: msg}
}

// NewWorkflowChainLimitError is returned when a single Execute call walks
// through more actions than the configured chain limit.
func NewWorkflowChainLimitError(limit int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowChainLimit,
		Message: fmt.Sprintf("auto-advance chain exceeded %d actions", limit),
	}
}
