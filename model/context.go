package model

import (
	"context"
	"errors"
	"fmt"
)

// SystemSubjectID is the actor identity used for engine work triggered by
// the sweeper or the event trigger rather than a person.
const SystemSubjectID = "system"

// RequestContext carries the identity of the actor on whose behalf an engine
// operation runs. It is immutable after construction and safe for
// concurrent reads.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Groups        []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// SystemActor returns the actor used for unattended re-execution within a
// tenant.
func SystemActor(tenantID string) *RequestContext {
	return &RequestContext{SubjectID: SystemSubjectID, TenantID: tenantID}
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// InGroup returns true if the actor is a member of the given group.
func (rc *RequestContext) InGroup(group string) bool {
	for _, g := range rc.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present. Only the HTTP layer reads it; the engine receives the
// actor as an explicit argument.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context and panics
// if absent. Use only in handlers mounted behind the auth middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
