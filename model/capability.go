package model

import (
	"context"
	"strings"
)

// Decision is a tri-state answer to a capability query. Undecided means the
// answering party has no opinion and the caller's default applies.
type Decision string

// Decisions.
const (
	DecisionAllow     Decision = "allow"
	DecisionDeny      Decision = "deny"
	DecisionUndecided Decision = "undecided"
)

// ParseDecision maps "allow"/"deny" to their decisions and anything else to
// DecisionUndecided.
func ParseDecision(s string) Decision {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case DecisionAllow:
		return DecisionAllow
	case DecisionDeny:
		return DecisionDeny
	}
	return DecisionUndecided
}

// Resolve collapses the decision to a boolean, using def when undecided.
func (d Decision) Resolve(def bool) bool {
	switch d {
	case DecisionAllow:
		return true
	case DecisionDeny:
		return false
	}
	return def
}

// CapabilitySet is a set of capabilities granted to a user. Each key is a
// capability string (e.g. "documents:approve") and may include wildcards
// (e.g. "documents:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given
// capabilities.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                 matches anything
//	"documents:*"       matches "documents:approve"
//	"documents:approve" does NOT match "documents:approve:final"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for an actor.
type CapabilityResolver interface {
	// Resolve returns all capabilities for the given subject/tenant.
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given user and tenant.
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator resolves capabilities from roles or an external policy
// source.
type PolicyEvaluator interface {
	// ResolveCapabilities returns the full capability set for the given context.
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from the external source.
	Sync() error
}

// AssignmentResolver answers whether an actor is among the users or groups
// attached to a running instance. It only feeds access checks and guards,
// never the engine's advancement logic.
type AssignmentResolver interface {
	IsAssigned(ctx context.Context, actor *RequestContext, inst *WorkflowInstance) (bool, error)
}
