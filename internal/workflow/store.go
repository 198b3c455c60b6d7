package workflow

import (
	"context"

	"github.com/pitabwire/approvals/model"
)

// WorkflowStore persists workflow instances and their action runtimes.
// Every write is durable when the call returns.
type WorkflowStore interface {
	// CreateInstance persists a new instance together with its first
	// runtime. Nothing is written if either insert fails.
	CreateInstance(ctx context.Context, inst *model.WorkflowInstance, first model.ActionRuntime) error

	// GetInstance retrieves an instance by ID, scoped to a tenant. Returns
	// NOT_FOUND if the instance doesn't exist or belongs to a different
	// tenant.
	GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// Save writes inst with optimistic locking and upserts the given
	// runtimes in the same unit of work. inst.Version must match the stored
	// version; on success inst.Version is incremented and inst.UpdatedAt is
	// refreshed. Returns CONFLICT if the version has changed.
	Save(ctx context.Context, inst *model.WorkflowInstance, runtimes ...model.ActionRuntime) error

	// GetRuntime retrieves one runtime of an instance.
	GetRuntime(ctx context.Context, instanceID, runtimeID string) (model.ActionRuntime, error)

	// ListRuntimes returns the full runtime history of an instance ordered
	// by sequence.
	ListRuntimes(ctx context.Context, instanceID string) ([]model.ActionRuntime, error)

	// FindInstances returns a page of instances for a tenant and the total
	// number of matches, newest first.
	FindInstances(ctx context.Context, tenantID string, filters model.WorkflowFilters) ([]model.WorkflowInstance, int, error)

	// FindByStatus returns up to limit instances in the given status across
	// all tenants with an ID greater than afterID, ordered by ID.
	FindByStatus(ctx context.Context, status model.InstanceStatus, afterID string, limit int) ([]model.WorkflowInstance, error)

	// FindByTarget returns the non-terminal instances bound to a target
	// across all tenants.
	FindByTarget(ctx context.Context, target model.TargetRef) ([]model.WorkflowInstance, error)
}

// DefaultPageSize is used when a listing request does not set one.
const DefaultPageSize = 20

// MaxPageSize caps listing requests.
const MaxPageSize = 100

// normalizePage clamps page and page size to usable values and returns the
// resulting offset.
func normalizePage(f *model.WorkflowFilters) int {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return (f.Page - 1) * f.PageSize
}
