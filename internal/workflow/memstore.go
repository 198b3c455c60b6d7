package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/approvals/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore for tests and single
// process deployments.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance         // key: instance ID
	runtimes  map[string]map[string]model.ActionRuntime // key: instance ID, runtime ID
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		instances: make(map[string]model.WorkflowInstance),
		runtimes:  make(map[string]map[string]model.ActionRuntime),
	}
}

// CreateInstance persists a new instance and its first runtime.
func (s *MemoryWorkflowStore) CreateInstance(_ context.Context, inst *model.WorkflowInstance, first model.ActionRuntime) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = cloneInstance(*inst)
	s.runtimes[inst.ID] = map[string]model.ActionRuntime{first.ID: cloneRuntime(first)}
	return nil
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *MemoryWorkflowStore) GetInstance(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

// Save persists an updated instance with optimistic locking.
func (s *MemoryWorkflowStore) Save(_ context.Context, inst *model.WorkflowInstance, runtimes ...model.ActionRuntime) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = cloneInstance(*inst)

	byID := s.runtimes[inst.ID]
	for _, rt := range runtimes {
		byID[rt.ID] = cloneRuntime(rt)
	}
	return nil
}

// GetRuntime retrieves one runtime of an instance.
func (s *MemoryWorkflowStore) GetRuntime(_ context.Context, instanceID, runtimeID string) (model.ActionRuntime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.runtimes[instanceID][runtimeID]
	if !ok {
		return model.ActionRuntime{}, model.NewNotFoundError(
			fmt.Sprintf("action runtime %q not found", runtimeID),
		)
	}
	return cloneRuntime(rt), nil
}

// ListRuntimes returns the runtime history of an instance ordered by sequence.
func (s *MemoryWorkflowStore) ListRuntimes(_ context.Context, instanceID string) ([]model.ActionRuntime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.ActionRuntime, 0, len(s.runtimes[instanceID]))
	for _, rt := range s.runtimes[instanceID] {
		result = append(result, cloneRuntime(rt))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

// FindInstances returns a page of a tenant's instances, newest first.
func (s *MemoryWorkflowStore) FindInstances(_ context.Context, tenantID string, filters model.WorkflowFilters) ([]model.WorkflowInstance, int, error) {
	offset := normalizePage(&filters)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.DefinitionID != "" && inst.DefinitionID != filters.DefinitionID {
			continue
		}
		if filters.Target != nil && (inst.Target == nil || *inst.Target != *filters.Target) {
			continue
		}
		result = append(result, inst)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	if offset >= total {
		return []model.WorkflowInstance{}, total, nil
	}
	result = result[offset:]
	if filters.PageSize < len(result) {
		result = result[:filters.PageSize]
	}

	page := make([]model.WorkflowInstance, len(result))
	for i, inst := range result {
		page[i] = cloneInstance(inst)
	}
	return page, total, nil
}

// FindByStatus pages through instances in a status by ascending ID.
func (s *MemoryWorkflowStore) FindByStatus(_ context.Context, status model.InstanceStatus, afterID string, limit int) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == status && strings.Compare(inst.ID, afterID) > 0 {
			result = append(result, cloneInstance(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// FindByTarget returns the non-terminal instances bound to target.
func (s *MemoryWorkflowStore) FindByTarget(_ context.Context, target model.TargetRef) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Target == nil || *inst.Target != target || inst.Status.Terminal() {
			continue
		}
		result = append(result, cloneInstance(inst))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryWorkflowStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance copies the reference-typed fields so callers cannot mutate
// stored state.
func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	if inst.Target != nil {
		t := *inst.Target
		inst.Target = &t
	}
	inst.AssignedUsers = slices.Clone(inst.AssignedUsers)
	inst.AssignedGroups = slices.Clone(inst.AssignedGroups)
	inst.State = maps.Clone(inst.State)
	return inst
}

func cloneRuntime(rt model.ActionRuntime) model.ActionRuntime {
	if rt.FinishedAt != nil {
		t := *rt.FinishedAt
		rt.FinishedAt = &t
	}
	return rt
}
