package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/approvals/model"
)

// snapshot is an immutable collection of all workflow definitions indexed by ID.
type snapshot struct {
	workflows map[string]model.WorkflowDefinition
	sources   map[string]string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads. Definitions are
// normalized on the way in, so readers always see From, transition IDs and
// sort orders filled in.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definition files.
func NewRegistry(files []model.DefinitionFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given files. When two files declare the same workflow ID the later
// one wins; the Validator reports such duplicates.
func (r *Registry) Replace(files []model.DefinitionFile) {
	s := &snapshot{
		workflows: make(map[string]model.WorkflowDefinition),
		sources:   make(map[string]string),
	}

	var checksumParts []string

	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, w := range f.Workflows {
			s.workflows[w.ID] = Normalize(w)
			s.sources[w.ID] = f.SourceFile
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetWorkflow returns the workflow definition with the given ID.
func (r *Registry) GetWorkflow(workflowID string) (model.WorkflowDefinition, bool) {
	w, ok := r.current().workflows[workflowID]
	return w, ok
}

// SourceFile returns the file the workflow was loaded from.
func (r *Registry) SourceFile(workflowID string) string {
	return r.current().sources[workflowID]
}

// AllWorkflows returns all workflow definitions ordered by ID.
func (r *Registry) AllWorkflows() []model.WorkflowDefinition {
	s := r.current()
	defs := make([]model.WorkflowDefinition, 0, len(s.workflows))
	for _, w := range s.workflows {
		defs = append(defs, w)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Len returns the number of registered workflows.
func (r *Registry) Len() int {
	return len(r.current().workflows)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
