package mcp

import (
	"sort"
	"sync"

	"github.com/rendis/deflow/pkg/schema"
)

// WorkflowRegistry holds the workflows defined in this process, keyed by id.
// Workflows are not persisted.
type WorkflowRegistry struct {
	mu        sync.RWMutex
	workflows map[string]*schema.Workflow
}

// NewWorkflowRegistry creates an empty WorkflowRegistry.
func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{workflows: make(map[string]*schema.Workflow)}
}

// Put stores wf, replacing any workflow with the same id. It reports
// whether a previous definition was replaced.
func (r *WorkflowRegistry) Put(wf *schema.Workflow) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.workflows[wf.ID]
	r.workflows[wf.ID] = wf
	return replaced
}

// Get returns the workflow with the given id.
func (r *WorkflowRegistry) Get(id string) (*schema.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	return wf, ok
}

// Delete removes a workflow.
func (r *WorkflowRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workflows, id)
}

// List returns every workflow sorted by id.
func (r *WorkflowRegistry) List() []*schema.Workflow {
	r.mu.RLock()
	out := make([]*schema.Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
