package nodes

import (
	"sort"
	"sync"

	"github.com/rendis/deflow/pkg/schema"
)

// Registry is the thread-safe node type -> executor map. It is populated at
// engine construction and then sealed; a sealed registry rejects Register.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]NodeExecutor
	sealed    bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]NodeExecutor),
	}
}

// Register adds an executor. Returns error on duplicate type or after Seal.
func (r *Registry) Register(exec NodeExecutor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	typ := exec.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return schema.NewErrorf(schema.ErrCodeConflict, "registry is sealed, cannot register %q", typ)
	}
	if _, exists := r.executors[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", typ)
	}

	r.executors[typ] = exec
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Get retrieves the executor for a node type.
func (r *Registry) Get(nodeType string) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecutorNotFound, "no executor found for node type: %s", nodeType).
			WithDetails(map[string]any{"node_type": nodeType})
	}
	return exec, nil
}

// Has checks if a node type is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[nodeType]
	return ok
}

// List returns info for all registered executors, sorted by type.
func (r *Registry) List() []ExecutorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ExecutorInfo, 0, len(r.executors))
	for _, e := range r.executors {
		infos = append(infos, e.Describe())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}
