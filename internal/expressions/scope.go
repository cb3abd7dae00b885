package expressions

// Scope is the set of values an expression may reference.
//   - data:      the node's current payload
//   - variables: execution-scoped variables
//   - metadata:  execution metadata
//   - execution: identifiers (workflow_id, execution_id, user_id, node_id)
type Scope struct {
	Data      any
	Variables map[string]any
	Metadata  map[string]any
	Execution map[string]any
}

// scopeKeys are the top-level names every engine exposes.
var scopeKeys = []string{"data", "variables", "metadata", "execution"}

// Map flattens the scope into the map passed to Engine.Evaluate.
// Missing maps default to empty maps to prevent nil-ref errors.
func (s Scope) Map() map[string]any {
	return map[string]any{
		"data":      s.Data,
		"variables": orEmpty(s.Variables),
		"metadata":  orEmpty(s.Metadata),
		"execution": orEmpty(s.Execution),
	}
}

// With returns the scope map with extra top-level bindings added. Extra keys
// never shadow the standard scope keys.
func (s Scope) With(extra map[string]any) map[string]any {
	m := s.Map()
	for k, v := range extra {
		if _, reserved := m[k]; reserved {
			continue
		}
		m[k] = v
	}
	return m
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
