package schema

// Workflow is the declarative graph of typed nodes and directed connections.
// The engine treats it as read-only input for the duration of a run.
type Workflow struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Nodes       []WorkflowNode       `json:"nodes"`
	Connections []WorkflowConnection `json:"connections"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
}

// WorkflowNode is one typed unit of work in a workflow.
type WorkflowNode struct {
	ID            string            `json:"id"`
	NodeType      string            `json:"node_type"`
	Name          string            `json:"name,omitempty"`
	Configuration NodeConfiguration `json:"configuration"`
}

// NodeConfiguration carries the raw parameters handed to the node's executor.
// Each executor decodes them into its own typed parameter struct.
type NodeConfiguration struct {
	Parameters map[string]any `json:"parameters,omitempty"`
}

// WorkflowConnection states that Target becomes eligible once Source succeeds.
type WorkflowConnection struct {
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (WorkflowNode, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return WorkflowNode{}, false
}

// Param returns a raw parameter value.
func (n WorkflowNode) Param(key string) (any, bool) {
	if n.Configuration.Parameters == nil {
		return nil, false
	}
	v, ok := n.Configuration.Parameters[key]
	return v, ok
}
