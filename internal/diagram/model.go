// Package diagram renders workflows as Mermaid, ASCII or graphviz images,
// optionally overlaid with the node statuses of one execution.
package diagram

// NodeKind classifies a diagram node by its catalog category.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindCondition NodeKind = "condition"
	NodeKindDeFi      NodeKind = "defi"
	NodeKindData      NodeKind = "data"
	NodeKindAction    NodeKind = "action"
	NodeKindUnknown   NodeKind = "unknown"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // node ids by BFS depth from the triggers; unreachable nodes last
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Type   string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a node in one execution. A
// node that ran several times shows its last run; Runs and Fee cover all.
type StatusOverlay struct {
	Status     string // from schema.ExecutionStatus
	DurationMs int64
	Runs       int
	Fee        float64
	Degraded   bool
	Error      string
}

// Edge represents a connection between two nodes. Duplicate connections
// collapse into one edge labelled with their count.
type Edge struct {
	From  string
	To    string
	Label string
}
