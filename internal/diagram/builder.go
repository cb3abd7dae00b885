package diagram

import (
	"fmt"

	"github.com/rendis/deflow/internal/catalog"
	"github.com/rendis/deflow/internal/graph"
	"github.com/rendis/deflow/pkg/schema"
)

// Build constructs a DiagramModel from a workflow. exec is optional; when
// set it must be an execution of wf and its node executions become status
// overlays.
func Build(wf *schema.Workflow, cat catalog.Catalog, exec *schema.WorkflowExecution) (*DiagramModel, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: workflow is nil")
	}
	if exec != nil && exec.WorkflowID != wf.ID {
		return nil, fmt.Errorf("diagram: execution %s belongs to workflow %s, not %s", exec.ID, exec.WorkflowID, wf.ID)
	}
	if cat == nil {
		cat = catalog.Builtin()
	}

	nodes := make([]*Node, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		node := &Node{
			ID:    n.ID,
			Type:  n.NodeType,
			Label: nodeLabel(n),
			Kind:  nodeKind(cat, n),
		}
		if exec != nil {
			overlayStatus(node, exec)
		}
		nodes = append(nodes, node)
	}

	return &DiagramModel{
		Title:  title(wf),
		Nodes:  nodes,
		Edges:  buildEdges(wf),
		Levels: buildLevels(wf, cat),
	}, nil
}

// nodeKind maps a node's catalog category to a NodeKind.
func nodeKind(cat catalog.Catalog, n schema.WorkflowNode) NodeKind {
	category, ok := cat.Category(n.NodeType)
	if !ok {
		return NodeKindUnknown
	}
	switch category {
	case catalog.CategoryTrigger:
		return NodeKindTrigger
	case catalog.CategoryLogic:
		return NodeKindCondition
	case catalog.CategoryDeFi:
		return NodeKindDeFi
	case catalog.CategoryData:
		return NodeKindData
	default:
		return NodeKindAction
	}
}

// nodeLabel creates a human-readable label for a node: its name, or id,
// followed by its type.
func nodeLabel(n schema.WorkflowNode) string {
	name := n.ID
	if n.Name != "" {
		name = n.Name
	}
	if n.NodeType != "" {
		return fmt.Sprintf("%s\n(%s)", name, n.NodeType)
	}
	return name
}

// overlayStatus applies the node executions of exec to node.
func overlayStatus(node *Node, exec *schema.WorkflowExecution) {
	runs := exec.FindNodeExecutions(node.ID)
	if len(runs) == 0 {
		return
	}
	last := runs[len(runs)-1]
	overlay := &StatusOverlay{
		Status:     string(last.Status),
		DurationMs: last.Duration,
		Runs:       len(runs),
		Degraded:   last.Degraded,
		Error:      last.ErrorMessage,
	}
	for _, r := range runs {
		overlay.Fee += r.Fee
	}
	node.Status = overlay
}

// buildEdges lists connections in workflow order, collapsing duplicates.
func buildEdges(wf *schema.Workflow) []Edge {
	type key struct{ from, to string }
	counts := make(map[key]int, len(wf.Connections))
	var order []key
	for _, c := range wf.Connections {
		k := key{c.SourceNodeID, c.TargetNodeID}
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}

	edges := make([]Edge, 0, len(order))
	for _, k := range order {
		e := Edge{From: k.from, To: k.to}
		if n := counts[k]; n > 1 {
			e.Label = fmt.Sprintf("x%d", n)
		}
		edges = append(edges, e)
	}
	return edges
}

// buildLevels groups node ids by their shortest distance from a trigger
// node. Nodes no trigger reaches form a final level.
func buildLevels(wf *schema.Workflow, cat catalog.Catalog) [][]string {
	known := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		known[n.ID] = true
	}
	depth := make(map[string]int, len(wf.Nodes))
	var queue []string
	for _, t := range graph.FindTriggerNodes(wf, cat) {
		if _, seen := depth[t.ID]; !seen {
			depth[t.ID] = 0
			queue = append(queue, t.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range wf.Connections {
			if c.SourceNodeID != id || !known[c.TargetNodeID] {
				continue
			}
			if _, seen := depth[c.TargetNodeID]; !seen {
				depth[c.TargetNodeID] = depth[id] + 1
				queue = append(queue, c.TargetNodeID)
			}
		}
	}

	maxDepth := -1
	for _, d := range depth {
		maxDepth = max(maxDepth, d)
	}
	levels := make([][]string, maxDepth+1)
	var unreached []string
	for _, n := range wf.Nodes {
		d, ok := depth[n.ID]
		if !ok {
			unreached = append(unreached, n.ID)
			continue
		}
		levels[d] = append(levels[d], n.ID)
	}
	if len(unreached) > 0 {
		levels = append(levels, unreached)
	}
	return levels
}

// title generates a diagram title from workflow metadata.
func title(wf *schema.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	if wf.ID != "" {
		return wf.ID
	}
	return "Workflow"
}
