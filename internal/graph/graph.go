// Package graph holds the pure read-only helpers over a workflow graph:
// trigger discovery, fan-out lookup and structural validation.
package graph

import (
	"fmt"
	"sort"

	"github.com/rendis/deflow/pkg/schema"
)

// CategoryTrigger is the catalog category of entry-point nodes.
const CategoryTrigger = "trigger"

// CategoryLookup resolves the catalog category of a node type.
type CategoryLookup interface {
	Category(nodeType string) (string, bool)
}

// FindTriggerNodes returns every node whose catalog category is "trigger",
// in the order the nodes appear in the workflow.
func FindTriggerNodes(wf *schema.Workflow, catalog CategoryLookup) []schema.WorkflowNode {
	var out []schema.WorkflowNode
	for _, n := range wf.Nodes {
		if cat, ok := catalog.Category(n.NodeType); ok && cat == CategoryTrigger {
			out = append(out, n)
		}
	}
	return out
}

// FindConnectedNodes returns the targets of every connection leaving source,
// in connection-list order. A target listed twice is returned twice.
// Connections whose target is not in the workflow are skipped.
func FindConnectedNodes(source schema.WorkflowNode, wf *schema.Workflow) []schema.WorkflowNode {
	var out []schema.WorkflowNode
	for _, c := range wf.Connections {
		if c.SourceNodeID != source.ID {
			continue
		}
		if n, ok := wf.Node(c.TargetNodeID); ok {
			out = append(out, n)
		}
	}
	return out
}

// InboundCount returns how many connections target nodeID.
func InboundCount(nodeID string, wf *schema.Workflow) int {
	count := 0
	for _, c := range wf.Connections {
		if c.TargetNodeID == nodeID {
			count++
		}
	}
	return count
}

// Validate checks referential integrity. Duplicate or empty node ids and
// dangling connection endpoints are errors. Self-loops and cycles are
// reported as warnings only: the engine runs them and bounds traversal depth.
func Validate(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil {
		result.Errorf("", schema.ErrCodeValidation, "workflow is nil")
		return result
	}
	if len(wf.Nodes) == 0 {
		result.Errorf("nodes", schema.ErrCodeValidation, "workflow has no nodes")
		return result
	}

	ids := make(map[string]bool, len(wf.Nodes))
	for i, n := range wf.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			result.Errorf(path+".id", schema.ErrCodeValidation, "node at index %d has empty id", i)
			continue
		}
		if ids[n.ID] {
			result.Errorf(path+".id", schema.ErrCodeValidation, "duplicate node id: %s", n.ID)
			continue
		}
		if n.NodeType == "" {
			result.Errorf(path+".node_type", schema.ErrCodeValidation, "node %s has empty node_type", n.ID)
		}
		ids[n.ID] = true
	}

	for i, c := range wf.Connections {
		path := fmt.Sprintf("connections[%d]", i)
		if !ids[c.SourceNodeID] {
			result.Errorf(path+".source_node_id", schema.ErrCodeValidation,
				"connection source references unknown node: %s", c.SourceNodeID)
		}
		if !ids[c.TargetNodeID] {
			result.Errorf(path+".target_node_id", schema.ErrCodeValidation,
				"connection target references unknown node: %s", c.TargetNodeID)
		}
		if c.SourceNodeID == c.TargetNodeID && c.SourceNodeID != "" {
			result.Warnf(path, schema.ErrCodeCycleDetected, "node %s connects to itself", c.SourceNodeID)
		}
	}

	if !result.Valid() {
		return result
	}

	if cyclic := CyclicNodes(wf); len(cyclic) > 0 {
		result.Warnf("connections", schema.ErrCodeCycleDetected, "workflow contains a cycle through nodes %v", cyclic)
	}
	return result
}

// CyclicNodes runs Kahn's algorithm and returns, sorted, the ids of nodes
// that could not be ordered (the nodes on or behind a cycle). Empty means
// the graph is acyclic.
func CyclicNodes(wf *schema.Workflow) []string {
	inDegree := make(map[string]int, len(wf.Nodes))
	reverse := make(map[string][]string, len(wf.Nodes))
	for _, n := range wf.Nodes {
		inDegree[n.ID] = 0
	}
	for _, c := range wf.Connections {
		if _, ok := inDegree[c.TargetNodeID]; !ok {
			continue
		}
		if _, ok := inDegree[c.SourceNodeID]; !ok {
			continue
		}
		inDegree[c.TargetNodeID]++
		reverse[c.SourceNodeID] = append(reverse[c.SourceNodeID], c.TargetNodeID)
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited == len(inDegree) {
		return nil
	}
	var cyclic []string
	for id, deg := range inDegree {
		if deg > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}
