package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
	}

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef degraded fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef unknown fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if cls := mermaidClass(node); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := `"` + mermaidEscapeLabel(nodeCaption(node, "<br/>")) + `"`

	switch node.Kind {
	case NodeKindTrigger:
		return fmt.Sprintf("%s([%s])", id, label)
	case NodeKindCondition:
		return fmt.Sprintf("%s{%s}", id, label)
	case NodeKindDeFi:
		return fmt.Sprintf("%s{{%s}}", id, label)
	case NodeKindData:
		return fmt.Sprintf("%s[(%s)]", id, label)
	default: // action, unknown
		return fmt.Sprintf("%s[%s]", id, label)
	}
}

// nodeCaption is the label's first line followed, when the node ran, by its
// run summary. sep joins the two lines.
func nodeCaption(node *Node, sep string) string {
	caption := firstLine(node.Label)
	if s := node.Status; s != nil {
		summary := fmt.Sprintf("%s %dms", s.Status, s.DurationMs)
		if s.Runs > 1 {
			summary += fmt.Sprintf(" x%d", s.Runs)
		}
		if s.Fee > 0 {
			summary += fmt.Sprintf(" fee %.4f", s.Fee)
		}
		caption += sep + summary
	}
	return caption
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// Replaces dots, dashes and spaces with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel escapes characters Mermaid treats specially in quoted labels.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}

// mermaidClass maps a node's kind and status to a Mermaid class name.
func mermaidClass(node *Node) string {
	if node.Status == nil {
		if node.Kind == NodeKindUnknown {
			return "unknown"
		}
		return ""
	}
	if node.Status.Degraded && node.Status.Status == "completed" {
		return "degraded"
	}
	switch node.Status.Status {
	case "completed", "failed", "running":
		return node.Status.Status
	default:
		return ""
	}
}
