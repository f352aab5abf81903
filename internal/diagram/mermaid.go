package diagram

import (
	"fmt"
	"strings"
)

var mermaidShapes = map[NodeKind][2]string{
	NodeKindStart: {"((", "))"},
	NodeKindEnd:   {"((", "))"},
	NodeKindWait:  {"([", "])"},
	NodeKindJob:   {"[", "]"},
}

var mermaidIDs = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders the model as a Mermaid flowchart. The main path is
// listed before the failure edges, which are drawn dashed.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, n := range model.Nodes {
		shape, ok := mermaidShapes[n.Kind]
		if !ok {
			shape = mermaidShapes[NodeKindJob]
		}
		label := strings.ReplaceAll(n.Label, "\n", "<br/>")
		fmt.Fprintf(&b, "    %s%s%q%s\n", mermaidIDs.Replace(n.ID), shape[0], label, shape[1])
	}

	var failures []Edge
	for _, e := range model.Edges {
		if e.Label == "error" {
			failures = append(failures, e)
			continue
		}
		writeMermaidEdge(&b, e, "-->")
	}
	if len(failures) > 0 {
		b.WriteString("    %% failure paths\n")
		for _, e := range failures {
			writeMermaidEdge(&b, e, "-.->")
		}
	}

	var overlay []*Node
	for _, n := range model.Nodes {
		if n.Status != nil {
			overlay = append(overlay, n)
		}
	}
	if len(overlay) == 0 {
		return b.String()
	}

	b.WriteByte('\n')
	for _, status := range statusOrder {
		c := palette[status]
		style := fmt.Sprintf("fill:%s,stroke:%s,color:%s", c.fill, c.stroke, c.font)
		if status == StatusSkipped {
			style += ",stroke-dasharray:5 5"
		}
		fmt.Fprintf(&b, "    classDef %s %s\n", status, style)
	}
	for _, n := range overlay {
		if _, ok := palette[n.Status.Status]; ok {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidIDs.Replace(n.ID), n.Status.Status)
		}
	}
	return b.String()
}

func writeMermaidEdge(b *strings.Builder, e Edge, arrow string) {
	label := ""
	if e.Label != "" {
		label = "|" + e.Label + "|"
	}
	fmt.Fprintf(b, "    %s %s%s %s\n", mermaidIDs.Replace(e.From), arrow, label, mermaidIDs.Replace(e.To))
}
