package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders the model as a PNG. Overlay summaries are appended to
// node labels and failure edges are dashed.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	nodes, err := addNodes(graph, model.Nodes)
	if err != nil {
		return nil, err
	}
	if err := addEdges(graph, nodes, model.Edges); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}

	return buf.Bytes(), nil
}

type gvNode struct {
	node *Node
	gv   *cgraph.Node
}

func addNodes(graph *cgraph.Graph, nodes []*Node) (map[string]gvNode, error) {
	byID := make(map[string]gvNode, len(nodes))
	for _, node := range nodes {
		n, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		label := node.Label
		if summary := overlaySummary(node); summary != "" {
			label += "\n" + summary
		}
		n.SetLabel(label)
		applyNodeStyle(n, node)
		byID[node.ID] = gvNode{node: node, gv: n}
	}
	return byID, nil
}

// addEdges draws transitions. Edges the run took are bold; untaken failure
// edges are dashed.
func addEdges(graph *cgraph.Graph, nodes map[string]gvNode, edges []Edge) error {
	for _, edge := range edges {
		from, okFrom := nodes[edge.From]
		to, okTo := nodes[edge.To]
		if !okFrom || !okTo {
			continue
		}
		e, err := graph.CreateEdgeByName("", from.gv, to.gv)
		if err != nil {
			return fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		switch {
		case taken(from.node, to.node):
			e.SetStyle(cgraph.BoldEdgeStyle)
		case edge.Label == "error":
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}
	return nil
}

func nodeStatus(n *Node) string {
	if n.Kind == NodeKindStart {
		return StatusCompleted
	}
	if n.Status == nil {
		return ""
	}
	return n.Status.Status
}

// taken reports whether the overlaid run moved along from -> to.
func taken(from, to *Node) bool {
	fs, ts := nodeStatus(from), nodeStatus(to)
	switch {
	case from == to:
		return to.Status != nil && to.Status.Attempts > 1
	case to.Kind == NodeKindEnd && ts == StatusFailed:
		return fs == StatusFailed
	case ts == StatusCompleted || ts == StatusRunning || ts == StatusFailed:
		return fs == StatusCompleted
	}
	return false
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindJob:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindWait:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindStart:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	case NodeKindEnd:
		gvNode.SetShape(cgraph.DoubleCircleShape)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

// applyStatusColor fills the node with the palette color for status.
func applyStatusColor(gvNode *cgraph.Node, status string) {
	c, ok := palette[status]
	if !ok {
		return
	}
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	if status == StatusSkipped {
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
	gvNode.SetFillColor(c.fill)
	gvNode.SetFontColor(c.font)
}
