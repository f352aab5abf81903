// Package diagram renders the pipeline graph, optionally overlaid with the
// progress of one run, as ASCII, Mermaid or PNG.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStart NodeKind = "start"
	NodeKindJob   NodeKind = "job"
	NodeKindWait  NodeKind = "wait"
	NodeKindEnd   NodeKind = "end"
)

// Overlay statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRunning   = "running"
	StatusPending   = "pending"
	StatusSkipped   = "skipped"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one state of the pipeline graph.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	RetryCount int
	Attempts   int
	Error      string
}

// Edge is a transition between two states.
type Edge struct {
	From  string
	To    string
	Label string
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

type nodeColors struct {
	fill, stroke, font string
}

// palette colors overlay statuses consistently across renderers.
var palette = map[string]nodeColors{
	StatusCompleted: {"#2d6a2d", "#1a4a1a", "#ffffff"},
	StatusFailed:    {"#8b1a1a", "#5c0e0e", "#ffffff"},
	StatusRunning:   {"#1a5276", "#0e3a52", "#ffffff"},
	StatusPending:   {"#d3d3d3", "#9a9a9a", "#000000"},
	StatusSkipped:   {"#e8e8e8", "#bbbbbb", "#888888"},
}

// statusOrder fixes the order in which statuses are declared.
var statusOrder = []string{StatusCompleted, StatusFailed, StatusRunning, StatusPending, StatusSkipped}
