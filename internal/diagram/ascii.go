package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusFailed:
		return "[FAIL]"
	case StatusRunning:
		return "[RUN]"
	case StatusSkipped:
		return "[SKIP]"
	case StatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII draws the pipeline top to bottom. Every box has the same
// width; a node's overlay and self-loop are printed to the right of its box,
// and the terminal states share the last row.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	loops := make(map[string]string)
	for _, e := range model.Edges {
		if e.From == e.To {
			loops[e.From] = "↺ " + e.Label
		}
	}
	width := boxWidth(model.Nodes)

	first := true
	for _, level := range model.Levels {
		var row []*Node
		for _, id := range level {
			if n := byID[id]; n != nil {
				row = append(row, n)
			}
		}
		if len(row) == 0 {
			continue
		}
		if !first {
			writeConnector(&b, width)
		}
		first = false

		if len(row) == 1 {
			writeBox(&b, row[0], width, loops[row[0].ID])
		} else {
			writeRow(&b, row, width)
		}
	}

	for _, n := range model.Nodes {
		if n.Status != nil && n.Status.Error != "" && n.Kind != NodeKindEnd {
			fmt.Fprintf(&b, "\n  %s: %s\n", n.ID, n.Status.Error)
		}
	}
	return b.String()
}

// boxWidth is the inner width fitting the widest label line.
func boxWidth(nodes []*Node) int {
	w := 0
	for _, n := range nodes {
		for _, line := range strings.Split(n.Label, "\n") {
			w = max(w, utf8.RuneCountInString(line))
		}
	}
	return w
}

// overlaySummary condenses a node's run overlay into one line.
func overlaySummary(n *Node) string {
	if n.Status == nil {
		return ""
	}
	parts := []string{}
	if tag := statusTag(n.Status.Status); tag != "" {
		parts = append(parts, tag)
	}
	if n.Status.DurationMs > 0 {
		parts = append(parts, fmt.Sprintf("%dms", n.Status.DurationMs))
	}
	switch {
	case n.Kind == NodeKindWait && n.Status.Attempts > 0:
		parts = append(parts, fmt.Sprintf("%d polls", n.Status.Attempts))
	case n.Status.RetryCount > 0:
		parts = append(parts, fmt.Sprintf("%d retries", n.Status.RetryCount))
	}
	return strings.Join(parts, " ")
}

func boxLines(n *Node, width int, extra ...string) []string {
	content := strings.Split(n.Label, "\n")
	for _, e := range extra {
		if e != "" {
			content = append(content, e)
		}
	}
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width+2)+"┐")
	for _, c := range content {
		pad := max(0, width-utf8.RuneCountInString(c))
		lines = append(lines, "│ "+c+strings.Repeat(" ", pad)+" │")
	}
	return append(lines, "└"+strings.Repeat("─", width+2)+"┘")
}

func writeBox(b *strings.Builder, n *Node, width int, loop string) {
	side := []string{overlaySummary(n), loop}
	for i, line := range boxLines(n, width) {
		b.WriteString(line)
		// Side notes start on the first content line.
		if j := i - 1; j >= 0 && j < len(side) && side[j] != "" {
			b.WriteString("  " + side[j])
		}
		b.WriteByte('\n')
	}
}

// writeRow places boxes side by side, overlays inside the boxes.
func writeRow(b *strings.Builder, row []*Node, width int) {
	boxes := make([][]string, len(row))
	height := 0
	for i, n := range row {
		boxes[i] = boxLines(n, width, overlaySummary(n))
		height = max(height, len(boxes[i]))
	}
	blank := strings.Repeat(" ", width+4)
	for r := 0; r < height; r++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("   ")
			}
			if r < len(box) {
				b.WriteString(box[r])
			} else {
				b.WriteString(blank)
			}
		}
		b.WriteByte('\n')
	}
}

func writeConnector(b *strings.Builder, width int) {
	pad := strings.Repeat(" ", (width+4)/2)
	b.WriteString(pad + "│\n")
	b.WriteString(pad + "▼\n")
}
