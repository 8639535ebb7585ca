package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	levelConnector = "       │\n       ▼\n"
	maxErrorWidth  = 32
)

// RenderASCII draws the lanes level by level as boxes, followed by a listing
// of the steps inside each lane.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		row := make([]box, 0, len(level))
		for _, id := range level {
			if n := model.lookup(id); n != nil {
				row = append(row, newBox(n))
			}
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 && len(row) > 0 {
			b.WriteString(levelConnector)
		}
	}

	for _, n := range model.Nodes {
		if len(n.Children) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s steps ---\n", firstLine(n.Label))
		for _, sg := range n.Children {
			writeSteps(&b, sg)
		}
	}
	return b.String()
}

// box is a node drawn as bordered lines of equal display width.
type box []string

func (bx box) width() int {
	if len(bx) == 0 {
		return 0
	}
	return utf8.RuneCountInString(bx[0])
}

func newBox(n *Node) box {
	text := []string{firstLine(n.Label)}
	if s := n.Status; s != nil {
		if p, ok := paintOf(n); ok {
			text = append(text, "["+p.tag+"]")
		}
		if s.DurationMs > 0 {
			text = append(text, durationText(s.DurationMs))
		}
		if s.RetryCount > 0 {
			text = append(text, fmt.Sprintf("retries: %d", s.RetryCount))
		}
		if s.Error != "" {
			text = append(text, "error: "+truncate(firstLine(s.Error), maxErrorWidth))
		}
	}

	inner := 0
	for _, t := range text {
		inner = max(inner, utf8.RuneCountInString(t))
	}
	rule := strings.Repeat("─", inner+2)
	bx := box{"┌" + rule + "┐"}
	for _, t := range text {
		bx = append(bx, "│ "+t+strings.Repeat(" ", inner-utf8.RuneCountInString(t))+" │")
	}
	return append(bx, "└"+rule+"┘")
}

// writeRow writes boxes side by side, padding shorter ones with blanks.
func writeRow(b *strings.Builder, row []box) {
	height := 0
	for _, bx := range row {
		height = max(height, len(bx))
	}
	for r := range height {
		for i, bx := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if r < len(bx) {
				b.WriteString(bx[r])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width()))
			}
		}
		b.WriteByte('\n')
	}
}

// writeSteps lists the steps of one group with their status tag, then the
// order links between them.
func writeSteps(b *strings.Builder, sg *SubGraph) {
	fmt.Fprintf(b, "  [%s]\n", sg.Label)
	names := make(map[string]string, len(sg.Nodes))
	for _, n := range sg.Nodes {
		names[n.ID] = firstLine(n.Label)
		b.WriteString("    " + names[n.ID])
		if p, ok := paintOf(n); ok {
			b.WriteString(" [" + p.tag + "]")
		}
		b.WriteByte('\n')
	}
	for _, e := range sg.Edges {
		if from, to := names[e.From], names[e.To]; from != "" && to != "" {
			fmt.Fprintf(b, "    %s ─→ %s\n", from, to)
		}
	}
}
