package diagram

import (
	"fmt"
	"strings"
)

// paint is how one render class is drawn by every renderer.
type paint struct {
	tag    string // short text form used by the ASCII renderers
	fill   string
	stroke string
	font   string
	dashed bool
}

// renderClasses lists the classes produced by statusClass in output order.
var renderClasses = []string{"completed", "failed", "running", "suspended", "pending", "skipped"}

var palette = map[string]paint{
	"completed": {tag: "OK", fill: "#2d6a2d", stroke: "#1a4a1a", font: "#ffffff"},
	"failed":    {tag: "FAIL", fill: "#8b1a1a", stroke: "#5c0e0e", font: "#ffffff"},
	"running":   {tag: "RUN", fill: "#1a5276", stroke: "#0e3a52", font: "#ffffff"},
	"suspended": {tag: "WAIT", fill: "#b7791a", stroke: "#8a5c14", font: "#ffffff"},
	"pending":   {tag: "PEND", fill: "#d3d3d3", stroke: "#9a9a9a", font: "#000000"},
	"skipped":   {tag: "SKIP", fill: "#e8e8e8", stroke: "#888888", font: "#888888", dashed: true},
}

// paintOf returns the paint for the status of n. Nodes without a status or
// with an unknown class have none.
func paintOf(n *Node) (paint, bool) {
	if n.Status == nil {
		return paint{}, false
	}
	p, ok := palette[n.Status.Status]
	return p, ok
}

// arrow is the Mermaid link between two nodes, labelled when label is set.
func arrow(label string) string {
	if label == "" {
		return "-->"
	}
	return "-->|" + label + "|"
}

func durationText(ms int64) string {
	return fmt.Sprintf("%dms", ms)
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
