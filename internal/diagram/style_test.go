package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaletteCoversRenderClasses(t *testing.T) {
	assert.Len(t, palette, len(renderClasses))
	for _, class := range renderClasses {
		p, ok := palette[class]
		assert.True(t, ok, class)
		assert.NotEmpty(t, p.tag, class)
		assert.NotEmpty(t, p.fill, class)
	}
}

func TestEachNodeVisitsLanesThenSteps(t *testing.T) {
	m := &DiagramModel{Nodes: []*Node{
		{ID: "a", Children: []*SubGraph{{Nodes: []*Node{{ID: "a1"}, {ID: "a2"}}}}},
		{ID: "b"},
	}}

	var visited, lanes []string
	m.eachNode(func(n, lane *Node) {
		visited = append(visited, n.ID)
		if lane != nil {
			lanes = append(lanes, lane.ID)
		}
	})
	assert.Equal(t, []string{"a", "a1", "a2", "b"}, visited)
	assert.Equal(t, []string{"a", "a"}, lanes)
	assert.Nil(t, m.lookup("a1"))
	assert.Equal(t, "b", m.lookup("b").ID)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "héll...", truncate("héllo wörld", 7))
}

func TestDotLabel(t *testing.T) {
	assert.Equal(t, "build", dotLabel(&Node{Label: "build\nShellScript"}))
	assert.Equal(t, `build\nSUCCEEDED 450ms`, dotLabel(&Node{Label: "build", Status: &StatusOverlay{Raw: "SUCCEEDED", DurationMs: 450}}))
	assert.Equal(t, `deploy\nRUNNING`, dotLabel(&Node{Label: "deploy", Status: &StatusOverlay{Raw: "RUNNING"}}))
}
