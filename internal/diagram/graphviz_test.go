package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertPNG(t *testing.T, png []byte) {
	t.Helper()
	require.True(t, len(png) > 8, "PNG should be larger than header")
	assert.Equal(t, byte(0x89), png[0])
	assert.Equal(t, byte('P'), png[1])
	assert.Equal(t, byte('N'), png[2])
	assert.Equal(t, byte('G'), png[3])
}

func TestRenderImagePipeline(t *testing.T) {
	model, err := Build(pipelineGraph())
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assertPNG(t, png)
}

func TestRenderImageAllKinds(t *testing.T) {
	model := &DiagramModel{
		Title: "kinds",
		Nodes: []*Node{
			{ID: "__start__", Label: "Start", Kind: NodeKindStart},
			{ID: "f", Label: "fork", Kind: NodeKindFork, Status: &StatusOverlay{Status: "running"}},
			{ID: "s", Label: "matrix", Kind: NodeKindStrategy, Status: &StatusOverlay{Status: "skipped"}},
			{ID: "g", Label: "group", Kind: NodeKindStepGroup, Status: &StatusOverlay{Status: "pending"}},
			{ID: "__end__", Label: "End", Kind: NodeKindEnd},
		},
		Edges: []Edge{
			{From: "__start__", To: "f"},
			{From: "f", To: "s", Label: "matrix"},
			{From: "f", To: "g"},
			{From: "s", To: "__end__"},
			{From: "g", To: "__end__"},
		},
	}

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assertPNG(t, png)
}

func TestRender_Formats(t *testing.T) {
	model, err := Build(pipelineGraph())
	require.NoError(t, err)
	ctx := context.Background()

	out, contentType, err := Render(ctx, model, FormatMermaid, "")
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", contentType)
	assert.Contains(t, string(out), "graph TD")

	out, _, err = Render(ctx, model, FormatASCII, "")
	require.NoError(t, err)
	assert.Contains(t, string(out), "Deploy Service")

	out, contentType, err = Render(ctx, model, FormatPNG, "")
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assertPNG(t, out)

	_, _, err = Render(ctx, model, "svg", "")
	assert.Error(t, err)
}
