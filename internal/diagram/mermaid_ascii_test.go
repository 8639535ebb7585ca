package diagram

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chain builds a start -> ids... -> end model with the given overlays.
func chain(status map[string]*StatusOverlay, ids ...string) *DiagramModel {
	m := &DiagramModel{Title: "chain"}
	all := append(append([]string{"__start__"}, ids...), "__end__")
	for i, id := range all {
		n := &Node{ID: id, Label: id, Kind: NodeKindStep, Status: status[id]}
		switch id {
		case "__start__":
			n.Label, n.Kind = "Start", NodeKindStart
		case "__end__":
			n.Label, n.Kind = "End", NodeKindEnd
		}
		m.Nodes = append(m.Nodes, n)
		m.Levels = append(m.Levels, []string{id})
		if i > 0 {
			m.Edges = append(m.Edges, Edge{From: all[i-1], To: id})
		}
	}
	return m
}

func TestRenderMermaidForCLI(t *testing.T) {
	tests := []struct {
		name    string
		model   *DiagramModel
		want    []string
		notWant []string
	}{
		{
			name:    "plain chain has no declarations",
			model:   chain(nil, "fetch", "process"),
			want:    []string{"graph TD", "Start --> fetch", "fetch --> process", "process --> End"},
			notWant: []string{`["`, "classDef", "subgraph"},
		},
		{
			name: "status and duration in ids",
			model: chain(map[string]*StatusOverlay{
				"fetch-data": {Status: "completed", DurationMs: 450},
				"validate":   {Status: "completed", DurationMs: 12},
				"decide":     {Status: "suspended"},
			}, "fetch-data", "validate", "decide"),
			want: []string{"fetch-data-OK-450ms --> validate-OK-12ms", "validate-OK-12ms --> decide-WAIT"},
		},
		{
			name: "edge labels",
			model: &DiagramModel{
				Nodes: []*Node{{ID: "decide", Label: "decide"}, {ID: "fast", Label: "fast"}, {ID: "slow", Label: "slow"}},
				Edges: []Edge{{From: "decide", To: "fast", Label: "quick"}, {From: "decide", To: "slow", Label: "thorough"}},
			},
			want: []string{"decide -->|quick| fast", "decide -->|thorough| slow"},
		},
		{
			name: "unknown ids are made safe",
			model: &DiagramModel{
				Edges: []Edge{{From: "a.b", To: "c-d"}},
			},
			want: []string{"a_b --> c_d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := RenderMermaidForCLI(tt.model)
			for _, s := range tt.want {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.notWant {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestRenderMermaidForCLI_FlattensLanes(t *testing.T) {
	model, err := Build(pipelineGraph())
	require.NoError(t, err)

	out := RenderMermaidForCLI(model)
	assert.Contains(t, out, "build-OK-450ms --> deploy-FAIL")
	assert.Contains(t, out, "build-OK-450ms -->|steps| compile-OK")
	assert.Contains(t, out, "compile-OK --> test-OK")
	assert.Contains(t, out, "group-FAIL --> rollout-FAIL")
	assert.NotContains(t, out, "subgraph")
}

func TestRenderMermaidForCLI_BranchGroups(t *testing.T) {
	model := &DiagramModel{
		Nodes: []*Node{
			{ID: "check", Label: "check", Kind: NodeKindFork, Children: []*SubGraph{
				{Label: "yes", Nodes: []*Node{{ID: "check.yes.pay", Label: "pay", Status: &StatusOverlay{Status: "completed", DurationMs: 100}}}},
				{Label: "no", Nodes: []*Node{{ID: "check.no.reject", Label: "reject", Status: &StatusOverlay{Status: "skipped"}}}},
			}},
		},
	}

	out := RenderMermaidForCLI(model)
	assert.Contains(t, out, "check -->|yes| pay-OK-100ms")
	assert.Contains(t, out, "check -->|no| reject-SKIP")
}

func TestCLINodeID(t *testing.T) {
	tests := []struct {
		name string
		node *Node
		want string
	}{
		{"no status", &Node{ID: "fetch", Label: "fetch"}, "fetch"},
		{"label wins over id", &Node{ID: "__start__", Label: "Start"}, "Start"},
		{"id when label empty", &Node{ID: "fetch"}, "fetch"},
		{"completed with duration", &Node{Label: "fetch", Status: &StatusOverlay{Status: "completed", DurationMs: 450}}, "fetch-OK-450ms"},
		{"suspended", &Node{Label: "decide", Status: &StatusOverlay{Status: "suspended"}}, "decide-WAIT"},
		{"pending", &Node{Label: "process", Status: &StatusOverlay{Status: "pending"}}, "process-PEND"},
		{"unknown class", &Node{Label: "odd", Status: &StatusOverlay{Status: "weird"}}, "odd"},
		{"step type suffix", &Node{Label: "pay (ShellScript)", Status: &StatusOverlay{Status: "completed", DurationMs: 200}}, "pay-OK-200ms"},
		{"multi-line label with spaces", &Node{Label: "run tests\nShellScript"}, "run-tests"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cliNodeID(tt.node))
		})
	}
}

func TestRenderASCIIAuto_FallsBack(t *testing.T) {
	model := chain(nil, "fetch")

	for _, dir := range []string{"", "/nonexistent/path", t.TempDir()} {
		out := RenderASCIIAuto(model, dir)
		assert.Contains(t, out, "=== chain ===", "binDir %q", dir)
		assert.Contains(t, out, "fetch")
	}
}

func TestRenderASCIIAuto_BrokenBinaryFallsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MermaidASCIIBinary), []byte("#!/bin/sh\nexit 3\n"), 0o755))

	out := RenderASCIIAuto(chain(nil, "fetch"), dir)
	assert.Contains(t, out, "=== chain ===")
}

func TestRenderASCIIViaCLI(t *testing.T) {
	bin := installedMermaidASCII()
	if bin == "" {
		t.Skip("mermaid-ascii not installed")
	}

	out, err := RenderASCIIViaCLI(chain(nil, "fetch"), bin)
	require.NoError(t, err)
	assert.Contains(t, out, "Start")
	assert.Contains(t, out, "fetch")
	assert.Contains(t, out, "┌")
}

func installedMermaidASCII() string {
	if home, err := os.UserHomeDir(); err == nil {
		if p, ok := lookupMermaidASCII(filepath.Join(home, ".execgraph", "bin")); ok {
			return p
		}
	}
	return ""
}
