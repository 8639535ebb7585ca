package diagram

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// MermaidASCIIBinary is the file name of the mermaid-ascii renderer looked up
// in the binary directory.
const MermaidASCIIBinary = "mermaid-ascii"

// RenderASCIIAuto renders through the mermaid-ascii binary in binDir when it
// is installed and works, and falls back to RenderASCII otherwise.
func RenderASCIIAuto(model *DiagramModel, binDir string) string {
	if bin, ok := lookupMermaidASCII(binDir); ok {
		if out, err := RenderASCIIViaCLI(model, bin); err == nil {
			return out
		}
	}
	return RenderASCII(model)
}

func lookupMermaidASCII(binDir string) (string, bool) {
	if binDir == "" {
		return "", false
	}
	p := filepath.Join(binDir, MermaidASCIIBinary)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", false
	}
	return p, true
}

// RenderASCIIViaCLI pipes the flattened flowchart of model through binPath.
func RenderASCIIViaCLI(model *DiagramModel, binPath string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(binPath)
	cmd.Stdin = strings.NewReader(RenderMermaidForCLI(model))
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("diagram: run %s: %w: %s", MermaidASCIIBinary, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RenderMermaidForCLI emits the flowchart dialect mermaid-ascii understands:
// edges only, without labelled declarations, classes or subgraphs. Nodes are
// referenced by ids that carry their status tag and duration, and every lane
// links to its first step with an edge labelled by the step group.
func RenderMermaidForCLI(model *DiagramModel) string {
	ids := make(map[string]string)
	model.eachNode(func(n, _ *Node) { ids[n.ID] = cliNodeID(n) })
	ref := func(id string) string {
		if d, ok := ids[id]; ok {
			return d
		}
		return mermaidSafeID(id)
	}

	w := &mermaidWriter{}
	w.line(0, "graph TD")
	link := func(from, label, to string) {
		w.line(1, ref(from)+" "+arrow(label)+" "+ref(to))
	}
	for _, e := range model.Edges {
		link(e.From, e.Label, e.To)
	}
	for _, lane := range model.Nodes {
		for _, sg := range lane.Children {
			if len(sg.Nodes) > 0 {
				link(lane.ID, sg.Label, sg.Nodes[0].ID)
			}
			for _, e := range sg.Edges {
				link(e.From, e.Label, e.To)
			}
		}
	}
	return w.String()
}

// cliNodeID is the node name, without a trailing " (StepType)", joined by
// dashes with its status tag and duration.
func cliNodeID(n *Node) string {
	name := n.Label
	if name == "" {
		name = n.ID
	}
	name = firstLine(name)
	if i := strings.Index(name, " ("); i > 0 {
		name = name[:i]
	}

	parts := []string{strings.ReplaceAll(name, " ", "-")}
	if p, ok := paintOf(n); ok {
		parts = append(parts, p.tag)
	}
	if n.Status != nil && n.Status.DurationMs > 0 {
		parts = append(parts, durationText(n.Status.DurationMs))
	}
	return strings.Join(parts, "-")
}
