// gen-diagrams renders an orchestration graph in every diagram format.
// The graph is read from -in (a file, or "-" for stdin, e.g. piped from
// GET /api/executions/{id}/graph); without -in a sample deployment is used.
//
// Run: go run ./cmd/gen-diagrams [-in graph.json] [-out docs/assets]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rendis/execgraph/internal/diagram"
	"github.com/rendis/execgraph/internal/graph"
	"github.com/rendis/execgraph/pkg/schema"
)

func main() {
	in := flag.String("in", "", `graph JSON file, "-" for stdin (default: built-in sample)`)
	outDir := flag.String("out", filepath.Join("docs", "assets"), "output directory")
	flag.Parse()

	g, err := loadGraph(*in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load error: %v\n", err)
		os.Exit(1)
	}

	model, err := diagram.Build(g)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "output dir: %v\n", err)
		os.Exit(1)
	}

	// ASCII (mermaid-ascii with hand-rolled fallback)
	home, _ := os.UserHomeDir()
	binDir := filepath.Join(home, ".execgraph", "bin")
	ascii := diagram.RenderASCIIAuto(model, binDir)
	write(filepath.Join(*outDir, "diagram-ascii.txt"), []byte(ascii))
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	// Mermaid
	mermaid := diagram.RenderMermaid(model)
	write(filepath.Join(*outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"))
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	// Image (PNG)
	png, imgErr := diagram.RenderImage(context.Background(), model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
		return
	}
	pngPath := filepath.Join(*outDir, "diagram-sample.png")
	write(pngPath, png)
	fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
}

func write(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
	}
}

func loadGraph(in string) (*graph.OrchestrationGraph, error) {
	var r io.Reader
	switch in {
	case "":
		return sampleGraph()
	case "-":
		r = os.Stdin
	default:
		f, err := os.Open(in)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var g graph.OrchestrationGraph
	if err := json.NewDecoder(r).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return &g, nil
}

// sampleGraph builds a deployment pipeline: build succeeded, deploy failed
// after a retried rollout, verify never started.
func sampleGraph() (*graph.OrchestrationGraph, error) {
	n := func(id, parent, prev string, cat schema.StepCategory, status schema.Status, start, end int64) *schema.NodeExecution {
		return &schema.NodeExecution{
			ID: id, PlanExecutionID: "sample", ParentID: parent, PreviousID: prev,
			Identifier: id, Name: id, StepCategory: cat, Status: status, StartTs: start, EndTs: end,
		}
	}
	nodes := []*schema.NodeExecution{
		n("deploy-service", "", "", schema.StepCategoryPipeline, schema.StatusFailed, 1000, 9000),
		n("stages", "deploy-service", "", schema.StepCategoryStages, schema.StatusFailed, 1000, 9000),
		n("build", "stages", "", schema.StepCategoryStage, schema.StatusSucceeded, 1000, 4000),
		n("compile", "build", "", schema.StepCategoryStep, schema.StatusSucceeded, 1000, 2450),
		n("test", "build", "compile", schema.StepCategoryStep, schema.StatusSucceeded, 2450, 4000),
		n("deploy", "stages", "build", schema.StepCategoryStage, schema.StatusFailed, 4000, 9000),
		n("rollout", "deploy", "", schema.StepCategoryStep, schema.StatusFailed, 4000, 9000),
		n("verify", "stages", "deploy", schema.StepCategoryStage, schema.StatusQueued, 0, 0),
	}
	root, err := graph.FindRoot(nodes)
	if err != nil {
		return nil, err
	}
	adj, roots, err := graph.Generate(root, nodes)
	if err != nil {
		return nil, err
	}
	return &graph.OrchestrationGraph{
		PlanExecutionID: "sample",
		RootNodeIDs:     roots,
		Status:          schema.StatusFailed,
		AdjacencyList:   adj,
	}, nil
}
