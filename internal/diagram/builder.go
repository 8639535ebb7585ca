package diagram

import (
	"fmt"

	"github.com/rendis/execgraph/internal/graph"
	"github.com/rendis/execgraph/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from an orchestration graph. Stage-like
// vertices become top-level lanes chained in execution order; every other
// vertex is nested in the sub-graph of its closest stage-like ancestor.
func Build(g *graph.OrchestrationGraph) (*DiagramModel, error) {
	if g == nil || g.AdjacencyList == nil {
		return nil, fmt.Errorf("diagram: nil graph")
	}
	adj := g.AdjacencyList
	if adj.Len() == 0 {
		return nil, fmt.Errorf("diagram: graph of %s has no nodes", g.PlanExecutionID)
	}

	b := &builder{
		adj:    adj,
		lanes:  map[string]*Node{},
		bodies: map[string]*SubGraph{},
		laneOf: map[string]string{},
	}
	for _, root := range g.RootNodeIDs {
		b.walk(root, "")
	}

	nodes := make([]*Node, 0, len(b.order)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range b.order {
		n := b.lanes[id]
		if sg := b.bodies[id]; sg != nil {
			n.Children = append(n.Children, sg)
		}
		nodes = append(nodes, n)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	edges := b.laneEdges(g.RootNodeIDs)
	return &DiagramModel{
		Title:  title(g),
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(nodes, edges),
	}, nil
}

type builder struct {
	adj    *graph.AdjacencyList
	order  []string
	lanes  map[string]*Node
	bodies map[string]*SubGraph
	laneOf map[string]string
}

func isLane(v *graph.GraphVertex) bool {
	switch v.StepCategory {
	case schema.StepCategoryPipeline, schema.StepCategoryStages, schema.StepCategoryStage:
		return true
	}
	return false
}

// walk visits id in pre-order. lane is the closest stage-like ancestor.
func (b *builder) walk(id, lane string) {
	v := b.adj.Graph[id]
	if v == nil {
		return
	}
	n := vertexToNode(v)
	if isLane(v) || lane == "" {
		b.lanes[id] = n
		b.order = append(b.order, id)
		b.laneOf[id] = lane
		lane = id
	} else {
		sg := b.bodies[lane]
		if sg == nil {
			sg = &SubGraph{Label: "steps"}
			b.bodies[lane] = sg
		}
		sg.Nodes = append(sg.Nodes, n)
		b.laneOf[id] = lane
		if e := b.adj.Adjacency[id]; e != nil {
			switch {
			case e.PreviousID != "" && b.laneOf[e.PreviousID] == lane && b.lanes[e.PreviousID] == nil:
				sg.Edges = append(sg.Edges, Edge{From: e.PreviousID, To: id})
			case e.PreviousID == "" && e.ParentID != "" && b.lanes[e.ParentID] == nil:
				sg.Edges = append(sg.Edges, Edge{From: e.ParentID, To: id})
			}
		}
	}
	if e := b.adj.Adjacency[id]; e != nil {
		for _, c := range e.Children {
			b.walk(c, lane)
		}
	}
}

// laneEdges links lanes: a chained lane follows its previous sibling, a head
// lane follows its closest lane ancestor. Lanes without successors lead to End.
func (b *builder) laneEdges(roots []string) []Edge {
	var edges []Edge
	hasNext := map[string]bool{}
	link := func(from, to string) {
		edges = append(edges, Edge{From: from, To: to})
		hasNext[from] = true
	}
	for _, id := range b.order {
		e := b.adj.Adjacency[id]
		switch {
		case e != nil && e.PreviousID != "" && b.lanes[e.PreviousID] != nil:
			link(e.PreviousID, id)
		case b.laneOf[id] != "":
			link(b.laneOf[id], id)
		default:
			link(startID, id)
		}
	}
	for _, id := range b.order {
		if !hasNext[id] {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	if len(roots) == 0 {
		edges = append(edges, Edge{From: startID, To: endID})
	}
	return edges
}

func vertexToNode(v *graph.GraphVertex) *Node {
	return &Node{
		ID:     v.UUID,
		Label:  nodeLabel(v),
		Kind:   categoryToKind(v.StepCategory),
		Status: overlay(v),
	}
}

func categoryToKind(c schema.StepCategory) NodeKind {
	switch c {
	case schema.StepCategoryPipeline:
		return NodeKindPipeline
	case schema.StepCategoryStages:
		return NodeKindStages
	case schema.StepCategoryStage:
		return NodeKindStage
	case schema.StepCategoryStepGroup:
		return NodeKindStepGroup
	case schema.StepCategoryFork:
		return NodeKindFork
	case schema.StepCategoryStrategy:
		return NodeKindStrategy
	default:
		return NodeKindStep
	}
}

// nodeLabel is the display name followed by the step type on a second line.
func nodeLabel(v *graph.GraphVertex) string {
	name := v.Name
	if name == "" {
		name = v.Identifier
	}
	if name == "" {
		name = v.UUID
	}
	if v.StepType != "" {
		return fmt.Sprintf("%s\n(%s)", name, v.StepType)
	}
	return name
}

func overlay(v *graph.GraphVertex) *StatusOverlay {
	if v.Status == "" {
		return nil
	}
	o := &StatusOverlay{
		Status:     statusClass(v.Status),
		Raw:        string(v.Status),
		RetryCount: len(v.RetryIDs),
	}
	if v.StartTs > 0 && v.EndTs >= v.StartTs {
		o.DurationMs = v.EndTs - v.StartTs
	}
	if v.FailureInfo != nil {
		o.Error = v.FailureInfo.Message
	}
	return o
}

// statusClass buckets engine statuses into the render classes shared by all
// renderers.
func statusClass(s schema.Status) string {
	switch s {
	case schema.StatusSucceeded, schema.StatusIgnoreFailed, schema.StatusNoOp:
		return "completed"
	case schema.StatusFailed, schema.StatusErrored, schema.StatusExpired, schema.StatusApprovalRejected:
		return "failed"
	case schema.StatusRunning, schema.StatusPausing, schema.StatusDiscontinuing:
		return "running"
	case schema.StatusAsyncWaiting, schema.StatusTaskWaiting, schema.StatusTimedWaiting,
		schema.StatusInterventionWaiting, schema.StatusApprovalWaiting, schema.StatusResourceWaiting,
		schema.StatusPaused, schema.StatusSuspended:
		return "suspended"
	case schema.StatusSkipped, schema.StatusAborted:
		return "skipped"
	default:
		return "pending"
	}
}

// buildLevels layers nodes by longest path from Start, keeping model order
// within a level.
func buildLevels(nodes []*Node, edges []Edge) [][]string {
	preds := make(map[string][]string, len(nodes))
	for _, e := range edges {
		preds[e.To] = append(preds[e.To], e.From)
	}
	depth := make(map[string]int, len(nodes))
	var visit func(id string, guard map[string]bool) int
	visit = func(id string, guard map[string]bool) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if guard[id] {
			return 0
		}
		guard[id] = true
		d := 0
		for _, p := range preds[id] {
			d = max(d, visit(p, guard)+1)
		}
		depth[id] = d
		return d
	}

	var levels [][]string
	for _, n := range nodes {
		d := visit(n.ID, map[string]bool{})
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], n.ID)
	}
	return levels
}

func title(g *graph.OrchestrationGraph) string {
	if len(g.RootNodeIDs) > 0 {
		if v := g.AdjacencyList.Graph[g.RootNodeIDs[0]]; v != nil && v.Name != "" {
			return fmt.Sprintf("%s (%s)", v.Name, g.PlanExecutionID)
		}
	}
	return g.PlanExecutionID
}
