package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage lays model out with dot and returns it as a PNG. Each lane's
// steps are drawn inside a dashed cluster.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	root, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer root.Close()

	root.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		root.SetLabel(model.Title)
	}

	d := &dotGraph{root: root, nodes: make(map[string]*cgraph.Node)}
	for _, n := range model.Nodes {
		if err := d.addNode(root, n); err != nil {
			return nil, err
		}
	}
	for _, n := range model.Nodes {
		for _, sg := range n.Children {
			if err := d.addCluster(n, sg, len(n.Children) > 1); err != nil {
				return nil, err
			}
		}
	}
	if err := d.connect(model.Edges); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, root, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// dotGraph tracks the cgraph nodes created for model ids so edges can be
// resolved across clusters.
type dotGraph struct {
	root  *cgraph.Graph
	nodes map[string]*cgraph.Node
}

func (d *dotGraph) addNode(g *cgraph.Graph, n *Node) error {
	gn, err := g.CreateNodeByName(n.ID)
	if err != nil {
		return fmt.Errorf("diagram: create node %s: %w", n.ID, err)
	}
	gn.SetLabel(dotLabel(n))
	gn.SetShape(dotShape(n.Kind))
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	}
	if p, ok := paintOf(n); ok {
		if p.dashed {
			gn.SetStyle(cgraph.DashedNodeStyle)
		} else {
			gn.SetStyle(cgraph.FilledNodeStyle)
		}
		gn.SetFillColor(p.fill)
		gn.SetFontColor(p.font)
	}
	d.nodes[n.ID] = gn
	return nil
}

// addCluster draws the steps of lane inside a subgraph. Lanes with more than
// one child group get one cluster per group.
func (d *dotGraph) addCluster(lane *Node, sg *SubGraph, perGroup bool) error {
	name := "cluster_" + lane.ID
	if perGroup {
		name += "_" + sg.Label
	}
	sub, err := d.root.CreateSubGraphByName(name)
	if err != nil {
		return fmt.Errorf("diagram: create cluster %s: %w", name, err)
	}
	sub.SetLabel(firstLine(lane.Label) + ": " + sg.Label)
	sub.SetStyle(cgraph.DashedGraphStyle)

	for _, step := range sg.Nodes {
		if err := d.addNode(sub, step); err != nil {
			return err
		}
	}
	return d.connect(sg.Edges)
}

// connect links already created nodes. Edges to unknown ids are skipped.
func (d *dotGraph) connect(edges []Edge) error {
	for _, e := range edges {
		from, to := d.nodes[e.From], d.nodes[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := d.root.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: create edge %s -> %s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
	}
	return nil
}

// dotLabel is the node name with the engine status and duration on a second
// line.
func dotLabel(n *Node) string {
	label := firstLine(n.Label)
	if n.Status == nil || n.Status.Raw == "" {
		return label
	}
	detail := n.Status.Raw
	if n.Status.DurationMs > 0 {
		detail += " " + durationText(n.Status.DurationMs)
	}
	return label + "\\n" + detail
}

func dotShape(kind NodeKind) cgraph.Shape {
	switch kind {
	case NodeKindFork:
		return cgraph.HexagonShape
	case NodeKindStrategy:
		return cgraph.DiamondShape
	case NodeKindStepGroup:
		return cgraph.EllipseShape
	case NodeKindStart, NodeKindEnd:
		return cgraph.CircleShape
	default:
		return cgraph.BoxShape
	}
}
