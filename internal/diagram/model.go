package diagram

// NodeKind classifies a diagram node by the step category of its vertex.
type NodeKind string

const (
	NodeKindPipeline  NodeKind = "pipeline"
	NodeKindStages    NodeKind = "stages"
	NodeKindStage     NodeKind = "stage"
	NodeKindStepGroup NodeKind = "step_group"
	NodeKindStep      NodeKind = "step"
	NodeKindFork      NodeKind = "fork"
	NodeKindStrategy  NodeKind = "strategy"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the renderer-neutral view of an orchestration graph.
// Levels holds top-level node ids layered by longest path from Start.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one top-level lane (pipeline, stage container or stage) or a
// nested step.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // steps running inside a stage
}

// SubGraph holds the nested steps of a stage.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay is the runtime state drawn on a node.
type StatusOverlay struct {
	Status     string // render class, see statusClass
	Raw        string // schema.Status
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge links two nodes in execution order. Label names the branch or
// step group when there is one.
type Edge struct {
	From  string
	To    string
	Label string
}

// eachNode calls fn for every lane and then its steps, in model order. lane
// is nil for top-level nodes.
func (m *DiagramModel) eachNode(fn func(n, lane *Node)) {
	for _, n := range m.Nodes {
		fn(n, nil)
		for _, sg := range n.Children {
			for _, step := range sg.Nodes {
				fn(step, n)
			}
		}
	}
}

// lookup returns the top-level node with the given id, or nil.
func (m *DiagramModel) lookup(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
