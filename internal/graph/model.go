package graph

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/rendis/execgraph/pkg/schema"
)

// GraphVertex is the rendered state of one node execution.
type GraphVertex struct {
	UUID         string                     `json:"uuid"`
	SetupID      string                     `json:"setupId,omitempty"`
	Identifier   string                     `json:"identifier"`
	Name         string                     `json:"name"`
	Status       schema.Status              `json:"status"`
	StepType     string                     `json:"stepType,omitempty"`
	StepCategory schema.StepCategory        `json:"stepCategory,omitempty"`
	StartTs      int64                      `json:"startTs,omitempty"`
	EndTs        int64                      `json:"endTs,omitempty"`
	FailureInfo  *schema.FailureInfo        `json:"failureInfo,omitempty"`
	SkipType     schema.SkipType            `json:"skipType,omitempty"`
	StepDetails  map[string]json.RawMessage `json:"stepDetails,omitempty"`
	StepInputs   json.RawMessage            `json:"stepInputs,omitempty"`
	RetryIDs     []string                   `json:"retryIds,omitempty"`
}

// EdgeList holds the ordered children and sibling links of a vertex.
type EdgeList struct {
	Children   []string `json:"children"`
	ParentID   string   `json:"parentId,omitempty"`
	PreviousID string   `json:"prevId,omitempty"`
	NextID     string   `json:"nextId,omitempty"`
}

// AdjacencyList is the DAG as vertices plus edges keyed by node execution id.
// Every child id is also a key of Graph.
type AdjacencyList struct {
	Graph     map[string]*GraphVertex `json:"graph"`
	Adjacency map[string]*EdgeList    `json:"adjacencyList"`
}

// NewAdjacencyList returns an empty adjacency list.
func NewAdjacencyList() *AdjacencyList {
	return &AdjacencyList{
		Graph:     make(map[string]*GraphVertex),
		Adjacency: make(map[string]*EdgeList),
	}
}

// Len returns the number of vertices.
func (a *AdjacencyList) Len() int { return len(a.Graph) }

// Clone returns a deep copy. Raw JSON documents are shared since they are
// never mutated in place.
func (a *AdjacencyList) Clone() *AdjacencyList {
	out := &AdjacencyList{
		Graph:     make(map[string]*GraphVertex, len(a.Graph)),
		Adjacency: make(map[string]*EdgeList, len(a.Adjacency)),
	}
	for id, v := range a.Graph {
		cp := *v
		cp.StepDetails = maps.Clone(v.StepDetails)
		cp.RetryIDs = slices.Clone(v.RetryIDs)
		if v.FailureInfo != nil {
			fi := *v.FailureInfo
			fi.ErrorCodes = slices.Clone(v.FailureInfo.ErrorCodes)
			cp.FailureInfo = &fi
		}
		out.Graph[id] = &cp
	}
	for id, e := range a.Adjacency {
		cp := *e
		cp.Children = slices.Clone(e.Children)
		out.Adjacency[id] = &cp
	}
	return out
}

// OrchestrationGraph is the materialized execution graph of one plan execution.
// Values are treated as immutable: updates work on a Clone.
type OrchestrationGraph struct {
	PlanExecutionID   string         `json:"planExecutionId"`
	RootNodeIDs       []string       `json:"rootNodeIds"`
	Status            schema.Status  `json:"status"`
	StartTs           int64          `json:"startTs,omitempty"`
	EndTs             int64          `json:"endTs,omitempty"`
	LastUpdatedAt     int64          `json:"lastUpdatedAt"`
	CacheContextOrder int64          `json:"cacheContextOrder"`
	AdjacencyList     *AdjacencyList `json:"adjacencyList"`
}

// Clone returns a deep copy of the graph.
func (g *OrchestrationGraph) Clone() *OrchestrationGraph {
	cp := *g
	cp.RootNodeIDs = slices.Clone(g.RootNodeIDs)
	if g.AdjacencyList != nil {
		cp.AdjacencyList = g.AdjacencyList.Clone()
	} else {
		cp.AdjacencyList = NewAdjacencyList()
	}
	return &cp
}

// ExecutionStatus returns the user-facing status of the plan.
func (g *OrchestrationGraph) ExecutionStatus() schema.ExecutionStatus {
	return schema.ExecutionStatusFor(g.Status)
}

// Vertex returns the vertex with the given id, or nil.
func (g *OrchestrationGraph) Vertex(id string) *GraphVertex {
	if g.AdjacencyList == nil {
		return nil
	}
	return g.AdjacencyList.Graph[id]
}

// Children returns the ordered children of id.
func (g *OrchestrationGraph) Children(id string) []string {
	if g.AdjacencyList == nil {
		return nil
	}
	if e := g.AdjacencyList.Adjacency[id]; e != nil {
		return e.Children
	}
	return nil
}

// IsStartingNode reports whether id is the graph root or a pipeline node.
func (g *OrchestrationGraph) IsStartingNode(id string) bool {
	if len(g.RootNodeIDs) > 0 && g.RootNodeIDs[0] == id {
		return true
	}
	v := g.Vertex(id)
	return v != nil && v.StepCategory == schema.StepCategoryPipeline
}

// VertexFromNode converts a node execution into its vertex form.
func VertexFromNode(n *schema.NodeExecution) *GraphVertex {
	return &GraphVertex{
		UUID:         n.ID,
		SetupID:      n.SetupNodeID,
		Identifier:   n.Identifier,
		Name:         n.Name,
		Status:       n.Status,
		StepType:     n.StepType,
		StepCategory: n.StepCategory,
		StartTs:      n.StartTs,
		EndTs:        n.EndTs,
		FailureInfo:  n.FailureInfo,
		SkipType:     n.EffectiveSkipType(),
		StepDetails:  maps.Clone(n.StepDetails),
		StepInputs:   n.StepInputs,
		RetryIDs:     slices.Clone(n.RetryIDs),
	}
}
