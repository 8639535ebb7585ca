package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/rendis/execgraph/pkg/schema"
)

// maxAncestorDepth bounds how far MergeNode walks up to fetch missing parents.
const maxAncestorDepth = 64

// NodeFetcher loads a node execution by id.
type NodeFetcher interface {
	GetNodeExecution(ctx context.Context, id string) (*schema.NodeExecution, error)
}

// MergeNode inserts or replaces n, first fetching any ancestors the graph does
// not hold yet. Old retries are removed together with their subtree.
// The receiver is mutated; callers work on a Clone.
func (g *OrchestrationGraph) MergeNode(ctx context.Context, n *schema.NodeExecution, fetcher NodeFetcher) error {
	if n.OldRetry {
		g.RemoveSubtree(n.ID)
		return nil
	}

	var missing []*schema.NodeExecution
	cur := n
	for depth := 0; cur.ParentID != "" && g.Vertex(cur.ParentID) == nil; depth++ {
		if depth >= maxAncestorDepth {
			return schema.NewErrorf(schema.ErrCodeGraphGeneration,
				"ancestor chain of %s exceeds %d levels", n.ID, maxAncestorDepth).WithNode(n.ID)
		}
		parent, err := fetcher.GetNodeExecution(ctx, cur.ParentID)
		if err != nil {
			return fmt.Errorf("fetch ancestor %s of %s: %w", cur.ParentID, n.ID, err)
		}
		if parent.ID == cur.ID {
			return schema.NewErrorf(schema.ErrCodeGraphGeneration, "node %s is its own parent", cur.ID).WithNode(cur.ID)
		}
		missing = append(missing, parent)
		cur = parent
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if missing[i].OldRetry {
			return nil
		}
		g.UpsertNode(missing[i])
	}
	g.UpsertNode(n)
	return nil
}

// UpsertNode replaces the vertex of n and relinks it into its parent's
// ordered children (or the root chain). Existing children are kept.
func (g *OrchestrationGraph) UpsertNode(n *schema.NodeExecution) {
	if g.AdjacencyList == nil {
		g.AdjacencyList = NewAdjacencyList()
	}
	adj := g.AdjacencyList
	adj.Graph[n.ID] = VertexFromNode(n)

	edges := adj.Adjacency[n.ID]
	if edges == nil {
		edges = &EdgeList{Children: []string{}}
		adj.Adjacency[n.ID] = edges
	} else if edges.ParentID != n.ParentID {
		g.detach(n.ID, edges.ParentID)
	}
	edges.ParentID = n.ParentID

	siblings := g.siblingsOf(n.ParentID)
	group := make([]sibling, 0, len(siblings)+1)
	for _, id := range siblings {
		if id == n.ID {
			continue
		}
		group = append(group, g.siblingView(id))
	}
	group = append(group, sibling{ID: n.ID, PreviousID: n.PreviousID, StartTs: n.StartTs})
	g.setSiblings(n.ParentID, orderSiblings(group))
}

// RemoveSubtree deletes id and everything below it.
func (g *OrchestrationGraph) RemoveSubtree(id string) {
	if g.AdjacencyList == nil {
		return
	}
	edges := g.AdjacencyList.Adjacency[id]
	if edges == nil && g.AdjacencyList.Graph[id] == nil {
		return
	}
	parent := ""
	if edges != nil {
		parent = edges.ParentID
	}
	g.detach(id, parent)

	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e := g.AdjacencyList.Adjacency[cur]; e != nil {
			stack = append(stack, e.Children...)
		}
		delete(g.AdjacencyList.Adjacency, cur)
		delete(g.AdjacencyList.Graph, cur)
	}
}

func (g *OrchestrationGraph) siblingView(id string) sibling {
	s := sibling{ID: id}
	if e := g.AdjacencyList.Adjacency[id]; e != nil {
		s.PreviousID = e.PreviousID
	}
	if v := g.AdjacencyList.Graph[id]; v != nil {
		s.StartTs = v.StartTs
	}
	return s
}

func (g *OrchestrationGraph) siblingsOf(parent string) []string {
	if parent == "" {
		return g.RootNodeIDs
	}
	if e := g.AdjacencyList.Adjacency[parent]; e != nil {
		return e.Children
	}
	return nil
}

func (g *OrchestrationGraph) setSiblings(parent string, ids []string) {
	if parent == "" {
		g.RootNodeIDs = ids
	} else if e := g.AdjacencyList.Adjacency[parent]; e != nil {
		e.Children = ids
	}
	linkSiblings(g.AdjacencyList, ids)
}

func (g *OrchestrationGraph) detach(id, parent string) {
	siblings := g.siblingsOf(parent)
	if i := slices.Index(siblings, id); i >= 0 {
		g.setSiblings(parent, slices.Delete(slices.Clone(siblings), i, i+1))
	}
}
