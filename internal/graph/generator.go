package graph

import (
	"cmp"
	"slices"

	"github.com/rendis/execgraph/pkg/schema"
)

// sibling is the ordering view of a node within its parent's child list.
type sibling struct {
	ID         string
	PreviousID string
	StartTs    int64
}

// orderSiblings orders a sibling group by its previous-id chain. Chain heads
// (no previous id, or a previous id outside the group) and fan-outs sharing a
// previous id are broken by start time then id. Nodes caught in a broken chain
// are appended in that same order so none is lost.
func orderSiblings(group []sibling) []string {
	byTime := func(a, b sibling) int {
		if c := cmp.Compare(a.StartTs, b.StartTs); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	}

	inGroup := make(map[string]bool, len(group))
	for _, s := range group {
		inGroup[s.ID] = true
	}
	successors := make(map[string][]sibling)
	var heads []sibling
	for _, s := range group {
		if s.PreviousID == "" || !inGroup[s.PreviousID] || s.PreviousID == s.ID {
			heads = append(heads, s)
			continue
		}
		successors[s.PreviousID] = append(successors[s.PreviousID], s)
	}
	slices.SortFunc(heads, byTime)
	for k := range successors {
		slices.SortFunc(successors[k], byTime)
	}

	out := make([]string, 0, len(group))
	visited := make(map[string]bool, len(group))
	stack := make([]sibling, 0, len(group))
	for i := len(heads) - 1; i >= 0; i-- {
		stack = append(stack, heads[i])
	}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[s.ID] {
			continue
		}
		visited[s.ID] = true
		out = append(out, s.ID)
		next := successors[s.ID]
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
	}

	if len(out) < len(group) {
		rest := make([]sibling, 0, len(group)-len(out))
		for _, s := range group {
			if !visited[s.ID] {
				rest = append(rest, s)
			}
		}
		slices.SortFunc(rest, byTime)
		for _, s := range rest {
			out = append(out, s.ID)
		}
	}
	return out
}

// Generate builds the adjacency list reachable from rootID. Nodes are expected
// to exclude old retries. Zero nodes yield an empty list and no root ids.
func Generate(rootID string, nodes []*schema.NodeExecution) (*AdjacencyList, []string, error) {
	adj := NewAdjacencyList()
	if len(nodes) == 0 {
		return adj, []string{}, nil
	}

	byID := make(map[string]*schema.NodeExecution, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	root, ok := byID[rootID]
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStartingNode, "starting node %q not found", rootID).WithNode(rootID)
	}

	groups := make(map[string][]sibling)
	for _, n := range nodes {
		groups[n.ParentID] = append(groups[n.ParentID], sibling{ID: n.ID, PreviousID: n.PreviousID, StartTs: n.StartTs})
	}
	ordered := make(map[string][]string, len(groups))
	for parent, g := range groups {
		ordered[parent] = orderSiblings(g)
	}

	rootIDs := chainFrom(ordered[root.ParentID], rootID)

	queue := slices.Clone(rootIDs)
	visited := make(map[string]bool, len(nodes))
	for _, id := range rootIDs {
		visited[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := byID[id]
		adj.Graph[id] = VertexFromNode(n)
		children := ordered[id]
		adj.Adjacency[id] = &EdgeList{
			Children: slices.Clone(children),
			ParentID: n.ParentID,
		}
		for _, c := range children {
			if !visited[c] {
				visited[c] = true
				queue = append(queue, c)
			}
		}
	}
	if adj.Graph[rootID] == nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStartingNode, "starting node %q not found", rootID).WithNode(rootID)
	}
	linkSiblings(adj, rootIDs)
	for id := range adj.Adjacency {
		linkSiblings(adj, adj.Adjacency[id].Children)
	}
	return adj, rootIDs, nil
}

// chainFrom returns the ordered ids starting at start.
func chainFrom(ordered []string, start string) []string {
	i := slices.Index(ordered, start)
	if i < 0 {
		return []string{start}
	}
	return slices.Clone(ordered[i:])
}

// linkSiblings sets previous and next ids along an ordered sibling list.
func linkSiblings(adj *AdjacencyList, ids []string) {
	for i, id := range ids {
		e := adj.Adjacency[id]
		if e == nil {
			continue
		}
		e.PreviousID, e.NextID = "", ""
		if i > 0 {
			e.PreviousID = ids[i-1]
		}
		if i < len(ids)-1 {
			e.NextID = ids[i+1]
		}
	}
}

// Partial returns the sub-DAG reachable from startID through child edges.
func Partial(adj *AdjacencyList, startID string) (*AdjacencyList, error) {
	if adj == nil || adj.Graph[startID] == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStartingNode, "starting node %q not found", startID).WithNode(startID)
	}
	out := NewAdjacencyList()
	queue := []string{startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := out.Graph[id]; seen {
			continue
		}
		v := *adj.Graph[id]
		out.Graph[id] = &v
		e := EdgeList{}
		if src := adj.Adjacency[id]; src != nil {
			e = *src
			e.Children = slices.Clone(src.Children)
		}
		if id == startID {
			e.ParentID, e.PreviousID, e.NextID = "", "", ""
		}
		out.Adjacency[id] = &e
		queue = append(queue, e.Children...)
	}
	return out, nil
}

// FilterInternal hides SKIP_NODE vertices (their children take their place)
// and drops SKIP_TREE vertices with their subtrees. It returns a new list and
// the visible root ids.
func FilterInternal(adj *AdjacencyList, rootIDs []string) (*AdjacencyList, []string) {
	out := NewAdjacencyList()
	expanding := make(map[string]bool)

	var expand func(id, parent string) []string
	expand = func(id, parent string) []string {
		v := adj.Graph[id]
		if v == nil || expanding[id] {
			return nil
		}
		expanding[id] = true
		defer delete(expanding, id)

		var children []string
		if e := adj.Adjacency[id]; e != nil {
			children = e.Children
		}
		switch v.SkipType {
		case schema.SkipTree:
			return nil
		case schema.SkipNode:
			var lifted []string
			for _, c := range children {
				lifted = append(lifted, expand(c, parent)...)
			}
			return lifted
		}

		cp := *v
		out.Graph[id] = &cp
		var visible []string
		for _, c := range children {
			visible = append(visible, expand(c, id)...)
		}
		out.Adjacency[id] = &EdgeList{Children: visible, ParentID: parent}
		linkSiblings(out, visible)
		return []string{id}
	}

	var roots []string
	for _, r := range rootIDs {
		roots = append(roots, expand(r, "")...)
	}
	if roots == nil {
		roots = []string{}
	}
	linkSiblings(out, roots)
	return out, roots
}

// FindRoot returns the single node with neither parent nor previous id.
// It fails when none or more than one exists.
func FindRoot(nodes []*schema.NodeExecution) (string, error) {
	var roots []string
	for _, n := range nodes {
		if n.IsRoot() {
			roots = append(roots, n.ID)
		}
	}
	switch len(roots) {
	case 1:
		return roots[0], nil
	case 0:
		return "", schema.NewError(schema.ErrCodeGraphGeneration, "no root node execution found")
	default:
		slices.Sort(roots)
		return "", schema.NewErrorf(schema.ErrCodeGraphGeneration, "found %d root node executions", len(roots)).
			WithDetails(map[string]any{"root_ids": roots})
	}
}
