package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/execgraph/pkg/schema"
)

type mapFetcher struct {
	nodes map[string]*schema.NodeExecution
	calls []string
}

func (f *mapFetcher) GetNodeExecution(_ context.Context, id string) (*schema.NodeExecution, error) {
	f.calls = append(f.calls, id)
	n, ok := f.nodes[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", id)
	}
	return n, nil
}

func baseGraph(t *testing.T, nodes ...*schema.NodeExecution) *OrchestrationGraph {
	t.Helper()
	root, err := FindRoot(nodes)
	require.NoError(t, err)
	adj, roots, err := Generate(root, nodes)
	require.NoError(t, err)
	return &OrchestrationGraph{PlanExecutionID: "exec", RootNodeIDs: roots, AdjacencyList: adj}
}

func TestMergeNode_AppendsToChain(t *testing.T) {
	g := baseGraph(t, node("A", "", ""), node("B", "A", ""))
	next := g.Clone()

	require.NoError(t, next.MergeNode(context.Background(), node("C", "A", "B"), &mapFetcher{}))
	assert.Equal(t, []string{"B", "C"}, next.Children("A"))
	assert.Equal(t, "C", next.AdjacencyList.Adjacency["B"].NextID)

	// Copy on write: the original is untouched.
	assert.Equal(t, []string{"B"}, g.Children("A"))
	assert.Nil(t, g.Vertex("C"))
}

func TestMergeNode_ReplacesVertexKeepsChildren(t *testing.T) {
	g := baseGraph(t, node("A", "", ""), node("B", "A", ""), node("B1", "B", ""))

	updated := node("B", "A", "")
	updated.Status = schema.StatusSucceeded
	updated.EndTs = 99
	require.NoError(t, g.MergeNode(context.Background(), updated, &mapFetcher{}))

	assert.Equal(t, schema.StatusSucceeded, g.Vertex("B").Status)
	assert.Equal(t, int64(99), g.Vertex("B").EndTs)
	assert.Equal(t, []string{"B1"}, g.Children("B"))
	assert.Equal(t, []string{"B"}, g.Children("A"))
}

func TestMergeNode_InsertsBeforeExistingSibling(t *testing.T) {
	g := baseGraph(t, node("A", "", ""), node("C", "A", "B"))
	// C was a head because B was absent; B now arrives as the real head.
	require.NoError(t, g.MergeNode(context.Background(), node("B", "A", ""), &mapFetcher{}))
	assert.Equal(t, []string{"B", "C"}, g.Children("A"))
}

func TestMergeNode_FetchesMissingAncestors(t *testing.T) {
	g := baseGraph(t, node("A", "", ""))
	f := &mapFetcher{nodes: map[string]*schema.NodeExecution{
		"S":  node("S", "A", ""),
		"SG": node("SG", "S", ""),
	}}

	require.NoError(t, g.MergeNode(context.Background(), node("step", "SG", ""), f))
	assert.Equal(t, []string{"SG", "S"}, f.calls)
	assert.Equal(t, []string{"S"}, g.Children("A"))
	assert.Equal(t, []string{"SG"}, g.Children("S"))
	assert.Equal(t, []string{"step"}, g.Children("SG"))
	assertNoDanglingEdges(t, g.AdjacencyList)
}

func TestMergeNode_MissingAncestorFails(t *testing.T) {
	g := baseGraph(t, node("A", "", ""))
	err := g.MergeNode(context.Background(), node("step", "gone", ""), &mapFetcher{})
	assert.True(t, schema.IsNotFound(err))
	assert.Nil(t, g.Vertex("step"))
}

func TestMergeNode_OldRetryRemovesSubtree(t *testing.T) {
	g := baseGraph(t,
		node("A", "", ""),
		node("B", "A", ""),
		node("C", "A", "B"),
		node("B1", "B", ""),
		node("B2", "B1", ""),
	)
	retired := node("B", "A", "")
	retired.OldRetry = true

	require.NoError(t, g.MergeNode(context.Background(), retired, &mapFetcher{}))
	assert.Equal(t, []string{"C"}, g.Children("A"))
	assert.Empty(t, g.AdjacencyList.Adjacency["C"].PreviousID)
	for _, id := range []string{"B", "B1", "B2"} {
		assert.Nil(t, g.Vertex(id))
		assert.NotContains(t, g.AdjacencyList.Adjacency, id)
	}
	assertNoDanglingEdges(t, g.AdjacencyList)
}

func TestMergeNode_Idempotent(t *testing.T) {
	g := baseGraph(t, node("A", "", ""), node("B", "A", ""))
	n := node("C", "A", "B")

	once := g.Clone()
	require.NoError(t, once.MergeNode(context.Background(), n, &mapFetcher{}))
	twice := once.Clone()
	require.NoError(t, twice.MergeNode(context.Background(), n, &mapFetcher{}))

	assert.Equal(t, once, twice)
}

func TestUpsertNode_Reparent(t *testing.T) {
	g := baseGraph(t, node("A", "", ""), node("B", "A", ""), node("C", "A", "B"), node("X", "B", ""))
	require.NoError(t, g.MergeNode(context.Background(), node("X", "C", ""), &mapFetcher{}))
	assert.Empty(t, g.Children("B"))
	assert.Equal(t, []string{"X"}, g.Children("C"))
	assert.Equal(t, "C", g.AdjacencyList.Adjacency["X"].ParentID)
}

func TestIsStartingNode(t *testing.T) {
	p := node("P", "", "")
	p.StepCategory = schema.StepCategoryPipeline
	g := baseGraph(t, p, node("S", "P", ""))
	assert.True(t, g.IsStartingNode("P"))
	assert.False(t, g.IsStartingNode("S"))
}
