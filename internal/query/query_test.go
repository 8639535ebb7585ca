package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/execgraph/internal/engine"
	"github.com/rendis/execgraph/internal/graph"
	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/pkg/schema"
)

type fakeGraphs struct {
	engine.GraphService
	calls []string
	g     *graph.OrchestrationGraph
}

func (f *fakeGraphs) GetGraphForRendering(_ context.Context, id string, includeInternal bool) (*graph.OrchestrationGraph, error) {
	f.calls = append(f.calls, fmt.Sprintf("render:%s:%t", id, includeInternal))
	return f.g, nil
}

func (f *fakeGraphs) GetPartialGraph(_ context.Context, id, start string) (*graph.OrchestrationGraph, error) {
	f.calls = append(f.calls, "partial:"+id+":"+start)
	return f.g, nil
}

func (f *fakeGraphs) GetPartialGraphFromSetupNode(_ context.Context, setup, id, stage string) (*graph.OrchestrationGraph, error) {
	f.calls = append(f.calls, "setup:"+setup+":"+id+":"+stage)
	return f.g, nil
}

func (f *fakeGraphs) UpdateGraphWithWaitLock(_ context.Context, id string) bool {
	f.calls = append(f.calls, "update:"+id)
	return true
}

func (f *fakeGraphs) GetOrchestrationGraph(_ context.Context, id string) (*graph.OrchestrationGraph, error) {
	f.calls = append(f.calls, "get:"+id)
	return f.g, nil
}

type fakeSummaries struct {
	store.SummaryRepository
	rows  []*store.PipelineExecutionSummary
	pages int
}

func (f *fakeSummaries) ListSummaries(_ context.Context, filter store.SummaryFilter) ([]*store.PipelineExecutionSummary, error) {
	f.pages++
	var matched []*store.PipelineExecutionSummary
	for _, r := range f.rows {
		if filter.PipelineIdentifier != "" && r.PipelineIdentifier != filter.PipelineIdentifier {
			continue
		}
		matched = append(matched, r)
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func testGraph() *graph.OrchestrationGraph {
	adj := graph.NewAdjacencyList()
	adj.Graph["p"] = &graph.GraphVertex{UUID: "p", Name: "pipeline", Status: schema.StatusRunning}
	adj.Graph["s"] = &graph.GraphVertex{UUID: "s", Name: "build", Status: schema.StatusFailed}
	adj.Adjacency["p"] = &graph.EdgeList{Children: []string{"s"}}
	adj.Adjacency["s"] = &graph.EdgeList{Children: []string{}, ParentID: "p"}
	return &graph.OrchestrationGraph{PlanExecutionID: "e1", RootNodeIDs: []string{"p"}, LastUpdatedAt: 42, AdjacencyList: adj}
}

func TestGraph_DispatchesByOptions(t *testing.T) {
	g := &fakeGraphs{g: testGraph()}
	s := NewService(g, &fakeSummaries{}, nil, nil)
	ctx := context.Background()

	for _, opts := range []GraphOptions{
		{},
		{IncludeInternal: true},
		{StartingNodeID: "s"},
		{SetupNodeID: "setup-build"},
		{StageNodeExecutionID: "s"},
	} {
		_, err := s.Graph(ctx, "e1", opts)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{
		"render:e1:false",
		"render:e1:true",
		"partial:e1:s",
		"setup:setup-build:e1:",
		"setup::e1:s",
	}, g.calls)

	_, err := s.Graph(ctx, "", GraphOptions{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestGraphQuery_ProjectsWithJQ(t *testing.T) {
	s := NewService(&fakeGraphs{g: testGraph()}, &fakeSummaries{}, nil, nil)
	ctx := context.Background()

	out, err := s.GraphQuery(ctx, "e1", GraphOptions{}, `[.adjacencyList.graph[] | select(.status == "FAILED") | .name]`)
	require.NoError(t, err)
	assert.Equal(t, []any{"build"}, out)

	out, err = s.GraphQuery(ctx, "e1", GraphOptions{}, ".lastUpdatedAt")
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)

	out, err = s.GraphQuery(ctx, "e1", GraphOptions{}, "")
	require.NoError(t, err)
	assert.IsType(t, &graph.OrchestrationGraph{}, out)

	_, err = s.GraphQuery(ctx, "e1", GraphOptions{}, ".[")
	assert.Error(t, err)
}

func TestRefresh_UpdatesThenReads(t *testing.T) {
	g := &fakeGraphs{g: testGraph()}
	s := NewService(g, &fakeSummaries{}, nil, nil)

	got, drained, err := s.Refresh(context.Background(), "e1")
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Equal(t, "e1", got.PlanExecutionID)
	assert.Equal(t, []string{"update:e1", "get:e1"}, g.calls)
}

func TestExecutions_WithoutWhereDelegates(t *testing.T) {
	sums := &fakeSummaries{}
	for i := range 5 {
		sums.rows = append(sums.rows, &store.PipelineExecutionSummary{PlanExecutionID: fmt.Sprintf("e%d", i)})
	}
	s := NewService(&fakeGraphs{}, sums, nil, nil)

	rows, err := s.Executions(context.Background(), ExecutionFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "e1", rows[0].PlanExecutionID)
	assert.Equal(t, 1, sums.pages)
}

func TestExecutions_WhereScansPages(t *testing.T) {
	sums := &fakeSummaries{}
	for i := range 450 {
		status := schema.StatusSucceeded
		if i%3 == 0 {
			status = schema.StatusFailed
		}
		sums.rows = append(sums.rows, &store.PipelineExecutionSummary{
			PlanExecutionID:    fmt.Sprintf("e%03d", i),
			PipelineIdentifier: "deploy",
			InternalStatus:     status,
			RunSequence:        i + 1,
		})
	}
	s := NewService(&fakeGraphs{}, sums, nil, nil)
	ctx := context.Background()

	rows, err := s.Executions(ctx, ExecutionFilter{Where: `status == "Failed" && runSequence > 300`, Limit: 10, Offset: 2})
	require.NoError(t, err)
	require.Len(t, rows, 10)
	assert.Equal(t, "e306", rows[0].PlanExecutionID)
	for _, r := range rows {
		assert.Equal(t, schema.StatusFailed, r.InternalStatus)
	}

	rows, err = s.Executions(ctx, ExecutionFilter{Where: `runSequence >= 448`})
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	_, err = s.Executions(ctx, ExecutionFilter{Where: `runSequence >`})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
