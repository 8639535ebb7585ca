// Package query serves the read side shared by the HTTP API and the MCP
// tools: graph lookups with optional jq projections and summary listings
// filtered by expr predicates.
package query

import (
	"context"
	"fmt"

	"github.com/rendis/execgraph/internal/engine"
	"github.com/rendis/execgraph/internal/expressions"
	"github.com/rendis/execgraph/internal/graph"
	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/pkg/schema"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500

	scanPageSize = 200
)

// GraphOptions selects which view of an execution's graph is returned.
// SetupNodeID and StageNodeExecutionID resolve a stage sub-graph; StartingNodeID
// cuts the graph at an arbitrary node execution.
type GraphOptions struct {
	StartingNodeID       string
	SetupNodeID          string
	StageNodeExecutionID string
	IncludeInternal      bool
}

// ExecutionFilter narrows a summary listing. Where is an expr predicate
// evaluated against each summary document.
type ExecutionFilter struct {
	Status             schema.ExecutionStatus
	PipelineIdentifier string
	NonFinalOnly       bool
	Where              string
	Limit              int
	Offset             int
}

// Service answers graph and execution queries.
type Service struct {
	graphs    engine.GraphService
	summaries store.SummaryRepository
	jq        *expressions.GoJQEngine
	expr      *expressions.ExprEngine
}

func NewService(graphs engine.GraphService, summaries store.SummaryRepository, jq *expressions.GoJQEngine, ex *expressions.ExprEngine) *Service {
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	if ex == nil {
		ex = expressions.NewExprEngine()
	}
	return &Service{graphs: graphs, summaries: summaries, jq: jq, expr: ex}
}

// Graph returns the requested view of an execution's graph.
func (s *Service) Graph(ctx context.Context, executionID string, opts GraphOptions) (*graph.OrchestrationGraph, error) {
	if executionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	switch {
	case opts.SetupNodeID != "" || opts.StageNodeExecutionID != "":
		return s.graphs.GetPartialGraphFromSetupNode(ctx, opts.SetupNodeID, executionID, opts.StageNodeExecutionID)
	case opts.StartingNodeID != "":
		return s.graphs.GetPartialGraph(ctx, executionID, opts.StartingNodeID)
	default:
		return s.graphs.GetGraphForRendering(ctx, executionID, opts.IncludeInternal)
	}
}

// Project runs a jq program over the JSON form of v.
func (s *Service) Project(ctx context.Context, program string, v any) (any, error) {
	data, err := expressions.ToData(v)
	if err != nil {
		return nil, err
	}
	return s.jq.Evaluate(ctx, program, data)
}

// GraphQuery returns the graph view projected through a jq program. An empty
// program returns the graph itself.
func (s *Service) GraphQuery(ctx context.Context, executionID string, opts GraphOptions, program string) (any, error) {
	g, err := s.Graph(ctx, executionID, opts)
	if err != nil {
		return nil, err
	}
	if program == "" {
		return g, nil
	}
	return s.Project(ctx, program, g)
}

// Refresh forces an update cycle and returns the resulting graph. A graph
// that was never cached is built from the node execution records.
func (s *Service) Refresh(ctx context.Context, executionID string) (*graph.OrchestrationGraph, bool, error) {
	drained := s.graphs.UpdateGraphWithWaitLock(ctx, executionID)
	g, err := s.graphs.GetOrchestrationGraph(ctx, executionID)
	if err != nil {
		return nil, false, err
	}
	return g, drained, nil
}

// Summary returns one execution summary.
func (s *Service) Summary(ctx context.Context, executionID string) (*store.PipelineExecutionSummary, error) {
	return s.summaries.GetSummary(ctx, executionID)
}

// Executions lists summaries matching f. Without a Where predicate the
// listing is delegated to the repository; with one, pages are scanned and
// filtered until the window is filled.
func (s *Service) Executions(ctx context.Context, f ExecutionFilter) ([]*store.PipelineExecutionSummary, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)
	base := store.SummaryFilter{
		Status:             f.Status,
		PipelineIdentifier: f.PipelineIdentifier,
		NonFinalOnly:       f.NonFinalOnly,
	}

	if f.Where == "" {
		base.Limit = limit
		base.Offset = max(f.Offset, 0)
		return s.summaries.ListSummaries(ctx, base)
	}

	out := make([]*store.PipelineExecutionSummary, 0, limit)
	skip := max(f.Offset, 0)
	for offset := 0; ; offset += scanPageSize {
		page := base
		page.Limit = scanPageSize
		page.Offset = offset
		rows, err := s.summaries.ListSummaries(ctx, page)
		if err != nil {
			return nil, err
		}
		docs := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			doc, err := expressions.ToData(r)
			if err != nil {
				return nil, fmt.Errorf("summary %s: %w", r.PlanExecutionID, err)
			}
			doc["status"] = string(r.EffectiveStatus())
			docs = append(docs, doc)
		}
		keep, err := s.expr.Filter(ctx, f.Where, docs)
		if err != nil {
			return nil, err
		}
		for _, i := range keep {
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, rows[i])
			if len(out) == limit {
				return out, nil
			}
		}
		if len(rows) < scanPageSize {
			return out, nil
		}
	}
}
