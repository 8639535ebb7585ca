package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/execgraph/internal/diagram"
	"github.com/rendis/execgraph/internal/query"
	"github.com/rendis/execgraph/pkg/schema"
)

// handleGraphGet returns the full graph of an execution.
func (s *Server) handleGraphGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	g, err := s.query.Graph(ctx, executionID, query.GraphOptions{
		IncludeInternal: req.GetBool("include_internal", false),
	})
	if err != nil {
		return graphError(err), nil
	}
	return marshalResult(g)
}

// handleGraphPartial returns a sub-graph cut at a node or resolved from a stage.
func (s *Server) handleGraphPartial(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	opts := query.GraphOptions{
		StartingNodeID:       req.GetString("starting_node_id", ""),
		SetupNodeID:          req.GetString("setup_node_id", ""),
		StageNodeExecutionID: req.GetString("stage_node_execution_id", ""),
	}
	if opts.StartingNodeID == "" && opts.SetupNodeID == "" && opts.StageNodeExecutionID == "" {
		return mcp.NewToolResultError("one of starting_node_id, setup_node_id or stage_node_execution_id is required"), nil
	}
	g, err := s.query.Graph(ctx, executionID, opts)
	if err != nil {
		return graphError(err), nil
	}
	return marshalResult(g)
}

// handleGraphRefresh forces an update cycle.
func (s *Server) handleGraphRefresh(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	g, drained, err := s.query.Refresh(ctx, executionID)
	if err != nil {
		return graphError(err), nil
	}
	return marshalResult(map[string]any{"drained": drained, "graph": g})
}

// handleGraphQuery projects a graph view through jq.
func (s *Server) handleGraphQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	program, err := req.RequireString("jq")
	if err != nil {
		return mcp.NewToolResultError("jq is required"), nil
	}
	out, err := s.query.GraphQuery(ctx, executionID, query.GraphOptions{
		StartingNodeID:  req.GetString("starting_node_id", ""),
		IncludeInternal: req.GetBool("include_internal", false),
	}, program)
	if err != nil {
		return graphError(err), nil
	}
	return marshalResult(out)
}

// handleExecutionsQuery lists execution summaries.
func (s *Server) handleExecutionsQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rows, err := s.query.Executions(ctx, query.ExecutionFilter{
		Status:             schema.ExecutionStatus(req.GetString("status", "")),
		PipelineIdentifier: req.GetString("pipeline", ""),
		NonFinalOnly:       req.GetBool("non_final", false),
		Where:              req.GetString("where", ""),
		Limit:              req.GetInt("limit", query.DefaultLimit),
		Offset:             req.GetInt("offset", 0),
	})
	if err != nil {
		return graphError(err), nil
	}
	return marshalResult(map[string]any{"executions": rows, "count": len(rows)})
}

// handleDiagram renders an execution graph in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	g, err := s.query.Graph(ctx, executionID, query.GraphOptions{
		StartingNodeID:  req.GetString("starting_node_id", ""),
		IncludeInternal: req.GetBool("include_internal", false),
	})
	if err != nil {
		return graphError(err), nil
	}
	if g.AdjacencyList == nil || g.AdjacencyList.Len() == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("graph of %s has no nodes yet", executionID)), nil
	}

	model, err := diagram.Build(g)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCIIAuto(model, s.binDir)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// handleWatch subscribes the calling session to graph_updated notifications.
func (s *Server) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("graph.watch requires a client session"), nil
	}
	s.watches.Watch(executionID, session.SessionID())
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"session_id":   session.SessionID(),
		"watching":     true,
	})
}

// graphError renders an engine error as a tool error, keeping its code and hint.
func graphError(err error) *mcp.CallToolResult {
	var ge *schema.GraphError
	if errors.As(err, &ge) {
		data, mErr := json.Marshal(map[string]any{"error": ge})
		if mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
