package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/execgraph/internal/query"
	"github.com/rendis/execgraph/internal/streaming"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Query         *query.Service
	Hub           streaming.EventHub
	DiagramBinDir string
	Version       string
	Logger        *slog.Logger
}

// Server wraps an MCP server with the execution graph tools.
type Server struct {
	query     *query.Service
	hub       streaming.EventHub
	binDir    string
	watches   *WatchRegistry
	notifier  *GraphNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		query:   deps.Query,
		hub:     deps.Hub,
		binDir:  deps.DiagramBinDir,
		watches: NewWatchRegistry(),
		logger:  logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.watches.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"execgraph",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("execgraph serves live orchestration graphs of pipeline executions. Use graph.get for the full graph, graph.partial for a stage or sub-tree, graph.query to project a graph with jq, executions.query to list executions, graph.diagram to render one, graph.refresh to force an update and graph.watch to receive graph_updated notifications."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewGraphNotifier(mcpSrv, s.watches, logger)
	return s
}

// Run forwards graph_updated events to watching sessions until ctx is
// cancelled. A server without a hub has nothing to forward.
func (s *Server) Run(ctx context.Context) error {
	if s.hub == nil {
		<-ctx.Done()
		return nil
	}
	return s.notifier.Run(ctx, s.hub)
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler exposes the server over the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: graphGetTool(), Handler: s.handleGraphGet},
		{Tool: graphPartialTool(), Handler: s.handleGraphPartial},
		{Tool: graphRefreshTool(), Handler: s.handleGraphRefresh},
		{Tool: graphQueryTool(), Handler: s.handleGraphQuery},
		{Tool: executionsQueryTool(), Handler: s.handleExecutionsQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func graphGetTool() mcp.Tool {
	return mcp.NewTool("graph.get",
		mcp.WithDescription("Get the orchestration graph of a pipeline execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Plan execution ID")),
		mcp.WithBoolean("include_internal", mcp.Description("Keep strategy and hidden nodes (default: false)")),
	)
}

func graphPartialTool() mcp.Tool {
	return mcp.NewTool("graph.partial",
		mcp.WithDescription("Get the sub-graph rooted at a node or a stage"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Plan execution ID")),
		mcp.WithString("starting_node_id", mcp.Description("Node execution ID to cut the graph at")),
		mcp.WithString("setup_node_id", mcp.Description("Setup node ID of a stage")),
		mcp.WithString("stage_node_execution_id", mcp.Description("Node execution ID of a stage")),
	)
}

func graphRefreshTool() mcp.Tool {
	return mcp.NewTool("graph.refresh",
		mcp.WithDescription("Force an update cycle and return the resulting graph"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Plan execution ID")),
	)
}

func graphQueryTool() mcp.Tool {
	return mcp.NewTool("graph.query",
		mcp.WithDescription("Project an orchestration graph through a jq program"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Plan execution ID")),
		mcp.WithString("jq", mcp.Required(), mcp.Description("jq program, e.g. [.adjacencyList.graph[] | select(.status == \"FAILED\") | .name]")),
		mcp.WithString("starting_node_id", mcp.Description("Node execution ID to cut the graph at before projecting")),
		mcp.WithBoolean("include_internal", mcp.Description("Keep strategy and hidden nodes (default: false)")),
	)
}

func executionsQueryTool() mcp.Tool {
	return mcp.NewTool("executions.query",
		mcp.WithDescription("List pipeline execution summaries"),
		mcp.WithString("status", mcp.Description("Internal execution status, e.g. RUNNING")),
		mcp.WithString("pipeline", mcp.Description("Pipeline identifier")),
		mcp.WithString("where", mcp.Description("expr predicate over each summary, e.g. status == \"Failed\" && runSequence > 3")),
		mcp.WithBoolean("non_final", mcp.Description("Only executions that have not reached a final status")),
		mcp.WithNumber("limit", mcp.Description("Max results (default: 50, max: 500)")),
		mcp.WithNumber("offset", mcp.Description("Results to skip")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("graph.diagram",
		mcp.WithDescription("Render an orchestration graph. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Plan execution ID")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
		mcp.WithString("starting_node_id", mcp.Description("Node execution ID to cut the graph at")),
		mcp.WithBoolean("include_internal", mcp.Description("Keep strategy and hidden nodes (default: false)")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("graph.watch",
		mcp.WithDescription("Receive a notification each time the graph of an execution changes"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Plan execution ID")),
	)
}
