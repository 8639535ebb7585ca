package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/execgraph/internal/diagram"
	"github.com/rendis/execgraph/internal/engine"
	"github.com/rendis/execgraph/internal/query"
	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/pkg/schema"
)

// handleListExecutions lists execution summaries. ?where= takes an expr
// predicate over the summary document.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := s.deps.Query.Executions(r.Context(), query.ExecutionFilter{
		Status:             schema.ExecutionStatus(q.Get("status")),
		PipelineIdentifier: q.Get("pipeline"),
		NonFinalOnly:       queryBool(r, "nonFinal"),
		Where:              q.Get("where"),
		Limit:              queryInt(r, "limit", query.DefaultLimit),
		Offset:             queryInt(r, "offset", 0),
	})
	if err != nil {
		writeGraphError(w, err)
		return
	}
	if rows == nil {
		rows = []*store.PipelineExecutionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": rows, "count": len(rows)})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Query.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeGraphError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// graphOptions reads the graph view selectors shared by the graph and
// diagram routes.
func graphOptions(r *http.Request) query.GraphOptions {
	q := r.URL.Query()
	return query.GraphOptions{
		StartingNodeID:       q.Get("startingNodeId"),
		SetupNodeID:          q.Get("setupNodeId"),
		StageNodeExecutionID: q.Get("stageNodeExecutionId"),
		IncludeInternal:      queryBool(r, "includeInternal"),
	}
}

// handleGraph returns an execution graph, optionally projected with ?jq=.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Query.GraphQuery(r.Context(), chi.URLParam(r, "id"), graphOptions(r), r.URL.Query().Get("jq"))
	if err != nil {
		writeGraphError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDiagram renders an execution graph as mermaid, ascii or png.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	format := diagram.Format(r.URL.Query().Get("format"))
	switch format {
	case "", diagram.FormatMermaid, diagram.FormatASCII, diagram.FormatPNG:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("format must be mermaid, ascii or png, got %q", format))
		return
	}

	executionID := chi.URLParam(r, "id")
	g, err := s.deps.Query.Graph(r.Context(), executionID, graphOptions(r))
	if err != nil {
		writeGraphError(w, err)
		return
	}
	if g.AdjacencyList == nil || g.AdjacencyList.Len() == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("graph of %s has no nodes yet", executionID))
		return
	}
	model, err := diagram.Build(g)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body, contentType, err := diagram.Render(r.Context(), model, format, s.deps.DiagramBinDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleRefresh forces an update cycle under the waiting lock.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	g, drained, err := s.deps.Query.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeGraphError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drained": drained, "graph": g})
}

type appendEventRequest struct {
	EventType       schema.EventType `json:"eventType"`
	NodeExecutionID string           `json:"nodeExecutionId"`
	Payload         json.RawMessage  `json:"payload"`
}

// handleAppendEvent appends an orchestration event for the runtime and
// triggers an update cycle.
func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusNotImplemented, "event ingestion is not configured")
		return
	}
	var body appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	executionID := chi.URLParam(r, "id")
	entry := &store.OrchestrationEventLog{
		PlanExecutionID: executionID,
		NodeExecutionID: body.NodeExecutionID,
		EventType:       body.EventType,
		Payload:         body.Payload,
	}
	if err := s.deps.Events.Append(r.Context(), entry); err != nil {
		writeGraphError(w, err)
		return
	}

	triggered := false
	if s.deps.Trigger != nil {
		sent, err := s.deps.Trigger.SendUpdateEventIfAny(r.Context(), executionID)
		if err != nil {
			s.logger.WarnContext(r.Context(), "trigger after append failed",
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()),
			)
		}
		triggered = sent
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event": entry, "triggered": triggered})
}

// handleUpdater reports the in-memory updater state and circuit breaker of
// an execution.
func (s *Server) handleUpdater(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "id")
	resp := map[string]any{"executionId": executionID, "state": engine.StateUnknown}
	if s.deps.Tracker != nil {
		if snap, ok := s.deps.Tracker.Snapshot(executionID); ok {
			resp["state"] = snap.State
			resp["since"] = snap.Since
			resp["transitions"] = snap.Transitions
		}
	}
	if s.deps.Breakers != nil {
		resp["breaker"] = s.deps.Breakers.Stats(executionID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotImplemented, "scheduler is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Jobs.Jobs()})
}

// handleRunJob runs a maintenance job immediately.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotImplemented, "scheduler is not configured")
		return
	}
	name := chi.URLParam(r, "name")
	n, err := s.deps.Jobs.RunNow(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "executions": n})
}
