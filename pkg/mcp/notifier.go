package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/execgraph/internal/streaming"
)

// NotificationSender delivers a notification to one MCP session.
// Satisfied by *server.MCPServer.
type NotificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// GraphNotifier pushes graph_updated events to the sessions watching an
// execution.
type GraphNotifier struct {
	sender  NotificationSender
	watches *WatchRegistry
	logger  *slog.Logger
}

// NewGraphNotifier creates a notifier that pushes via MCP notifications.
func NewGraphNotifier(sender NotificationSender, watches *WatchRegistry, logger *slog.Logger) *GraphNotifier {
	return &GraphNotifier{sender: sender, watches: watches, logger: logger}
}

// Notify sends payload to every session watching executionID.
// Best-effort: sessions that are gone are dropped from the registry.
func (n *GraphNotifier) Notify(ctx context.Context, executionID string, payload map[string]any) error {
	var errs []error
	for _, sessionID := range n.watches.SessionsFor(executionID) {
		err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.watches.Remove(sessionID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run forwards graph_updated events from hub until ctx is cancelled.
func (n *GraphNotifier) Run(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{Kinds: []streaming.Kind{streaming.KindGraphUpdated}})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			payload := map[string]any{
				"type":         string(ev.Kind),
				"execution_id": ev.ExecutionID,
			}
			if m, ok := ev.Payload.(map[string]any); ok {
				for k, v := range m {
					payload[k] = v
				}
			}
			if err := n.Notify(ctx, ev.ExecutionID, payload); err != nil {
				n.logger.WarnContext(ctx, "graph notification failed",
					slog.String("execution_id", ev.ExecutionID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
