package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/rendis/execgraph/internal/graph"
	"github.com/rendis/execgraph/internal/logging"
	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/pkg/schema"
)

// fold applies entries, in log order, to a copy of cached and returns the new
// graph together with the accumulated summary update. Every event re-reads the
// authoritative record, so folding the same batch twice gives the same result.
// Node status events are deduplicated per node within the batch: the first
// occurrence reads the latest state, later ones would read the same.
func (s *graphService) fold(ctx context.Context, keeper *leaseKeeper, cached *graph.OrchestrationGraph, entries []*store.OrchestrationEventLog) (*graph.OrchestrationGraph, *store.SummaryUpdate, error) {
	next := cached.Clone()
	update := &store.SummaryUpdate{}
	seen := make(map[string]struct{})
	stamp := false

	for _, entry := range entries {
		if err := keeper.keep(ctx); err != nil {
			return nil, nil, err
		}
		ev, err := entry.Event()
		if err != nil {
			return nil, nil, fmt.Errorf("event %d: %w", entry.ID, err)
		}

		switch e := ev.(type) {
		case schema.PlanStatusEvent:
			plan, err := s.store.GetPlanExecution(ctx, cached.PlanExecutionID)
			if err != nil {
				return nil, nil, fmt.Errorf("read plan: %w", err)
			}
			next.Status = plan.Status
			next.StartTs = plan.StartTs
			next.EndTs = plan.EndTs
			update.Merge(s.projector.PlanUpdate(plan))

		case schema.StepDetailsEvent:
			n, err := s.readNode(ctx, e.NodeExecutionID)
			if err != nil {
				return nil, nil, err
			}
			if v := next.Vertex(n.ID); v != nil {
				v.StepDetails = maps.Clone(n.StepDetails)
			}
			u, err := s.projector.StepDetailsUpdate(ctx, n)
			if err != nil {
				return nil, nil, err
			}
			update.Merge(u)
			stamp = true

		case schema.StepInputsEvent:
			n, err := s.readNode(ctx, e.NodeExecutionID)
			if err != nil {
				return nil, nil, err
			}
			if v := next.Vertex(n.ID); v != nil {
				v.StepInputs = n.StepInputs
			}
			u, err := s.projector.StepInputsUpdate(ctx, n)
			if err != nil {
				return nil, nil, err
			}
			update.Merge(u)
			stamp = true

		case schema.NodeStatusEvent:
			if _, dup := seen[e.NodeExecutionID]; dup {
				continue
			}
			seen[e.NodeExecutionID] = struct{}{}

			n, err := s.readNode(ctx, e.NodeExecutionID)
			if err != nil {
				return nil, nil, err
			}
			if err := next.MergeNode(ctx, n, s.store); err != nil {
				return nil, nil, err
			}
			if n.OldRetry {
				continue
			}
			u, err := s.projector.NodeUpdate(ctx, next, n)
			if err != nil {
				return nil, nil, err
			}
			if u != nil {
				update.Merge(u)
				stamp = true
			}

		default:
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "unhandled event type %s", ev.Type())
		}
	}

	if stamp || !update.IsEmpty() {
		update.Set(s.cfg.Now().UnixMilli(), "lastUpdatedAt")
	}
	s.logger.DebugContext(ctx, "folded orchestration events",
		slog.Int("events", len(entries)),
		slog.Int("nodes", len(seen)),
		slog.Int("summary_fields", len(update.Paths())),
	)
	return next, update, nil
}

func (s *graphService) readNode(ctx context.Context, id string) (*schema.NodeExecution, error) {
	n, err := s.store.GetNodeExecution(logging.WithNodeExecutionID(ctx, id), id)
	if err != nil {
		return nil, fmt.Errorf("read node execution %s: %w", id, err)
	}
	return n, nil
}
