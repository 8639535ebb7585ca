package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/execgraph/internal/graph"
	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/pkg/schema"
)

// TriggerSink receives update triggers. streaming.Trigger satisfies it.
type TriggerSink interface {
	Publish(ctx context.Context, executionID string) error
}

// Publisher re-triggers graph updates for executions that still have work:
// a non-final plan, or events newer than the cached watermark.
type Publisher struct {
	plans   store.PlanExecutionStore
	events  store.EventLogStore
	cache   *graph.Cache
	trigger TriggerSink
	logger  *slog.Logger
}

func NewPublisher(plans store.PlanExecutionStore, events store.EventLogStore, cache *graph.Cache, trigger TriggerSink, logger *slog.Logger) *Publisher {
	return &Publisher{plans: plans, events: events, cache: cache, trigger: trigger, logger: logger}
}

// SendUpdateEventIfAny publishes a trigger for executionID when it has
// pending work and reports whether it did. A missing plan is a no-op.
func (p *Publisher) SendUpdateEventIfAny(ctx context.Context, executionID string) (bool, error) {
	pending, err := p.hasPendingWork(ctx, executionID)
	if err != nil || !pending {
		return false, err
	}
	if err := p.trigger.Publish(ctx, executionID); err != nil {
		return false, fmt.Errorf("publish trigger for %s: %w", executionID, err)
	}
	p.logger.DebugContext(ctx, "graph update triggered", slog.String("execution_id", executionID))
	return true, nil
}

// OnPlanStatusChange is called by the runtime after a plan transition.
func (p *Publisher) OnPlanStatusChange(ctx context.Context, executionID string, status schema.Status) error {
	p.logger.DebugContext(ctx, "plan status changed",
		slog.String("execution_id", executionID),
		slog.String("status", string(status)),
	)
	_, err := p.SendUpdateEventIfAny(ctx, executionID)
	return err
}

func (p *Publisher) hasPendingWork(ctx context.Context, executionID string) (bool, error) {
	plan, err := p.plans.GetPlanExecution(ctx, executionID)
	if err != nil {
		if schema.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("read plan %s: %w", executionID, err)
	}
	if !plan.Status.IsFinal() {
		return true, nil
	}

	var watermark int64
	g, err := p.cache.GetFromSecondary(ctx, executionID)
	if err != nil {
		return false, err
	}
	if g != nil {
		watermark = g.LastUpdatedAt
	}
	pending, err := p.events.CheckIfAnyUnprocessedEvents(ctx, executionID, watermark)
	if err != nil {
		return false, fmt.Errorf("check pending events of %s: %w", executionID, err)
	}
	return pending, nil
}
