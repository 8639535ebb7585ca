// Package projection builds field-scoped updates of the execution summary
// from node and plan state.
package projection

import (
	"context"
	"fmt"

	"github.com/rendis/execgraph/internal/expressions"
	"github.com/rendis/execgraph/internal/graph"
	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/pkg/schema"
)

// DefaultSignificanceRule selects the nodes that appear in the layout map.
const DefaultSignificanceRule = `node.stepCategory in ["STAGE", "STAGES", "PIPELINE"]`

const layoutField = "layoutNodeMap"

// Updater decides which node changes matter to the summary and builds the
// corresponding SummaryUpdate. It never writes.
type Updater struct {
	engine expressions.Engine
	rule   string
}

// NewUpdater compiles rule (DefaultSignificanceRule when empty) on the CEL engine.
func NewUpdater(engine *expressions.CELEngine, rule string) (*Updater, error) {
	if rule == "" {
		rule = DefaultSignificanceRule
	}
	if err := engine.Compile(rule); err != nil {
		return nil, fmt.Errorf("projection rule: %w", err)
	}
	return &Updater{engine: engine, rule: rule}, nil
}

// LayoutKey is the layout map key of a node: its setup id, else its id.
func LayoutKey(n *schema.NodeExecution) string {
	if n.SetupNodeID != "" {
		return n.SetupNodeID
	}
	return n.ID
}

// IsSignificant evaluates the significance rule for n.
func (u *Updater) IsSignificant(ctx context.Context, n *schema.NodeExecution) (bool, error) {
	data, err := expressions.ToData(n)
	if err != nil {
		return false, err
	}
	nodeDoc := map[string]any{
		"id":           n.ID,
		"stepCategory": string(n.StepCategory),
		"stepType":     n.StepType,
		"status":       string(n.Status),
		"identifier":   n.Identifier,
		"setupNodeId":  n.SetupNodeID,
		"raw":          data,
	}
	return expressions.EvaluateBool(ctx, u.engine, u.rule, map[string]any{"node": nodeDoc})
}

// NodeUpdate returns the summary update for a node status change, or nil when
// the node is not significant. The starting node also drives the top-level
// status and timestamps.
func (u *Updater) NodeUpdate(ctx context.Context, g *graph.OrchestrationGraph, n *schema.NodeExecution) (*store.SummaryUpdate, error) {
	significant, err := u.IsSignificant(ctx, n)
	if err != nil {
		return nil, err
	}
	starting := g != nil && g.IsStartingNode(n.ID)
	if !significant && !starting {
		return nil, nil
	}

	update := &store.SummaryUpdate{}
	if significant {
		key := LayoutKey(n)
		status := schema.ExecutionStatusFor(n.Status)
		update.Set(status, layoutField, key, "status")
		update.Set(n.ID, layoutField, key, "nodeExecutionId")
		update.Set(n.Identifier, layoutField, key, "nodeIdentifier")
		update.Set(n.Name, layoutField, key, "name")
		if n.SetupNodeID != "" {
			update.Set(n.SetupNodeID, layoutField, key, "nodeUuid")
		}
		if n.StepType != "" {
			update.Set(n.StepType, layoutField, key, "nodeType")
		}
		if n.StartTs > 0 {
			update.Set(n.StartTs, layoutField, key, "startTs")
		}
		if n.EndTs > 0 {
			update.Set(n.EndTs, layoutField, key, "endTs")
		}
		if n.FailureInfo != nil {
			update.Set(n.FailureInfo, layoutField, key, "failureInfo")
		}
	}
	if starting {
		update.Set(n.Status, "internalStatus")
		update.Set(schema.ExecutionStatusFor(n.Status), "status")
		if n.StartTs > 0 {
			update.Set(n.StartTs, "startTs")
		}
		if n.EndTs > 0 {
			update.Set(n.EndTs, "endTs")
		}
		update.Set(n.ID, "startingNodeId")
	}
	return update, nil
}

// PlanUpdate returns the summary update for a plan status change.
func (u *Updater) PlanUpdate(plan *store.PlanExecution) *store.SummaryUpdate {
	update := &store.SummaryUpdate{}
	update.Set(plan.Status, "internalStatus")
	update.Set(schema.ExecutionStatusFor(plan.Status), "status")
	if plan.StartTs > 0 {
		update.Set(plan.StartTs, "startTs")
	}
	if plan.Status.IsFinal() && plan.EndTs > 0 {
		update.Set(plan.EndTs, "endTs")
	}
	return update
}

// StepDetailsUpdate mirrors a node's step details into its layout entry when
// the node is significant. The caller stamps lastUpdatedAt.
func (u *Updater) StepDetailsUpdate(ctx context.Context, n *schema.NodeExecution) (*store.SummaryUpdate, error) {
	update := &store.SummaryUpdate{}
	significant, err := u.IsSignificant(ctx, n)
	if err != nil {
		return nil, err
	}
	if significant && len(n.StepDetails) > 0 {
		update.Set(n.StepDetails, layoutField, LayoutKey(n), "stepDetails")
	}
	return update, nil
}

// StepInputsUpdate mirrors a node's resolved inputs into its layout entry when
// the node is significant.
func (u *Updater) StepInputsUpdate(ctx context.Context, n *schema.NodeExecution) (*store.SummaryUpdate, error) {
	update := &store.SummaryUpdate{}
	significant, err := u.IsSignificant(ctx, n)
	if err != nil {
		return nil, err
	}
	if significant && len(n.StepInputs) > 0 {
		update.Set(n.StepInputs, layoutField, LayoutKey(n), "stepInputs")
	}
	return update, nil
}
