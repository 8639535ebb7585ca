package schema

import "encoding/json"

// StepCategory classifies a node execution within the pipeline hierarchy.
type StepCategory string

const (
	StepCategoryPipeline  StepCategory = "PIPELINE"
	StepCategoryStages    StepCategory = "STAGES"
	StepCategoryStage     StepCategory = "STAGE"
	StepCategoryStepGroup StepCategory = "STEP_GROUP"
	StepCategoryStep      StepCategory = "STEP"
	StepCategoryFork      StepCategory = "FORK"
	StepCategoryStrategy  StepCategory = "STRATEGY"
)

// SkipType controls how a node is rendered in the user-facing graph.
type SkipType string

const (
	SkipNone SkipType = "NONE"
	// SkipNode hides the node itself; its children take its place.
	SkipNode SkipType = "SKIP_NODE"
	// SkipTree hides the node and everything below it.
	SkipTree SkipType = "SKIP_TREE"
)

// FailureInfo carries the failure message and error codes of a node.
type FailureInfo struct {
	Message    string   `json:"message,omitempty"`
	ErrorCodes []string `json:"error_codes,omitempty"`
}

// NodeExecution is the authoritative record of one node within a plan execution.
// ParentID empty means root level; PreviousID links siblings into an ordered chain.
type NodeExecution struct {
	ID              string                     `json:"id"`
	PlanExecutionID string                     `json:"plan_execution_id"`
	ParentID        string                     `json:"parent_id,omitempty"`
	PreviousID      string                     `json:"previous_id,omitempty"`
	SetupNodeID     string                     `json:"setup_node_id,omitempty"`
	Identifier      string                     `json:"identifier"`
	Name            string                     `json:"name"`
	Status          Status                     `json:"status"`
	StepCategory    StepCategory               `json:"step_category"`
	StepType        string                     `json:"step_type,omitempty"`
	StartTs         int64                      `json:"start_ts,omitempty"`
	EndTs           int64                      `json:"end_ts,omitempty"`
	OldRetry        bool                       `json:"old_retry,omitempty"`
	RetryIDs        []string                   `json:"retry_ids,omitempty"`
	FailureInfo     *FailureInfo               `json:"failure_info,omitempty"`
	SkipGraphType   SkipType                   `json:"skip_graph_type,omitempty"`
	StepDetails     map[string]json.RawMessage `json:"step_details,omitempty"`
	StepInputs      json.RawMessage            `json:"step_inputs,omitempty"`
}

// IsRoot reports whether the node has neither a parent nor a previous sibling.
func (n *NodeExecution) IsRoot() bool {
	return n.ParentID == "" && n.PreviousID == ""
}

// IsStageLike reports whether the node is a stage or a stage container.
func (n *NodeExecution) IsStageLike() bool {
	switch n.StepCategory {
	case StepCategoryStage, StepCategoryStages, StepCategoryPipeline:
		return true
	}
	return false
}

// EffectiveSkipType returns the skip type, treating STRATEGY wrappers as SKIP_NODE.
func (n *NodeExecution) EffectiveSkipType() SkipType {
	if n.SkipGraphType != "" && n.SkipGraphType != SkipNone {
		return n.SkipGraphType
	}
	if n.StepCategory == StepCategoryStrategy {
		return SkipNode
	}
	return SkipNone
}
