package schema

// EventType names an orchestration event-log entry.
type EventType string

const (
	EventNodeStatusUpdate          EventType = "NODE_STATUS_UPDATE"
	EventPlanExecutionStatusUpdate EventType = "PLAN_EXECUTION_STATUS_UPDATE"
	EventStepDetailsUpdate         EventType = "STEP_DETAILS_UPDATE"
	EventStepInputsUpdate          EventType = "STEP_INPUTS_UPDATE"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventNodeStatusUpdate, EventPlanExecutionStatusUpdate, EventStepDetailsUpdate, EventStepInputsUpdate:
		return true
	}
	return false
}

// OrchestrationEvent is the closed set of facts the graph updater folds.
// Each variant carries only identifiers; state is re-read at fold time.
type OrchestrationEvent interface {
	Type() EventType
	orchestrationEvent()
}

// NodeStatusEvent reports that a node execution changed.
type NodeStatusEvent struct {
	NodeExecutionID string
}

// PlanStatusEvent reports that the plan execution status changed.
type PlanStatusEvent struct{}

// StepDetailsEvent reports that a node's step details changed.
type StepDetailsEvent struct {
	NodeExecutionID string
}

// StepInputsEvent reports that a node's resolved inputs changed.
type StepInputsEvent struct {
	NodeExecutionID string
}

func (NodeStatusEvent) Type() EventType  { return EventNodeStatusUpdate }
func (PlanStatusEvent) Type() EventType  { return EventPlanExecutionStatusUpdate }
func (StepDetailsEvent) Type() EventType { return EventStepDetailsUpdate }
func (StepInputsEvent) Type() EventType  { return EventStepInputsUpdate }

func (NodeStatusEvent) orchestrationEvent()  {}
func (PlanStatusEvent) orchestrationEvent()  {}
func (StepDetailsEvent) orchestrationEvent() {}
func (StepInputsEvent) orchestrationEvent()  {}

// NewOrchestrationEvent decodes a log entry's type and node id into its variant.
func NewOrchestrationEvent(t EventType, nodeExecutionID string) (OrchestrationEvent, error) {
	switch t {
	case EventPlanExecutionStatusUpdate:
		return PlanStatusEvent{}, nil
	case EventNodeStatusUpdate, EventStepDetailsUpdate, EventStepInputsUpdate:
		if nodeExecutionID == "" {
			return nil, NewErrorf(ErrCodeValidation, "event %s requires a node execution id", t)
		}
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown event type %q", t)
	}
	switch t {
	case EventNodeStatusUpdate:
		return NodeStatusEvent{NodeExecutionID: nodeExecutionID}, nil
	case EventStepDetailsUpdate:
		return StepDetailsEvent{NodeExecutionID: nodeExecutionID}, nil
	default:
		return StepInputsEvent{NodeExecutionID: nodeExecutionID}, nil
	}
}
