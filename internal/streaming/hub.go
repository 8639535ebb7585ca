package streaming

import "context"

// Kind classifies stream events.
type Kind string

const (
	// KindTrigger asks the consumer to run an update cycle for an execution.
	KindTrigger Kind = "trigger"
	// KindGraphUpdated announces that a new graph version was written.
	KindGraphUpdated Kind = "graph_updated"
)

// StreamEvent is a message flowing between the publisher, the consumer and
// read-side subscribers.
type StreamEvent struct {
	ExecutionID string `json:"execution_id"`
	Kind        Kind   `json:"kind"`
	Payload     any    `json:"payload,omitempty"`
}

// EventFilter selects events for a subscriber. Zero values match everything.
type EventFilter struct {
	ExecutionID string `json:"execution_id,omitempty"`
	Kinds       []Kind `json:"kinds,omitempty"`
}

// EventHub is a fire-and-forget pub/sub bus.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// Trigger publishes update triggers onto a hub.
type Trigger struct {
	hub EventHub
}

func NewTrigger(hub EventHub) *Trigger {
	return &Trigger{hub: hub}
}

// Publish asks for an update cycle of executionID.
func (t *Trigger) Publish(ctx context.Context, executionID string) error {
	return t.hub.Publish(ctx, StreamEvent{ExecutionID: executionID, Kind: KindTrigger})
}
