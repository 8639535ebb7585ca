package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/execgraph/pkg/schema"
)

// EventValidator checks an entry before it is appended.
type EventValidator interface {
	ValidateEvent(ctx context.Context, event *OrchestrationEventLog) error
}

// EventLog is the runtime-facing writer of the orchestration event log.
type EventLog struct {
	store     EventLogStore
	validator EventValidator
}

// NewEventLog wraps an EventLogStore. validator may be nil.
func NewEventLog(s EventLogStore, validator EventValidator) *EventLog {
	return &EventLog{store: s, validator: validator}
}

// Record appends a typed event for the given execution.
func (el *EventLog) Record(ctx context.Context, planExecutionID string, ev schema.OrchestrationEvent, payload json.RawMessage) (*OrchestrationEventLog, error) {
	entry := &OrchestrationEventLog{
		PlanExecutionID: planExecutionID,
		EventType:       ev.Type(),
		Payload:         payload,
	}
	switch e := ev.(type) {
	case schema.NodeStatusEvent:
		entry.NodeExecutionID = e.NodeExecutionID
	case schema.StepDetailsEvent:
		entry.NodeExecutionID = e.NodeExecutionID
	case schema.StepInputsEvent:
		entry.NodeExecutionID = e.NodeExecutionID
	case schema.PlanStatusEvent:
	}
	if err := el.Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Append validates and stores a raw entry.
func (el *EventLog) Append(ctx context.Context, entry *OrchestrationEventLog) error {
	if _, err := entry.Event(); err != nil {
		return err
	}
	if el.validator != nil {
		if err := el.validator.ValidateEvent(ctx, entry); err != nil {
			return err
		}
	}
	if err := el.store.AppendEvent(ctx, entry); err != nil {
		return fmt.Errorf("append %s for %s: %w", entry.EventType, entry.PlanExecutionID, err)
	}
	return nil
}

// DecodeEvents converts entries into typed events, preserving order.
// Entries that fail to decode are reported as a validation error.
func DecodeEvents(entries []*OrchestrationEventLog) ([]schema.OrchestrationEvent, error) {
	out := make([]schema.OrchestrationEvent, 0, len(entries))
	for _, e := range entries {
		ev, err := e.Event()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", e.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
