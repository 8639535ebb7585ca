package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/pkg/schema"
)

const eventSchemaURL = "https://execgraph.dev/schemas/orchestration-event.json"

// eventSchemaJSON is the JSON Schema for orchestration event-log entries.
const eventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://execgraph.dev/schemas/orchestration-event.json",
  "type": "object",
  "required": ["plan_execution_id", "event_type"],
  "properties": {
    "id": { "type": "integer" },
    "plan_execution_id": { "type": "string", "minLength": 1 },
    "node_execution_id": { "type": "string" },
    "event_type": {
      "type": "string",
      "enum": ["NODE_STATUS_UPDATE", "PLAN_EXECUTION_STATUS_UPDATE", "STEP_DETAILS_UPDATE", "STEP_INPUTS_UPDATE"]
    },
    "payload": {},
    "created_at": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": false,
  "allOf": [
    {
      "if": {
        "properties": { "event_type": { "enum": ["NODE_STATUS_UPDATE", "STEP_DETAILS_UPDATE", "STEP_INPUTS_UPDATE"] } }
      },
      "then": {
        "required": ["node_execution_id"],
        "properties": { "node_execution_id": { "minLength": 1 } }
      }
    },
    {
      "if": {
        "properties": { "event_type": { "enum": ["STEP_DETAILS_UPDATE", "STEP_INPUTS_UPDATE"] } }
      },
      "then": {
        "properties": { "payload": { "type": "object" } }
      }
    },
    {
      "if": {
        "properties": { "event_type": { "const": "PLAN_EXECUTION_STATUS_UPDATE" } }
      },
      "then": {
        "properties": {
          "payload": {
            "type": "object",
            "properties": { "status": { "type": "string" } }
          }
        }
      }
    }
  ]
}`

// EventValidator validates event-log entries against the envelope schema and,
// when configured, a per-event-type payload schema. Safe for concurrent use.
type EventValidator struct {
	eventSchema    *jsonschema.Schema
	payloadSchemas map[schema.EventType][]byte

	// mu guards cache for payload schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewEventValidator compiles the envelope schema. payloadSchemas maps an
// event type to a JSON Schema its payload must satisfy; it may be nil.
func NewEventValidator(payloadSchemas map[schema.EventType][]byte) (*EventValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	if err := c.AddResource(eventSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add event schema resource: %w", err)
	}
	compiled, err := c.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}

	v := &EventValidator{
		eventSchema:    compiled,
		payloadSchemas: payloadSchemas,
		cache:          make(map[string]*jsonschema.Schema),
	}
	for t, raw := range payloadSchemas {
		if !t.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "payload schema for unknown event type %q", t)
		}
		if _, err := v.getOrCompile(raw); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid payload schema for %s", t).WithCause(err)
		}
	}
	return v, nil
}

// ValidateEvent implements store.EventValidator.
func (v *EventValidator) ValidateEvent(_ context.Context, event *store.OrchestrationEventLog) error {
	if event == nil {
		return schema.NewError(schema.ErrCodeValidation, "event is nil")
	}
	doc, err := toJSONValue(event)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize event").WithCause(err)
	}
	if err := v.eventSchema.Validate(doc); err != nil {
		return toGraphError(err)
	}

	raw, ok := v.payloadSchemas[event.EventType]
	if !ok || len(event.Payload) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}
	payload, err := jsonschema.UnmarshalJSON(strings.NewReader(string(event.Payload)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(payload); err != nil {
		return toGraphError(err)
	}
	return nil
}

func (v *EventValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("execgraph://payload-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toGraphError flattens a jsonschema.ValidationError into a GraphError.
func toGraphError(err error) *schema.GraphError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ store.EventValidator = (*EventValidator)(nil)
