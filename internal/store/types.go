package store

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rendis/execgraph/pkg/schema"
)

// OrchestrationEventLog is an immutable entry in the orchestration event log.
// CreatedAt is unix millis and strictly increasing per plan execution.
type OrchestrationEventLog struct {
	ID              int64            `json:"id"`
	PlanExecutionID string           `json:"plan_execution_id"`
	NodeExecutionID string           `json:"node_execution_id,omitempty"`
	EventType       schema.EventType `json:"event_type"`
	Payload         json.RawMessage  `json:"payload,omitempty"`
	CreatedAt       int64            `json:"created_at"`
}

// Event decodes the entry into its typed variant.
func (e *OrchestrationEventLog) Event() (schema.OrchestrationEvent, error) {
	return schema.NewOrchestrationEvent(e.EventType, e.NodeExecutionID)
}

// PlanExecution is the authoritative record of one pipeline run.
type PlanExecution struct {
	ID                 string        `json:"id"`
	PipelineIdentifier string        `json:"pipeline_identifier,omitempty"`
	Status             schema.Status `json:"status"`
	StartTs            int64         `json:"start_ts,omitempty"`
	EndTs              int64         `json:"end_ts,omitempty"`
	LastUpdatedAt      int64         `json:"last_updated_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// LayoutNode is the per-stage entry of a summary's layout map.
type LayoutNode struct {
	NodeType        string                     `json:"nodeType,omitempty"`
	NodeIdentifier  string                     `json:"nodeIdentifier,omitempty"`
	Name            string                     `json:"name,omitempty"`
	NodeUUID        string                     `json:"nodeUuid,omitempty"`
	NodeExecutionID string                     `json:"nodeExecutionId,omitempty"`
	Status          schema.ExecutionStatus     `json:"status,omitempty"`
	StartTs         int64                      `json:"startTs,omitempty"`
	EndTs           int64                      `json:"endTs,omitempty"`
	FailureInfo     *schema.FailureInfo        `json:"failureInfo,omitempty"`
	StepDetails     map[string]json.RawMessage `json:"stepDetails,omitempty"`
	StepInputs      json.RawMessage            `json:"stepInputs,omitempty"`
}

// PipelineExecutionSummary is the denormalized, queryable view of one execution.
// Status is derived from InternalStatus unless InternalStatus is empty (legacy rows).
type PipelineExecutionSummary struct {
	PlanExecutionID    string                     `json:"planExecutionId"`
	AccountID          string                     `json:"accountId,omitempty"`
	OrgID              string                     `json:"orgId,omitempty"`
	ProjectID          string                     `json:"projectId,omitempty"`
	PipelineIdentifier string                     `json:"pipelineIdentifier,omitempty"`
	Name               string                     `json:"name,omitempty"`
	RunSequence        int                        `json:"runSequence,omitempty"`
	InternalStatus     schema.Status              `json:"internalStatus,omitempty"`
	Status             schema.ExecutionStatus     `json:"status,omitempty"`
	ModuleInfo         map[string]json.RawMessage `json:"moduleInfo,omitempty"`
	LayoutNodeMap      map[string]*LayoutNode     `json:"layoutNodeMap,omitempty"`
	StartingNodeID     string                     `json:"startingNodeId,omitempty"`
	Tags               map[string]string          `json:"tags,omitempty"`
	StartTs            int64                      `json:"startTs,omitempty"`
	EndTs              int64                      `json:"endTs,omitempty"`
	RootExecutionID    string                     `json:"rootExecutionId,omitempty"`
	ParentExecutionID  string                     `json:"parentExecutionId,omitempty"`
	IsLatestExecution  bool                       `json:"isLatestExecution"`
	LastUpdatedAt      int64                      `json:"lastUpdatedAt,omitempty"`
	CreatedAt          time.Time                  `json:"createdAt"`
}

// EffectiveStatus returns the user-facing status, deriving it from the
// internal status when one is present.
func (s *PipelineExecutionSummary) EffectiveStatus() schema.ExecutionStatus {
	if s.InternalStatus == "" {
		return s.Status
	}
	return schema.ExecutionStatusFor(s.InternalStatus)
}

// SummaryFilter filters summary listings.
type SummaryFilter struct {
	Status             schema.ExecutionStatus
	PipelineIdentifier string
	NonFinalOnly       bool
	EndedBefore        int64
	EndedAfter         int64
	Limit              int
	Offset             int
}

// SummaryUpdate is a set of field-path assignments applied atomically to one
// summary document. Later assignments to the same path win.
type SummaryUpdate struct {
	fields map[string]fieldSet
	order  []string
}

type fieldSet struct {
	Path  []string
	Value any
}

// Set assigns value at the given field path (e.g. "layoutNodeMap", key, "status").
func (u *SummaryUpdate) Set(value any, path ...string) *SummaryUpdate {
	if len(path) == 0 {
		return u
	}
	if u.fields == nil {
		u.fields = make(map[string]fieldSet)
	}
	key := strings.Join(path, "\x00")
	if _, ok := u.fields[key]; !ok {
		u.order = append(u.order, key)
	}
	u.fields[key] = fieldSet{Path: append([]string(nil), path...), Value: value}
	return u
}

// Merge copies every assignment of other into u.
func (u *SummaryUpdate) Merge(other *SummaryUpdate) *SummaryUpdate {
	if other == nil {
		return u
	}
	for _, k := range other.order {
		f := other.fields[k]
		u.Set(f.Value, f.Path...)
	}
	return u
}

// IsEmpty reports whether the update carries no assignments.
func (u *SummaryUpdate) IsEmpty() bool {
	return u == nil || len(u.order) == 0
}

// Get returns the value assigned at path, if any.
func (u *SummaryUpdate) Get(path ...string) (any, bool) {
	if u == nil {
		return nil, false
	}
	f, ok := u.fields[strings.Join(path, "\x00")]
	return f.Value, ok
}

// Paths returns the assigned paths in dotted form, sorted.
func (u *SummaryUpdate) Paths() []string {
	if u == nil {
		return nil
	}
	out := make([]string, 0, len(u.order))
	for _, k := range u.order {
		out = append(out, strings.Join(u.fields[k].Path, "."))
	}
	sort.Strings(out)
	return out
}

func (u *SummaryUpdate) each(fn func(path []string, value any)) {
	for _, k := range u.order {
		f := u.fields[k]
		fn(f.Path, f.Value)
	}
}

// CacheEntry is one serialized value in the graph cache.
type CacheEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Watermark int64     `json:"watermark"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
