package store

import (
	"context"
	"iter"

	"github.com/rendis/execgraph/pkg/schema"
)

// EventLogStore is the append-only orchestration event log.
type EventLogStore interface {
	AppendEvent(ctx context.Context, event *OrchestrationEventLog) error
	// FindUnprocessedEvents returns up to limit entries with CreatedAt > since, oldest first.
	FindUnprocessedEvents(ctx context.Context, planExecutionID string, since int64, limit int) ([]*OrchestrationEventLog, error)
	CheckIfAnyUnprocessedEvents(ctx context.Context, planExecutionID string, since int64) (bool, error)
	DeleteAllOrchestrationLogEvents(ctx context.Context, planExecutionIDs []string) error
}

// NodeExecutionStore holds the authoritative node execution records.
type NodeExecutionStore interface {
	UpsertNodeExecution(ctx context.Context, node *schema.NodeExecution) error
	GetNodeExecution(ctx context.Context, id string) (*schema.NodeExecution, error)
	// FetchNodeExecutionsWithoutOldRetries lazily pages through the execution's
	// current nodes. The sequence is finite and may be ranged over again.
	FetchNodeExecutionsWithoutOldRetries(ctx context.Context, planExecutionID string) iter.Seq2[*schema.NodeExecution, error]
	FindNodeExecutionsBySetupID(ctx context.Context, planExecutionID, setupNodeID string) ([]*schema.NodeExecution, error)
}

// PlanExecutionStore holds plan execution records.
type PlanExecutionStore interface {
	UpsertPlanExecution(ctx context.Context, plan *PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error)
}

// GraphCacheStore is a keyed blob store with watermark-guarded writes.
// Get methods return nil, nil when the key is absent or expired.
type GraphCacheStore interface {
	GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error)
	GetCacheEntryFromSecondary(ctx context.Context, key string) (*CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *CacheEntry) error
	// PutCacheEntryIfNewer writes only when the stored watermark is <= entry.Watermark.
	// It reports whether the write was applied.
	PutCacheEntryIfNewer(ctx context.Context, entry *CacheEntry) (bool, error)
	DeleteCacheEntries(ctx context.Context, keys []string) error
}

// SummaryRepository holds execution summaries. Updates are field scoped.
type SummaryRepository interface {
	CreateSummary(ctx context.Context, summary *PipelineExecutionSummary) error
	GetSummary(ctx context.Context, planExecutionID string) (*PipelineExecutionSummary, error)
	UpdateSummary(ctx context.Context, planExecutionID string, update *SummaryUpdate) error
	ListSummaries(ctx context.Context, filter SummaryFilter) ([]*PipelineExecutionSummary, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	EventLogStore
	NodeExecutionStore
	PlanExecutionStore
	GraphCacheStore
	SummaryRepository

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
