package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/execgraph/internal/graph"
	"github.com/rendis/execgraph/internal/lock"
	"github.com/rendis/execgraph/internal/logging"
	"github.com/rendis/execgraph/internal/projection"
	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/internal/streaming"
	"github.com/rendis/execgraph/pkg/schema"
)

// DefaultBatchSize caps the events folded in one cycle.
const DefaultBatchSize = 1000

// GraphService materializes and serves orchestration graphs.
type GraphService interface {
	// UpdateGraph runs one update cycle if the execution's lock is free and
	// reports whether the event log was drained.
	UpdateGraph(ctx context.Context, executionID string) bool
	// UpdateGraphWithWaitLock is UpdateGraph but waits for the lock.
	UpdateGraphWithWaitLock(ctx context.Context, executionID string) bool
	// RunCycle is UpdateGraph with the detailed outcome.
	RunCycle(ctx context.Context, executionID string) CycleOutcome

	BuildOrchestrationGraph(ctx context.Context, executionID string) (*graph.OrchestrationGraph, error)
	GetOrchestrationGraph(ctx context.Context, executionID string) (*graph.OrchestrationGraph, error)
	GetPartialGraph(ctx context.Context, executionID, startingNodeID string) (*graph.OrchestrationGraph, error)
	GetPartialGraphFromSetupNode(ctx context.Context, setupNodeID, executionID, stageNodeExecutionID string) (*graph.OrchestrationGraph, error)
	GetGraphForRendering(ctx context.Context, executionID string, includeInternal bool) (*graph.OrchestrationGraph, error)
	DeleteExecutionData(ctx context.Context, executionIDs []string) error
}

// CycleOutcome classifies the result of one update cycle.
type CycleOutcome int

const (
	// OutcomeDrained means every visible event was folded and written.
	OutcomeDrained CycleOutcome = iota
	// OutcomeMore means a full batch was folded and more may be waiting.
	OutcomeMore
	// OutcomeContended means another holder owns the execution's lock.
	OutcomeContended
	// OutcomeNoGraph means there is no cached graph to fold into.
	OutcomeNoGraph
	// OutcomeFailed means the cycle was abandoned without writing.
	OutcomeFailed
)

func (o CycleOutcome) String() string {
	switch o {
	case OutcomeDrained:
		return "drained"
	case OutcomeMore:
		return "more"
	case OutcomeContended:
		return "contended"
	case OutcomeNoGraph:
		return "no_graph"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// GraphStore is the slice of the store the graph service reads and writes.
type GraphStore interface {
	store.EventLogStore
	store.NodeExecutionStore
	store.PlanExecutionStore
	store.SummaryRepository
}

// GraphServiceConfig holds tunables and optional collaborators.
type GraphServiceConfig struct {
	BatchSize int
	LockLease time.Duration
	LockWait  time.Duration

	Publisher *Publisher         // optional; nudged after graph reads
	Hub       streaming.EventHub // optional; receives graph_updated events
	Tracker   *StateTracker      // optional
	Logger    *slog.Logger
	Now       func() time.Time
}

type graphService struct {
	store     GraphStore
	cache     *graph.Cache
	locks     lock.Provider
	projector *projection.Updater
	cfg       GraphServiceConfig
	logger    *slog.Logger
}

// NewGraphService wires the graph service. Zero config values take defaults.
func NewGraphService(s GraphStore, cache *graph.Cache, locks lock.Provider, projector *projection.Updater, cfg GraphServiceConfig) GraphService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = lock.DefaultLease
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = lock.DefaultWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewStateTracker()
	}
	return &graphService{
		store:     s,
		cache:     cache,
		locks:     locks,
		projector: projector,
		cfg:       cfg,
		logger:    cfg.Logger,
	}
}

func (s *graphService) UpdateGraph(ctx context.Context, executionID string) bool {
	return s.RunCycle(ctx, executionID) == OutcomeDrained
}

func (s *graphService) RunCycle(ctx context.Context, executionID string) CycleOutcome {
	ctx = logging.WithExecutionID(ctx, executionID)
	l, err := s.locks.TryAcquire(ctx, lock.GraphLockKey(executionID), s.cfg.LockLease)
	if err != nil {
		s.logger.ErrorContext(ctx, "acquire graph lock", slog.String("error", err.Error()))
		return OutcomeFailed
	}
	if l == nil {
		s.logger.DebugContext(ctx, "graph lock held elsewhere, skipping cycle")
		return OutcomeContended
	}
	defer s.release(ctx, l)
	return s.updateGraphUnderLock(ctx, newLeaseKeeper(l, s.cfg.LockLease), executionID)
}

func (s *graphService) UpdateGraphWithWaitLock(ctx context.Context, executionID string) bool {
	ctx = logging.WithExecutionID(ctx, executionID)
	l, err := s.locks.WaitToAcquire(ctx, lock.GraphLockKey(executionID), s.cfg.LockWait, s.cfg.LockLease)
	if err != nil {
		s.logger.ErrorContext(ctx, "acquire graph lock", slog.String("error", err.Error()))
		return false
	}
	if l == nil {
		s.logger.DebugContext(ctx, "timed out waiting for graph lock")
		return false
	}
	defer s.release(ctx, l)
	return s.updateGraphUnderLock(ctx, newLeaseKeeper(l, s.cfg.LockLease), executionID) == OutcomeDrained
}

func (s *graphService) release(ctx context.Context, l lock.Lock) {
	if err := l.Release(context.WithoutCancel(ctx)); err != nil {
		s.logger.WarnContext(ctx, "release graph lock",
			slog.String("key", string(l.Key())),
			slog.String("error", err.Error()),
		)
	}
}

// updateGraphUnderLock folds the next batch of events into the cached graph.
// Nothing is written unless the whole batch folds with the lease still held.
func (s *graphService) updateGraphUnderLock(ctx context.Context, keeper *leaseKeeper, executionID string) CycleOutcome {
	ctx = logging.WithCycleID(ctx, uuid.NewString())

	cached, err := s.cache.Get(ctx, executionID)
	if err != nil {
		s.logger.ErrorContext(ctx, "read cached graph", slog.String("error", err.Error()))
		return OutcomeFailed
	}
	if cached == nil {
		s.logger.WarnContext(ctx, "no cached graph to update")
		s.track(ctx, executionID, StateNoGraph)
		return OutcomeNoGraph
	}

	entries, err := s.store.FindUnprocessedEvents(ctx, executionID, cached.LastUpdatedAt, s.cfg.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "read orchestration events", slog.String("error", err.Error()))
		return OutcomeFailed
	}
	if len(entries) == 0 {
		s.track(ctx, executionID, settledState(cached))
		return OutcomeDrained
	}
	s.track(ctx, executionID, StateDraining)

	next, update, err := s.fold(ctx, keeper, cached, entries)
	if err != nil {
		s.logger.ErrorContext(ctx, "fold orchestration events",
			slog.Int("events", len(entries)),
			slog.String("error", err.Error()),
		)
		return OutcomeFailed
	}
	if err := keeper.keep(ctx); err != nil {
		s.logger.WarnContext(ctx, "graph lock lost before write, batch dropped", slog.String("error", err.Error()))
		return OutcomeFailed
	}

	if !update.IsEmpty() {
		if err := s.store.UpdateSummary(ctx, executionID, update); err != nil {
			if !schema.IsNotFound(err) {
				s.logger.ErrorContext(ctx, "update execution summary", slog.String("error", err.Error()))
				return OutcomeFailed
			}
			s.logger.WarnContext(ctx, "execution summary missing, projection skipped")
		}
	}

	watermark := entries[len(entries)-1].CreatedAt
	applied, err := s.cache.UpsertWithWatermark(ctx, next, watermark)
	if err != nil {
		s.logger.ErrorContext(ctx, "write cached graph", slog.String("error", err.Error()))
		return OutcomeFailed
	}
	if applied {
		s.notify(ctx, executionID, watermark)
	} else {
		s.logger.DebugContext(ctx, "cached graph already past watermark", slog.Int64("watermark", watermark))
	}

	if len(entries) >= s.cfg.BatchSize {
		s.logger.DebugContext(ctx, "event batch at cap, more may be pending", slog.Int("events", len(entries)))
		return OutcomeMore
	}
	s.track(ctx, executionID, settledState(next))
	return OutcomeDrained
}

// BuildOrchestrationGraph regenerates the graph from the node records under
// the wait lock, projects them into the summary and caches the result. When
// the lock cannot be had the graph is returned uncached.
func (s *graphService) BuildOrchestrationGraph(ctx context.Context, executionID string) (*graph.OrchestrationGraph, error) {
	ctx = logging.WithExecutionID(ctx, executionID)
	s.track(ctx, executionID, StateBootstrapping)

	l, err := s.locks.WaitToAcquire(ctx, lock.GraphLockKey(executionID), s.cfg.LockWait, s.cfg.LockLease)
	if err != nil || l == nil {
		s.logger.WarnContext(ctx, "graph lock unavailable, rebuilding without caching")
		g, _, err := s.generate(ctx, executionID)
		if err != nil {
			s.track(ctx, executionID, StateNoGraph)
			return nil, err
		}
		return g, nil
	}
	defer s.release(ctx, l)
	return s.rebuildUnderLock(ctx, newLeaseKeeper(l, s.cfg.LockLease), executionID)
}

func (s *graphService) rebuildUnderLock(ctx context.Context, keeper *leaseKeeper, executionID string) (*graph.OrchestrationGraph, error) {
	g, snap, err := s.generate(ctx, executionID)
	if err != nil {
		s.track(ctx, executionID, StateNoGraph)
		return nil, err
	}

	cached, err := s.cache.Get(ctx, executionID)
	if err != nil {
		s.logger.WarnContext(ctx, "read cached graph before rebuild", slog.String("error", err.Error()))
		return g, nil
	}
	if cached != nil {
		if cached.LastUpdatedAt > g.LastUpdatedAt {
			s.logger.DebugContext(ctx, "cached graph is ahead of the rebuild, keeping it",
				slog.Int64("cached", cached.LastUpdatedAt),
				slog.Int64("rebuild", g.LastUpdatedAt),
			)
			s.track(ctx, executionID, settledState(cached))
			return cached, nil
		}
		g.CacheContextOrder = cached.CacheContextOrder
	}

	if err := s.backfill(ctx, keeper, g, snap); err != nil {
		s.logger.WarnContext(ctx, "project rebuilt graph, not caching", slog.String("error", err.Error()))
		return g, nil
	}
	if err := keeper.keep(ctx); err != nil {
		s.logger.WarnContext(ctx, "graph lock lost before write, not caching", slog.String("error", err.Error()))
		return g, nil
	}

	written, err := s.cache.Upsert(ctx, g)
	if err != nil {
		s.logger.WarnContext(ctx, "cache rebuilt graph", slog.String("error", err.Error()))
		return g, nil
	}
	s.track(ctx, executionID, settledState(written))
	return written, nil
}

// snapshot is what a rebuild read from the authoritative stores.
type snapshot struct {
	plan  *store.PlanExecution
	nodes []*schema.NodeExecution
}

// generate builds a graph from the authoritative node records. The
// watermark is taken before the first read so events racing the rebuild are
// folded again later.
func (s *graphService) generate(ctx context.Context, executionID string) (*graph.OrchestrationGraph, *snapshot, error) {
	watermark := s.cfg.Now().UnixMilli()

	plan, err := s.store.GetPlanExecution(ctx, executionID)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, nil, schema.NewErrorf(schema.ErrCodeGraphGeneration,
				"plan execution %s not found", executionID).
				WithHint("The execution may be older than the retention window",
					"Node and plan records are purged after retention; the graph can no longer be generated.").
				WithCause(err)
		}
		return nil, nil, fmt.Errorf("read plan %s: %w", executionID, err)
	}

	snap := &snapshot{plan: plan}
	for n, err := range s.store.FetchNodeExecutionsWithoutOldRetries(ctx, executionID) {
		if err != nil {
			return nil, nil, fmt.Errorf("read node executions of %s: %w", executionID, err)
		}
		snap.nodes = append(snap.nodes, n)
	}

	g := &graph.OrchestrationGraph{
		PlanExecutionID: executionID,
		RootNodeIDs:     []string{},
		Status:          plan.Status,
		StartTs:         plan.StartTs,
		EndTs:           plan.EndTs,
		LastUpdatedAt:   watermark,
		AdjacencyList:   graph.NewAdjacencyList(),
	}
	if len(snap.nodes) == 0 {
		return g, snap, nil
	}

	rootID, err := graph.FindRoot(snap.nodes)
	if err != nil {
		return nil, nil, inconsistent(err)
	}
	adj, roots, err := graph.Generate(rootID, snap.nodes)
	if err != nil {
		return nil, nil, inconsistent(err)
	}
	g.AdjacencyList = adj
	g.RootNodeIDs = roots
	return g, snap, nil
}

// backfill writes the summary fields of every node and of the plan as read by
// a rebuild. Events at or below the rebuild's watermark are never folded, so
// their effect on the summary has to come from here.
func (s *graphService) backfill(ctx context.Context, keeper *leaseKeeper, g *graph.OrchestrationGraph, snap *snapshot) error {
	update := &store.SummaryUpdate{}
	for _, n := range snap.nodes {
		if err := keeper.keep(ctx); err != nil {
			return err
		}
		u, err := s.projector.NodeUpdate(ctx, g, n)
		if err != nil {
			return err
		}
		if u != nil {
			update.Merge(u)
		}
		details, err := s.projector.StepDetailsUpdate(ctx, n)
		if err != nil {
			return err
		}
		update.Merge(details)
		inputs, err := s.projector.StepInputsUpdate(ctx, n)
		if err != nil {
			return err
		}
		update.Merge(inputs)
	}
	// The plan record has the last word on the top-level status.
	update.Merge(s.projector.PlanUpdate(snap.plan))
	update.Set(s.cfg.Now().UnixMilli(), "lastUpdatedAt")

	if err := keeper.keep(ctx); err != nil {
		return err
	}
	if err := s.store.UpdateSummary(ctx, g.PlanExecutionID, update); err != nil {
		if !schema.IsNotFound(err) {
			return fmt.Errorf("update execution summary: %w", err)
		}
		s.logger.WarnContext(ctx, "execution summary missing, projection skipped")
	}
	return nil
}

func inconsistent(err error) error {
	var ge *schema.GraphError
	if errors.As(err, &ge) {
		if ge.Code != schema.ErrCodeGraphGeneration {
			ge = schema.NewError(schema.ErrCodeGraphGeneration, ge.Message).WithCause(err)
		}
		return ge.WithHint("Internal inconsistency in node execution records",
			"The node executions do not form a single rooted tree.")
	}
	return err
}

func (s *graphService) GetOrchestrationGraph(ctx context.Context, executionID string) (*graph.OrchestrationGraph, error) {
	g, err := s.cache.GetFromSecondary(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		if g, err = s.BuildOrchestrationGraph(ctx, executionID); err != nil {
			return nil, err
		}
	}
	s.nudge(ctx, executionID)
	return g, nil
}

func (s *graphService) GetPartialGraph(ctx context.Context, executionID, startingNodeID string) (*graph.OrchestrationGraph, error) {
	g, err := s.GetOrchestrationGraph(ctx, executionID)
	if err != nil {
		return nil, err
	}
	adj, err := graph.Partial(g.AdjacencyList, startingNodeID)
	if err != nil {
		return nil, err
	}
	out := *g
	out.RootNodeIDs = []string{startingNodeID}
	out.AdjacencyList = adj
	return &out, nil
}

// GetPartialGraphFromSetupNode returns the sub-graph below a stage. An
// explicit stage node execution wins; otherwise the setup id must resolve to
// exactly one node execution, else the full graph is returned.
func (s *graphService) GetPartialGraphFromSetupNode(ctx context.Context, setupNodeID, executionID, stageNodeExecutionID string) (*graph.OrchestrationGraph, error) {
	if stageNodeExecutionID != "" {
		return s.GetPartialGraph(ctx, executionID, stageNodeExecutionID)
	}
	if setupNodeID == "" {
		return s.GetOrchestrationGraph(ctx, executionID)
	}

	candidates, err := s.store.FindNodeExecutionsBySetupID(ctx, executionID, setupNodeID)
	if err != nil {
		return nil, fmt.Errorf("resolve setup node %s: %w", setupNodeID, err)
	}
	if len(candidates) != 1 {
		if len(candidates) > 1 {
			s.logger.WarnContext(ctx, "setup node resolves to several node executions, returning full graph",
				slog.String("execution_id", executionID),
				slog.String("setup_node_id", setupNodeID),
				slog.Int("candidates", len(candidates)),
			)
		}
		return s.GetOrchestrationGraph(ctx, executionID)
	}
	return s.GetPartialGraph(ctx, executionID, candidates[0].ID)
}

func (s *graphService) GetGraphForRendering(ctx context.Context, executionID string, includeInternal bool) (*graph.OrchestrationGraph, error) {
	g, err := s.GetOrchestrationGraph(ctx, executionID)
	if err != nil || includeInternal {
		return g, err
	}
	adj, roots := graph.FilterInternal(g.AdjacencyList, g.RootNodeIDs)
	out := *g
	out.AdjacencyList = adj
	out.RootNodeIDs = roots
	return &out, nil
}

func (s *graphService) DeleteExecutionData(ctx context.Context, executionIDs []string) error {
	if len(executionIDs) == 0 {
		return nil
	}
	if err := s.store.DeleteAllOrchestrationLogEvents(ctx, executionIDs); err != nil {
		return fmt.Errorf("delete orchestration events: %w", err)
	}
	if err := s.cache.Delete(ctx, executionIDs...); err != nil {
		return fmt.Errorf("delete cached graphs: %w", err)
	}
	s.cfg.Tracker.Forget(executionIDs...)
	return nil
}

func (s *graphService) nudge(ctx context.Context, executionID string) {
	if s.cfg.Publisher == nil {
		return
	}
	if _, err := s.cfg.Publisher.SendUpdateEventIfAny(ctx, executionID); err != nil {
		s.logger.WarnContext(ctx, "trigger graph update",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *graphService) notify(ctx context.Context, executionID string, watermark int64) {
	if s.cfg.Hub == nil {
		return
	}
	_ = s.cfg.Hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		Kind:        streaming.KindGraphUpdated,
		Payload:     map[string]any{"lastUpdatedAt": watermark},
	})
}

func (s *graphService) track(ctx context.Context, executionID string, state UpdaterState) {
	if err := s.cfg.Tracker.Transition(executionID, state); err != nil {
		s.logger.DebugContext(ctx, "updater state not recorded", slog.String("error", err.Error()))
	}
}

// settledState is the state of an execution with nothing left to fold.
func settledState(g *graph.OrchestrationGraph) UpdaterState {
	if g.Status.IsFinal() {
		return StateCompleted
	}
	return StateSynced
}
