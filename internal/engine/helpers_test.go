package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/execgraph/internal/expressions"
	"github.com/rendis/execgraph/internal/graph"
	"github.com/rendis/execgraph/internal/lock"
	"github.com/rendis/execgraph/internal/projection"
	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/internal/streaming"
	"github.com/rendis/execgraph/pkg/schema"
)

const testExec = "exec-1"

type testEnv struct {
	store   *store.LibSQLStore
	cache   *graph.Cache
	locks   lock.Provider
	tracker *StateTracker
	hub     *streaming.MemoryHub
	cfg     GraphServiceConfig
	svc     GraphService

	wrapStore func(*store.LibSQLStore) GraphStore
}

type envOption func(*testEnv)

func withLocks(p lock.Provider) envOption { return func(e *testEnv) { e.locks = p } }

func withCacheStore(wrap func(store.GraphCacheStore) store.GraphCacheStore) envOption {
	return func(e *testEnv) { e.cache = graph.NewCache(wrap(e.store), time.Hour, e.cfg.Logger) }
}

func withGraphStore(wrap func(*store.LibSQLStore) GraphStore) envOption {
	return func(e *testEnv) { e.wrapStore = wrap }
}

func withLease(d time.Duration) envOption { return func(e *testEnv) { e.cfg.LockLease = d } }

func withNow(ms int64) envOption {
	return func(e *testEnv) { e.cfg.Now = func() time.Time { return time.UnixMilli(ms) } }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	projector, err := projection.NewUpdater(cel, "")
	require.NoError(t, err)

	e := &testEnv{
		store:   s,
		locks:   lock.NewMemoryProvider(),
		tracker: NewStateTracker(),
		hub:     streaming.NewMemoryHub(),
	}
	e.cfg = GraphServiceConfig{
		LockWait: 2 * time.Second,
		Hub:      e.hub,
		Logger:   discardLogger(),
	}
	e.cache = graph.NewCache(s, time.Hour, e.cfg.Logger)
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.Tracker = e.tracker
	var gs GraphStore = s
	if e.wrapStore != nil {
		gs = e.wrapStore(s)
	}
	e.svc = NewGraphService(gs, e.cache, e.locks, projector, e.cfg)
	return e
}

func (e *testEnv) seedPlan(t *testing.T, status schema.Status) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.UpsertPlanExecution(ctx, &store.PlanExecution{ID: testExec, Status: status, StartTs: 10}))
	require.NoError(t, e.store.CreateSummary(ctx, &store.PipelineExecutionSummary{PlanExecutionID: testExec, PipelineIdentifier: "deploy"}))
}

func (e *testEnv) putNodes(t *testing.T, nodes ...*schema.NodeExecution) {
	t.Helper()
	for _, n := range nodes {
		require.NoError(t, e.store.UpsertNodeExecution(context.Background(), n))
	}
}

func (e *testEnv) appendEvent(t *testing.T, typ schema.EventType, nodeID string, createdAt int64) {
	t.Helper()
	require.NoError(t, e.store.AppendEvent(context.Background(), &store.OrchestrationEventLog{
		PlanExecutionID: testExec,
		NodeExecutionID: nodeID,
		EventType:       typ,
		CreatedAt:       createdAt,
	}))
}

func (e *testEnv) cached(t *testing.T) *graph.OrchestrationGraph {
	t.Helper()
	g, err := e.cache.Get(context.Background(), testExec)
	require.NoError(t, err)
	require.NotNil(t, g)
	return g
}

func node(id, parent, prev string) *schema.NodeExecution {
	return &schema.NodeExecution{
		ID: id, PlanExecutionID: testExec, ParentID: parent, PreviousID: prev,
		Identifier: id, Name: id, Status: schema.StatusRunning, StepCategory: schema.StepCategoryStep,
	}
}

func stage(id, parent, prev, setupID string) *schema.NodeExecution {
	n := node(id, parent, prev)
	n.StepCategory = schema.StepCategoryStage
	n.SetupNodeID = setupID
	return n
}

// contendedLocks never grants a lock.
type contendedLocks struct{}

func (contendedLocks) TryAcquire(context.Context, lock.Key, time.Duration) (lock.Lock, error) {
	return nil, nil
}

func (contendedLocks) WaitToAcquire(context.Context, lock.Key, time.Duration, time.Duration) (lock.Lock, error) {
	return nil, nil
}

// instrumentedLocks counts concurrent holders of any lock it grants.
type instrumentedLocks struct {
	inner      lock.Provider
	holders    atomic.Int64
	maxHolders atomic.Int64
	grants     atomic.Int64
}

func (p *instrumentedLocks) TryAcquire(ctx context.Context, key lock.Key, lease time.Duration) (lock.Lock, error) {
	l, err := p.inner.TryAcquire(ctx, key, lease)
	return p.wrap(l, err)
}

func (p *instrumentedLocks) WaitToAcquire(ctx context.Context, key lock.Key, wait, lease time.Duration) (lock.Lock, error) {
	l, err := p.inner.WaitToAcquire(ctx, key, wait, lease)
	return p.wrap(l, err)
}

func (p *instrumentedLocks) wrap(l lock.Lock, err error) (lock.Lock, error) {
	if err != nil || l == nil {
		return nil, err
	}
	p.grants.Add(1)
	n := p.holders.Add(1)
	for {
		cur := p.maxHolders.Load()
		if n <= cur || p.maxHolders.CompareAndSwap(cur, n) {
			break
		}
	}
	return &instrumentedLock{Lock: l, p: p}, nil
}

type instrumentedLock struct {
	lock.Lock
	p        *instrumentedLocks
	released atomic.Bool
}

func (l *instrumentedLock) Release(ctx context.Context) error {
	if l.released.CompareAndSwap(false, true) {
		l.p.holders.Add(-1)
	}
	return l.Lock.Release(ctx)
}

// leaseLossLocks grants real locks whose extension fails while lost is set.
type leaseLossLocks struct {
	inner lock.Provider
	lost  atomic.Bool
}

func (p *leaseLossLocks) TryAcquire(ctx context.Context, key lock.Key, lease time.Duration) (lock.Lock, error) {
	l, err := p.inner.TryAcquire(ctx, key, lease)
	return p.wrap(l, err)
}

func (p *leaseLossLocks) WaitToAcquire(ctx context.Context, key lock.Key, wait, lease time.Duration) (lock.Lock, error) {
	l, err := p.inner.WaitToAcquire(ctx, key, wait, lease)
	return p.wrap(l, err)
}

func (p *leaseLossLocks) wrap(l lock.Lock, err error) (lock.Lock, error) {
	if err != nil || l == nil {
		return nil, err
	}
	return &lossyLock{Lock: l, lost: &p.lost}, nil
}

type lossyLock struct {
	lock.Lock
	lost *atomic.Bool
}

func (l *lossyLock) Extend(ctx context.Context, lease time.Duration) error {
	if l.lost.Load() {
		return lock.ErrLeaseLost
	}
	return l.Lock.Extend(ctx, lease)
}

// countingCacheStore counts cache reads and writes.
type countingCacheStore struct {
	store.GraphCacheStore
	reads  atomic.Int64
	writes atomic.Int64
}

func (c *countingCacheStore) GetCacheEntry(ctx context.Context, key string) (*store.CacheEntry, error) {
	c.reads.Add(1)
	return c.GraphCacheStore.GetCacheEntry(ctx, key)
}

func (c *countingCacheStore) GetCacheEntryFromSecondary(ctx context.Context, key string) (*store.CacheEntry, error) {
	c.reads.Add(1)
	return c.GraphCacheStore.GetCacheEntryFromSecondary(ctx, key)
}

func (c *countingCacheStore) PutCacheEntry(ctx context.Context, entry *store.CacheEntry) error {
	c.writes.Add(1)
	return c.GraphCacheStore.PutCacheEntry(ctx, entry)
}

func (c *countingCacheStore) PutCacheEntryIfNewer(ctx context.Context, entry *store.CacheEntry) (bool, error) {
	c.writes.Add(1)
	return c.GraphCacheStore.PutCacheEntryIfNewer(ctx, entry)
}

// fixedBatchStore serves a canned event batch.
type fixedBatchStore struct {
	*store.LibSQLStore
	batch []*store.OrchestrationEventLog
}

func (f *fixedBatchStore) FindUnprocessedEvents(_ context.Context, _ string, since int64, limit int) ([]*store.OrchestrationEventLog, error) {
	var out []*store.OrchestrationEventLog
	for _, e := range f.batch {
		if e.CreatedAt > since && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

// countingReadsStore counts node reads per id.
type countingReadsStore struct {
	*store.LibSQLStore
	mu    sync.Mutex
	reads map[string]int
}

func (c *countingReadsStore) GetNodeExecution(ctx context.Context, id string) (*schema.NodeExecution, error) {
	c.mu.Lock()
	c.reads[id]++
	c.mu.Unlock()
	return c.LibSQLStore.GetNodeExecution(ctx, id)
}

func (c *countingReadsStore) readsOf(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[id]
}
