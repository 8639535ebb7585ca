package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/pkg/schema"
)

// mockSummaries satisfies store.SummaryRepository for scheduler tests.
type mockSummaries struct {
	store.SummaryRepository
	mu   sync.Mutex
	rows []*store.PipelineExecutionSummary
	err  error
}

func (m *mockSummaries) ListSummaries(_ context.Context, filter store.SummaryFilter) ([]*store.PipelineExecutionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var matched []*store.PipelineExecutionSummary
	for _, r := range m.rows {
		if filter.NonFinalOnly && r.Status.IsFinal() {
			continue
		}
		if filter.EndedBefore > 0 && (r.EndTs == 0 || r.EndTs >= filter.EndedBefore) {
			continue
		}
		if filter.EndedAfter > 0 && r.EndTs < filter.EndedAfter {
			continue
		}
		matched = append(matched, r)
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

type mockSweeper struct {
	mu      sync.Mutex
	calls   []string
	pending map[string]bool
	fail    map[string]bool
}

func (m *mockSweeper) SendUpdateEventIfAny(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, id)
	if m.fail[id] {
		return false, errors.New("hub closed")
	}
	return m.pending == nil || m.pending[id], nil
}

func (m *mockSweeper) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockPurger struct {
	mu      sync.Mutex
	deleted [][]string
}

func (m *mockPurger) DeleteExecutionData(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, append([]string(nil), ids...))
	return nil
}

func summary(id string, status schema.ExecutionStatus, endTs int64) *store.PipelineExecutionSummary {
	return &store.PipelineExecutionSummary{PlanExecutionID: id, Status: status, EndTs: endTs}
}

func newTestScheduler(t *testing.T, rows *mockSummaries, sw *mockSweeper, pg *mockPurger, cfg Config) *Scheduler {
	t.Helper()
	s, err := NewScheduler(rows, sw, pg, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewScheduler(&mockSummaries{}, &mockSweeper{}, &mockPurger{}, Config{SweepSchedule: "not a cron"}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep schedule")
}

func TestSweep_TriggersNonFinalOnly(t *testing.T) {
	rows := &mockSummaries{rows: []*store.PipelineExecutionSummary{
		summary("running", schema.ExecutionStatusRunning, 0),
		summary("done", schema.ExecutionStatusSuccess, 50),
		summary("queued", schema.ExecutionStatusQueued, 0),
		summary("legacy", "", 0),
	}}
	sw := &mockSweeper{pending: map[string]bool{"running": true, "legacy": true}}
	sched := newTestScheduler(t, rows, sw, &mockPurger{}, Config{})

	n, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"running", "queued", "legacy"}, sw.calls)
}

func TestSweep_PagesAndSkipsFailures(t *testing.T) {
	rows := &mockSummaries{}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		rows.rows = append(rows.rows, summary(id, schema.ExecutionStatusRunning, 0))
	}
	sw := &mockSweeper{fail: map[string]bool{"c": true}}
	sched := newTestScheduler(t, rows, sw, &mockPurger{}, Config{PageSize: 2})

	n, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, sw.calls)
}

func TestSweep_ListError(t *testing.T) {
	sched := newTestScheduler(t, &mockSummaries{err: errors.New("db gone")}, &mockSweeper{}, &mockPurger{}, Config{})
	_, err := sched.Sweep(context.Background())
	assert.ErrorContains(t, err, "db gone")
}

func TestCleanup_DeletesExpiredOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	retention := 24 * time.Hour
	cutoff := now.Add(-retention).UnixMilli()
	rows := &mockSummaries{rows: []*store.PipelineExecutionSummary{
		summary("old", schema.ExecutionStatusSuccess, cutoff-1000),
		summary("older", schema.ExecutionStatusFailed, cutoff-5000),
		summary("recent", schema.ExecutionStatusSuccess, cutoff+1000),
		summary("running", schema.ExecutionStatusRunning, 0),
	}}
	pg := &mockPurger{}
	sched := newTestScheduler(t, rows, &mockSweeper{}, pg, Config{Retention: retention})
	sched.now = func() time.Time { return now }

	n, err := sched.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pg.deleted, 1)
	assert.ElementsMatch(t, []string{"old", "older"}, pg.deleted[0])

	// An hour later "recent" has expired too; nothing is deleted twice.
	now = now.Add(time.Hour)
	n, err = sched.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pg.deleted, 2)
	assert.Equal(t, []string{"recent"}, pg.deleted[1])

	n, err = sched.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, pg.deleted, 2)
}

func TestTick_RunsDueJobsAndReschedules(t *testing.T) {
	rows := &mockSummaries{rows: []*store.PipelineExecutionSummary{summary("a", schema.ExecutionStatusRunning, 0)}}
	sw := &mockSweeper{}
	sched := newTestScheduler(t, rows, sw, &mockPurger{}, Config{SweepSchedule: "0 * * * *"})
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	sched.tick(context.Background())
	assert.Equal(t, 1, sw.callCount())

	// Not due again until the top of the hour.
	sched.tick(context.Background())
	assert.Equal(t, 1, sw.callCount())

	jobs := sched.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, JobSweep, jobs[0].Name)
	assert.Equal(t, "success", jobs[0].LastRunStatus)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), jobs[0].NextRunAt)

	now = now.Add(31 * time.Minute)
	sched.tick(context.Background())
	assert.Equal(t, 2, sw.callCount())
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	rows := &mockSummaries{rows: []*store.PipelineExecutionSummary{summary("a", schema.ExecutionStatusRunning, 0)}}
	sw := &mockSweeper{}
	sched := newTestScheduler(t, rows, sw, &mockPurger{}, Config{})

	// Pre-acquire the job to simulate an in-flight sweep.
	assert.True(t, sched.tryAcquire(JobSweep))

	sched.tick(context.Background())
	assert.Equal(t, 0, sw.callCount())

	_, err := sched.RunNow(context.Background(), JobSweep)
	assert.ErrorContains(t, err, "already running")

	sched.releaseJob(JobSweep)
	n, err := sched.RunNow(context.Background(), JobSweep)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = sched.RunNow(context.Background(), "compact")
	assert.ErrorContains(t, err, "unknown job")
}

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(t, &mockSummaries{}, &mockSweeper{}, &mockPurger{}, Config{})
	from := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 10, 35, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid", from)
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(t, &mockSummaries{}, &mockSweeper{}, &mockPurger{}, Config{Tick: time.Hour})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}
