package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/execgraph/internal/store"
)

const (
	JobSweep   = "sweep"
	JobCleanup = "cleanup"

	DefaultSweepSchedule   = "*/5 * * * *"
	DefaultCleanupSchedule = "17 3 * * *"
	DefaultRetention       = 30 * 24 * time.Hour

	defaultTick     = 30 * time.Second
	defaultPageSize = 200
)

// Sweeper re-triggers graph updates. Satisfied by engine.Publisher.
type Sweeper interface {
	SendUpdateEventIfAny(ctx context.Context, executionID string) (bool, error)
}

// Purger deletes derived execution data. Satisfied by engine.GraphService.
type Purger interface {
	DeleteExecutionData(ctx context.Context, executionIDs []string) error
}

// Config holds the cron expressions and limits of the maintenance jobs.
type Config struct {
	SweepSchedule   string
	CleanupSchedule string
	Retention       time.Duration
	Tick            time.Duration
	PageSize        int
}

type job struct {
	name     string
	schedule cron.Schedule
	nextRun  time.Time
	lastRun  time.Time
	status   string
	run      func(ctx context.Context) (int, error)
}

// JobStatus is a snapshot of one maintenance job.
type JobStatus struct {
	Name          string    `json:"name"`
	NextRunAt     time.Time `json:"next_run_at"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string    `json:"last_run_status,omitempty"`
}

// Scheduler runs the periodic sweep over non-final executions and the
// retention cleanup.
type Scheduler struct {
	summaries store.SummaryRepository
	sweeper   Sweeper
	purger    Purger
	parser    cron.Parser
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	jobsMu        sync.Mutex
	jobs          []*job
	purgedThrough int64

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a Scheduler. Empty schedules and non-positive limits
// take the package defaults.
func NewScheduler(summaries store.SummaryRepository, sweeper Sweeper, purger Purger, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = DefaultCleanupSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	s := &Scheduler{
		summaries: summaries,
		sweeper:   sweeper,
		purger:    purger,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  make(map[string]struct{}),
	}
	sweep, err := s.parser.Parse(cfg.SweepSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	cleanup, err := s.parser.Parse(cfg.CleanupSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}
	// Zero next-run times make both jobs due on the first tick.
	s.jobs = []*job{
		{name: JobSweep, schedule: sweep, run: s.Sweep},
		{name: JobCleanup, schedule: cleanup, run: s.Cleanup},
	}
	return s, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started",
		slog.String("sweep", s.cfg.SweepSchedule),
		slog.String("cleanup", s.cfg.CleanupSchedule),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.jobsMu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
		}
	}
	s.jobsMu.Unlock()

	for _, j := range due {
		if !s.tryAcquire(j.name) {
			continue
		}
		s.runJob(ctx, j, now)
		s.releaseJob(j.name)
	}
}

// RunNow runs the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.jobsMu.Lock()
	var target *job
	for _, j := range s.jobs {
		if j.name == name {
			target = j
		}
	}
	s.jobsMu.Unlock()
	if target == nil {
		return 0, fmt.Errorf("unknown job %q", name)
	}
	if !s.tryAcquire(name) {
		return 0, fmt.Errorf("job %q already running", name)
	}
	defer s.releaseJob(name)
	return s.runJob(ctx, target, s.now())
}

func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) (int, error) {
	n, err := j.run(ctx)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
	} else if n > 0 {
		s.logger.Info("scheduled job finished", slog.String("job", j.name), slog.Int("executions", n))
	}

	s.jobsMu.Lock()
	j.lastRun = now
	j.status = status
	j.nextRun = j.schedule.Next(now)
	s.jobsMu.Unlock()
	return n, err
}

// Sweep publishes an update trigger for every non-final execution that still
// has work and returns how many were triggered. Triggers lost by the hub or
// dropped by an open circuit are recovered here.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	triggered := 0
	for offset := 0; ; offset += s.cfg.PageSize {
		page, err := s.summaries.ListSummaries(ctx, store.SummaryFilter{
			NonFinalOnly: true,
			Limit:        s.cfg.PageSize,
			Offset:       offset,
		})
		if err != nil {
			return triggered, fmt.Errorf("list non-final summaries: %w", err)
		}
		for _, sum := range page {
			if ctx.Err() != nil {
				return triggered, ctx.Err()
			}
			sent, err := s.sweeper.SendUpdateEventIfAny(ctx, sum.PlanExecutionID)
			if err != nil {
				s.logger.Warn("sweep trigger failed",
					slog.String("execution_id", sum.PlanExecutionID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if sent {
				triggered++
			}
		}
		if len(page) < s.cfg.PageSize {
			return triggered, nil
		}
	}
}

// Cleanup deletes the event logs and cached graphs of executions that ended
// before the retention window. Executions purged by an earlier run are skipped.
func (s *Scheduler) Cleanup(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Retention).UnixMilli()
	s.jobsMu.Lock()
	after := s.purgedThrough
	s.jobsMu.Unlock()

	var ids []string
	for offset := 0; ; offset += s.cfg.PageSize {
		page, err := s.summaries.ListSummaries(ctx, store.SummaryFilter{
			EndedBefore: cutoff,
			EndedAfter:  after,
			Limit:       s.cfg.PageSize,
			Offset:      offset,
		})
		if err != nil {
			return 0, fmt.Errorf("list expired summaries: %w", err)
		}
		for _, sum := range page {
			ids = append(ids, sum.PlanExecutionID)
		}
		if len(page) < s.cfg.PageSize {
			break
		}
	}

	if len(ids) > 0 {
		if err := s.purger.DeleteExecutionData(ctx, ids); err != nil {
			return 0, fmt.Errorf("delete expired execution data: %w", err)
		}
	}
	s.jobsMu.Lock()
	s.purgedThrough = cutoff
	s.jobsMu.Unlock()
	return len(ids), nil
}

// Jobs returns a snapshot of the maintenance jobs.
func (s *Scheduler) Jobs() []JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:          j.name,
			NextRunAt:     j.nextRun,
			LastRunAt:     j.lastRun,
			LastRunStatus: j.status,
		})
	}
	return out
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
