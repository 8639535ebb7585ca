package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/execgraph/internal/api"
	"github.com/rendis/execgraph/internal/engine"
	"github.com/rendis/execgraph/internal/expressions"
	"github.com/rendis/execgraph/internal/graph"
	"github.com/rendis/execgraph/internal/lock"
	"github.com/rendis/execgraph/internal/projection"
	"github.com/rendis/execgraph/internal/query"
	"github.com/rendis/execgraph/internal/scheduler"
	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/internal/streaming"
	"github.com/rendis/execgraph/internal/validation"
	mcpserver "github.com/rendis/execgraph/pkg/mcp"
)

// app is the wired engine: storage, update pipeline, maintenance jobs and
// the read surfaces.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	lockDB    *sql.DB // postgres lock pool, nil for other backends
	hub       *streaming.MemoryHub
	service   engine.GraphService
	consumer  *engine.Consumer
	scheduler *scheduler.Scheduler
	api       *api.Server
	mcp       *mcpserver.Server
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var opts []store.Option
	if cfg.ReplicaPath != "" {
		opts = append(opts, store.WithReadReplica("file:"+cfg.ReplicaPath))
	}
	st, err := store.NewLibSQLStore("file:"+cfg.DBPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: st}
	if err := st.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	locks, err := a.lockProvider(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("cel: %w", err)
	}
	projector, err := projection.NewUpdater(cel, cfg.ProjectionRule)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("projection rule: %w", err)
	}
	validator, err := validation.NewEventValidator(nil)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("event validator: %w", err)
	}

	a.hub = streaming.NewMemoryHub()
	tracker := engine.NewStateTracker()
	cache := graph.NewCache(st, time.Duration(cfg.CacheTTL), logger)
	publisher := engine.NewPublisher(st, st, cache, streaming.NewTrigger(a.hub), logger)
	a.service = engine.NewGraphService(st, cache, locks, projector, engine.GraphServiceConfig{
		BatchSize: cfg.BatchSize,
		LockLease: time.Duration(cfg.LockLease),
		LockWait:  time.Duration(cfg.LockWait),
		Publisher: publisher,
		Hub:       a.hub,
		Tracker:   tracker,
		Logger:    logger,
	})
	a.consumer = engine.NewConsumer(a.hub, a.service, tracker, engine.ConsumerConfig{PoolSize: cfg.PoolSize}, logger)

	a.scheduler, err = scheduler.NewScheduler(st, publisher, a.service, scheduler.Config{
		SweepSchedule:   cfg.SweepSchedule,
		CleanupSchedule: cfg.CleanupSchedule,
		Retention:       time.Duration(cfg.Retention),
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	q := query.NewService(a.service, st, expressions.NewGoJQEngine(), expressions.NewExprEngine())
	a.api = api.NewServer(api.Deps{
		Query:         q,
		Events:        store.NewEventLog(st, validator),
		Trigger:       publisher,
		Hub:           a.hub,
		Tracker:       tracker,
		Breakers:      a.consumer.Breakers(),
		Jobs:          a.scheduler,
		DiagramBinDir: binDir(),
		Logger:        logger,
	})
	a.mcp = mcpserver.NewServer(mcpserver.ServerDeps{
		Query:         q,
		Hub:           a.hub,
		DiagramBinDir: binDir(),
		Version:       buildVersion(),
		Logger:        logger,
	})
	return a, nil
}

func (a *app) lockProvider(ctx context.Context) (lock.Provider, error) {
	switch a.cfg.LockBackend {
	case lockBackendMemory:
		return lock.NewMemoryProvider(), nil
	case lockBackendPostgres:
		db, err := lock.OpenPostgres(ctx, lock.DefaultPostgresConfig(a.cfg.PostgresURL))
		if err != nil {
			return nil, fmt.Errorf("postgres locks: %w", err)
		}
		a.lockDB = db
		return lock.NewPostgresProvider(db), nil
	default:
		return lock.NewLibSQLProvider(a.store.DB()), nil
	}
}

// Start launches the consumer, the maintenance scheduler and the MCP
// notification loop.
func (a *app) Start(ctx context.Context) error {
	if err := a.consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		a.consumer.Stop()
		return fmt.Errorf("start scheduler: %w", err)
	}
	go func() {
		if err := a.mcp.Run(ctx); err != nil {
			a.logger.Error("mcp notifications stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Handler returns the HTTP surface: the API, plus the streamable MCP
// endpoint under /mcp when withMCP is set.
func (a *app) Handler(withMCP bool) http.Handler {
	r := chi.NewRouter()
	if withMCP {
		r.Handle("/mcp", a.mcp.HTTPHandler())
	}
	r.Mount("/", a.api.Handler())
	return r
}

// Close stops background work and releases storage handles.
func (a *app) Close() {
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.consumer != nil {
		a.consumer.Stop()
	}
	var errs []error
	if a.lockDB != nil {
		errs = append(errs, a.lockDB.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("close", slog.String("error", err.Error()))
	}
}
