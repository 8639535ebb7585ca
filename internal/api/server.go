package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/execgraph/internal/engine"
	"github.com/rendis/execgraph/internal/query"
	"github.com/rendis/execgraph/internal/scheduler"
	"github.com/rendis/execgraph/internal/store"
	"github.com/rendis/execgraph/internal/streaming"
)

const shutdownTimeout = 10 * time.Second

// UpdateTrigger publishes an update trigger when an execution has work
// pending. Satisfied by engine.Publisher.
type UpdateTrigger interface {
	SendUpdateEventIfAny(ctx context.Context, executionID string) (bool, error)
}

// JobRunner exposes the maintenance jobs. Satisfied by scheduler.Scheduler.
type JobRunner interface {
	Jobs() []scheduler.JobStatus
	RunNow(ctx context.Context, name string) (int, error)
}

// Deps holds the dependencies for the API server. Query is required; the
// remaining collaborators disable their routes' features when nil.
type Deps struct {
	Query    *query.Service
	Events   *store.EventLog
	Trigger  UpdateTrigger
	Hub      streaming.EventHub
	Tracker  *engine.StateTracker
	Breakers *engine.CircuitBreakerRegistry
	Jobs     JobRunner
	// DiagramBinDir is searched for the mermaid-ascii binary.
	DiagramBinDir string
	Logger        *slog.Logger
}

// Server serves the HTTP read API over graphs and execution summaries.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps, logger: deps.Logger}
}

// Handler returns the router for all API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/executions", s.handleListExecutions)
		r.Route("/executions/{id}", func(r chi.Router) {
			r.Get("/summary", s.handleSummary)
			r.Get("/graph", s.handleGraph)
			r.Get("/diagram", s.handleDiagram)
			r.Get("/updater", s.handleUpdater)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/events", s.handleAppendEvent)
		})
		r.Get("/stream", s.handleStream)
		r.Get("/scheduler/jobs", s.handleJobs)
		r.Post("/scheduler/jobs/{name}/run", s.handleRunJob)
	})
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "api request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
