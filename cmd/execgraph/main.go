// Command execgraph maintains live orchestration graphs of pipeline
// executions and serves them over HTTP and MCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/execgraph/internal/logging"
)

const usage = `usage: execgraph [command]

commands:
  serve     run the engine with the HTTP API (default)
  mcp       run the engine with MCP over stdio
  install   write settings.json and download mermaid-ascii
  version   print the version
`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe()
	case "mcp":
		runMCP()
	case "install":
		runInstall(args)
	case "version", "--version", "-v":
		fmt.Println(buildVersion())
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))
}

// runServe runs the engine and the HTTP surface until SIGINT or SIGTERM.
// SIGHUP reloads settings: log level and the MCP endpoint apply live, the
// rest is reported as needing a restart.
func runServe() {
	cfg := loadConfig()
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.LogLevel))
	logger := newLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	writePID(logger)
	defer os.Remove(pidPath())

	root := newLiveHandler(a.Handler(cfg.MCP))
	go reloadOnHUP(ctx, cfg, level, root, a, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("execgraph listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("version", buildVersion()),
			slog.Bool("mcp", cfg.MCP),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.String("error", err.Error()))
		}
	}
	logger.Info("execgraph stopped")
}

func reloadOnHUP(ctx context.Context, current Config, level *slog.LevelVar, root *liveHandler, a *app, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := loadConfig()
			d := diffConfigs(current, next)
			if d.LogLevelChanged {
				level.Set(parseLevel(next.LogLevel))
				current.LogLevel = next.LogLevel
			}
			if d.MCPChanged {
				root.Store(a.Handler(next.MCP))
				current.MCP = next.MCP
			}
			logger.Info("configuration reloaded",
				slog.Bool("mcp", current.MCP),
				slog.String("log_level", current.LogLevel),
			)
			if len(d.RestartNeeded) > 0 {
				logger.Warn("settings changed that need a restart", slog.Any("fields", d.RestartNeeded))
			}
		}
	}
}

// runMCP runs the engine with the MCP server on stdio. Logs go to stderr.
func runMCP() {
	cfg := loadConfig()
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.LogLevel))
	logger := newLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := a.mcp.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mcp stdio failed", slog.String("error", err.Error()))
	}
}
