package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"syscall"
	"time"
)

// runInstall writes settings.json from flags layered over the current
// settings, installs mermaid-ascii and then either reloads a running server
// or starts one.
func runInstall(args []string) {
	cfg := loadConfig()
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "libSQL database file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "update worker pool size")
	fs.StringVar(&cfg.LockBackend, "lock-backend", cfg.LockBackend, "graph lock backend: libsql, postgres or memory")
	fs.StringVar(&cfg.PostgresURL, "postgres-url", cfg.PostgresURL, "postgres URL for the postgres lock backend")
	fs.BoolVar(&cfg.MCP, "mcp", cfg.MCP, "serve MCP over HTTP at /mcp")
	skipTools := fs.Bool("skip-tools", false, "do not download mermaid-ascii")
	_ = fs.Parse(args)

	if err := writeSettings(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Settings written to %s\n", settingsPath())

	if !*skipTools {
		installTools()
	}

	if pid, ok := signalRunning(syscall.SIGHUP); ok {
		fmt.Printf("Reloaded running server (PID %d)\n", pid)
		return
	}
	runServe()
}

func writeSettings(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(execgraphDir(), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", execgraphDir(), err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(settingsPath(), data, 0o600)
}

// installTools installs the optional external renderers. Failures only
// degrade ASCII diagrams to the built-in renderer.
func installTools() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rel := mermaidASCIIRelease
	fmt.Printf("Installing %s %s...\n", rel.Binary, rel.Version)
	path, err := rel.Install(ctx, &http.Client{Timeout: time.Minute}, binDir(), runtime.GOOS, runtime.GOARCH)
	switch {
	case errors.Is(err, errAlreadyInstalled):
		fmt.Printf("%s already installed at %s\n", rel.Binary, path)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Warning: %v; ASCII diagrams will use the built-in renderer\n", err)
	default:
		fmt.Printf("%s installed to %s\n", rel.Binary, path)
	}
}
