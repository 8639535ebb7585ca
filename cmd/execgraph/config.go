package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/execgraph/internal/engine"
	"github.com/rendis/execgraph/internal/graph"
	"github.com/rendis/execgraph/internal/lock"
	"github.com/rendis/execgraph/internal/scheduler"
)

const (
	lockBackendLibSQL   = "libsql"
	lockBackendPostgres = "postgres"
	lockBackendMemory   = "memory"
)

// duration is a time.Duration that reads and writes "30s" style strings in
// settings.json.
type duration time.Duration

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Config holds all execgraph server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string   `json:"listen_addr"`
	DBPath          string   `json:"db_path"`
	ReplicaPath     string   `json:"replica_path,omitempty"`
	LogLevel        string   `json:"log_level"`
	PoolSize        int      `json:"pool_size"`
	BatchSize       int      `json:"batch_size"`
	LockBackend     string   `json:"lock_backend"`
	PostgresURL     string   `json:"postgres_url,omitempty"`
	LockLease       duration `json:"lock_lease"`
	LockWait        duration `json:"lock_wait"`
	CacheTTL        duration `json:"cache_ttl"`
	SweepSchedule   string   `json:"sweep_schedule"`
	CleanupSchedule string   `json:"cleanup_schedule"`
	Retention       duration `json:"retention"`
	ProjectionRule  string   `json:"projection_rule,omitempty"`
	MCP             bool     `json:"mcp"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":4200",
		DBPath:          filepath.Join(execgraphDir(), "execgraph.db"),
		LogLevel:        "info",
		PoolSize:        engine.DefaultPoolSize,
		BatchSize:       engine.DefaultBatchSize,
		LockBackend:     lockBackendLibSQL,
		LockLease:       duration(lock.DefaultLease),
		LockWait:        duration(lock.DefaultWait),
		CacheTTL:        duration(graph.DefaultCacheTTL),
		SweepSchedule:   scheduler.DefaultSweepSchedule,
		CleanupSchedule: scheduler.DefaultCleanupSchedule,
		Retention:       duration(scheduler.DefaultRetention),
		MCP:             true,
	}
}

func execgraphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".execgraph"
	}
	return filepath.Join(home, ".execgraph")
}

func settingsPath() string {
	return filepath.Join(execgraphDir(), "settings.json")
}

func binDir() string {
	return filepath.Join(execgraphDir(), "bin")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	applyEnv(&cfg, os.Getenv)
	return cfg
}

func applyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if n, err := strconv.Atoi(getenv(key)); err == nil {
			*dst = n
		}
	}
	dur := func(key string, dst *duration) {
		if d, err := time.ParseDuration(getenv(key)); err == nil {
			*dst = duration(d)
		}
	}

	str("EXECGRAPH_LISTEN_ADDR", &cfg.ListenAddr)
	str("EXECGRAPH_DB_PATH", &cfg.DBPath)
	str("EXECGRAPH_REPLICA_PATH", &cfg.ReplicaPath)
	str("EXECGRAPH_LOG_LEVEL", &cfg.LogLevel)
	num("EXECGRAPH_POOL_SIZE", &cfg.PoolSize)
	num("EXECGRAPH_BATCH_SIZE", &cfg.BatchSize)
	str("EXECGRAPH_LOCK_BACKEND", &cfg.LockBackend)
	str("EXECGRAPH_POSTGRES_URL", &cfg.PostgresURL)
	dur("EXECGRAPH_LOCK_LEASE", &cfg.LockLease)
	dur("EXECGRAPH_LOCK_WAIT", &cfg.LockWait)
	dur("EXECGRAPH_CACHE_TTL", &cfg.CacheTTL)
	str("EXECGRAPH_SWEEP_SCHEDULE", &cfg.SweepSchedule)
	str("EXECGRAPH_CLEANUP_SCHEDULE", &cfg.CleanupSchedule)
	dur("EXECGRAPH_RETENTION", &cfg.Retention)
	str("EXECGRAPH_PROJECTION_RULE", &cfg.ProjectionRule)
	if v := getenv("EXECGRAPH_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}
}

// validate rejects settings the server cannot start with.
func (c Config) validate() error {
	switch c.LockBackend {
	case lockBackendLibSQL, lockBackendMemory:
	case lockBackendPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("lock_backend %q requires postgres_url", c.LockBackend)
		}
	default:
		return fmt.Errorf("unknown lock_backend %q (want libsql, postgres or memory)", c.LockBackend)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	return nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	MCPChanged      bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.MCP != new.MCP {
		d.MCPChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"db_path", old.DBPath != new.DBPath},
		{"replica_path", old.ReplicaPath != new.ReplicaPath},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"batch_size", old.BatchSize != new.BatchSize},
		{"lock_backend", old.LockBackend != new.LockBackend},
		{"postgres_url", old.PostgresURL != new.PostgresURL},
		{"lock_lease", old.LockLease != new.LockLease},
		{"lock_wait", old.LockWait != new.LockWait},
		{"cache_ttl", old.CacheTTL != new.CacheTTL},
		{"sweep_schedule", old.SweepSchedule != new.SweepSchedule},
		{"cleanup_schedule", old.CleanupSchedule != new.CleanupSchedule},
		{"retention", old.Retention != new.Retention},
		{"projection_rule", old.ProjectionRule != new.ProjectionRule},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}

func pidPath() string {
	return filepath.Join(execgraphDir(), "execgraph.pid")
}
