package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/execgraph/internal/store"
)

// DefaultCacheTTL is how long a cached graph lives without being rewritten.
const DefaultCacheTTL = 24 * time.Hour

// Cache stores serialized graphs keyed by the structural hash of
// OrchestrationGraph and the execution id. A change to the graph's shape
// changes every key, so stale encodings are never decoded.
type Cache struct {
	store  store.GraphCacheStore
	ttl    time.Duration
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// NewCache creates a graph cache. A non-positive ttl uses DefaultCacheTTL.
func NewCache(s store.GraphCacheStore, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		store:  s,
		ttl:    ttl,
		prefix: structuralHash(reflect.TypeOf(OrchestrationGraph{})),
		now:    time.Now,
		logger: logger,
	}
}

// Key returns the cache key for an execution.
func (c *Cache) Key(executionID string) string {
	return c.prefix + "/" + executionID
}

// Get reads from the primary. Missing, expired and undecodable entries return nil.
func (c *Cache) Get(ctx context.Context, executionID string) (*OrchestrationGraph, error) {
	entry, err := c.store.GetCacheEntry(ctx, c.Key(executionID))
	if err != nil {
		return nil, fmt.Errorf("read cached graph %s: %w", executionID, err)
	}
	return c.decode(ctx, executionID, entry), nil
}

// GetFromSecondary reads from the read replica when one is configured.
func (c *Cache) GetFromSecondary(ctx context.Context, executionID string) (*OrchestrationGraph, error) {
	entry, err := c.store.GetCacheEntryFromSecondary(ctx, c.Key(executionID))
	if err != nil {
		return nil, fmt.Errorf("read cached graph %s from secondary: %w", executionID, err)
	}
	return c.decode(ctx, executionID, entry), nil
}

// Upsert unconditionally replaces the cached graph and bumps its version.
func (c *Cache) Upsert(ctx context.Context, g *OrchestrationGraph) (*OrchestrationGraph, error) {
	out := g.Clone()
	out.CacheContextOrder++
	entry, err := c.encode(out)
	if err != nil {
		return nil, err
	}
	if err := c.store.PutCacheEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("write cached graph %s: %w", g.PlanExecutionID, err)
	}
	return out, nil
}

// UpsertWithWatermark writes g with the given watermark unless the stored
// watermark is already newer. A rejected write is not an error: it means
// another writer advanced the graph first.
func (c *Cache) UpsertWithWatermark(ctx context.Context, g *OrchestrationGraph, watermark int64) (bool, error) {
	out := g.Clone()
	out.LastUpdatedAt = watermark
	out.CacheContextOrder++
	entry, err := c.encode(out)
	if err != nil {
		return false, err
	}
	applied, err := c.store.PutCacheEntryIfNewer(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("write cached graph %s: %w", g.PlanExecutionID, err)
	}
	return applied, nil
}

// Delete removes the cached graphs of the given executions.
func (c *Cache) Delete(ctx context.Context, executionIDs ...string) error {
	keys := make([]string, len(executionIDs))
	for i, id := range executionIDs {
		keys[i] = c.Key(id)
	}
	return c.store.DeleteCacheEntries(ctx, keys)
}

func (c *Cache) encode(g *OrchestrationGraph) (*store.CacheEntry, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode graph %s: %w", g.PlanExecutionID, err)
	}
	return &store.CacheEntry{
		Key:       c.Key(g.PlanExecutionID),
		Value:     b,
		Watermark: g.LastUpdatedAt,
		ExpiresAt: c.now().Add(c.ttl),
	}, nil
}

func (c *Cache) decode(ctx context.Context, executionID string, entry *store.CacheEntry) *OrchestrationGraph {
	if entry == nil {
		return nil
	}
	g := &OrchestrationGraph{}
	if err := json.Unmarshal(entry.Value, g); err != nil {
		c.logger.WarnContext(ctx, "discarding undecodable cached graph",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if g.AdjacencyList == nil {
		g.AdjacencyList = NewAdjacencyList()
	}
	if g.RootNodeIDs == nil {
		g.RootNodeIDs = []string{}
	}
	return g
}

// structuralHash fingerprints a type by its field names and kinds.
func structuralHash(t reflect.Type) string {
	var b strings.Builder
	writeShape(&b, t, map[reflect.Type]bool{})
	h := fnv.New64a()
	_, _ = h.Write([]byte(b.String()))
	return t.Name() + "-" + strconv.FormatUint(h.Sum64(), 36)
}

func writeShape(b *strings.Builder, t reflect.Type, seen map[reflect.Type]bool) {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Map {
		b.WriteString(t.Kind().String())
		if t.Kind() == reflect.Map {
			writeShape(b, t.Key(), seen)
		}
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		b.WriteString(t.Kind().String())
		return
	}
	if seen[t] {
		b.WriteString(t.Name())
		return
	}
	seen[t] = true
	b.WriteString("{")
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		b.WriteString(f.Name)
		b.WriteString(":")
		writeShape(b, f.Type, seen)
		b.WriteString(";")
	}
	b.WriteString("}")
}
