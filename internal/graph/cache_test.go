package graph

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/execgraph/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *store.LibSQLStore) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return NewCache(s, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func TestCache_MissReturnsNil(t *testing.T) {
	c, _ := newTestCache(t)
	g, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestCache_UpsertThenGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	g := baseGraph(t, node("A", "", ""), node("B", "A", ""))
	g.LastUpdatedAt = 100

	written, err := c.Upsert(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, int64(1), written.CacheContextOrder)

	got, err := c.Get(ctx, "exec")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(100), got.LastUpdatedAt)
	assert.Equal(t, []string{"A"}, got.RootNodeIDs)
	assert.Equal(t, []string{"B"}, got.Children("A"))

	fromSecondary, err := c.GetFromSecondary(ctx, "exec")
	require.NoError(t, err)
	assert.Equal(t, got, fromSecondary)
}

func TestCache_UpsertWithWatermark(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	g := baseGraph(t, node("A", "", ""))
	g.LastUpdatedAt = 100
	_, err := c.Upsert(ctx, g)
	require.NoError(t, err)

	applied, err := c.UpsertWithWatermark(ctx, g, 105)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := c.Get(ctx, "exec")
	require.NoError(t, err)
	assert.Equal(t, int64(105), got.LastUpdatedAt)

	applied, err = c.UpsertWithWatermark(ctx, g, 101)
	require.NoError(t, err)
	assert.False(t, applied, "older watermark is rejected")

	got, err = c.Get(ctx, "exec")
	require.NoError(t, err)
	assert.Equal(t, int64(105), got.LastUpdatedAt, "watermark never moves backwards")
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, s.PutCacheEntry(ctx, &store.CacheEntry{
		Key: c.Key("exec"), Value: []byte("{not json"), ExpiresAt: time.Now().Add(time.Hour),
	}))

	g, err := c.Get(ctx, "exec")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestCache_Delete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	for _, id := range []string{"e1", "e2"} {
		_, err := c.Upsert(ctx, &OrchestrationGraph{PlanExecutionID: id})
		require.NoError(t, err)
	}
	require.NoError(t, c.Delete(ctx, "e1"))

	g, err := c.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, g)
	g, err = c.Get(ctx, "e2")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.NotNil(t, g.AdjacencyList)
	assert.NotNil(t, g.RootNodeIDs)
}

func TestCache_KeyIncludesStructuralHash(t *testing.T) {
	c, _ := newTestCache(t)
	key := c.Key("exec")
	assert.True(t, strings.HasPrefix(key, "OrchestrationGraph-"))
	assert.True(t, strings.HasSuffix(key, "/exec"))

	type other struct{ A int }
	assert.NotEqual(t, structuralHash(reflect.TypeOf(OrchestrationGraph{})), structuralHash(reflect.TypeOf(other{})))
	assert.Equal(t, structuralHash(reflect.TypeOf(OrchestrationGraph{})), structuralHash(reflect.TypeOf(OrchestrationGraph{})))
}
