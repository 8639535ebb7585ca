package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	inner := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewCorrelationHandler(inner))
}

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ExecutionID(ctx))
	assert.Empty(t, NodeExecutionID(ctx))
	assert.Empty(t, CycleID(ctx))

	ctx = WithCycleID(WithNodeExecutionID(WithExecutionID(ctx, "exec-1"), "node-1"), "cycle-1")
	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "node-1", NodeExecutionID(ctx))
	assert.Equal(t, "cycle-1", CycleID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithCycleID(WithExecutionID(context.Background(), "exec-abc"), "c-9")
	LogWith(ctx, logger).Info("folded batch")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-abc")
	assert.Contains(t, out, "cycle_id=c-9")
	assert.NotContains(t, out, "node_execution_id")
	assert.Contains(t, out, "folded batch")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	LogWith(context.Background(), logger).Info("no context")

	out := buf.String()
	assert.NotContains(t, out, "execution_id")
	assert.NotContains(t, out, "cycle_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf)

	ctx := WithNodeExecutionID(WithExecutionID(context.Background(), "exec-auto"), "node-auto")
	logger.InfoContext(ctx, "auto inject")

	out := buf.String()
	assert.Contains(t, out, `"execution_id":"exec-auto"`)
	assert.Contains(t, out, `"node_execution_id":"node-auto"`)
	assert.NotContains(t, out, "cycle_id")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	jsonLogger(&buf).InfoContext(context.Background(), "bare log")

	out := buf.String()
	assert.NotContains(t, out, "execution_id")
	assert.Contains(t, out, "bare log")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "graph")}))

	logger.InfoContext(WithExecutionID(context.Background(), "exec-attr"), "with attrs")
	out := buf.String()
	assert.Contains(t, out, `"execution_id":"exec-attr"`)
	assert.Contains(t, out, `"component":"graph"`)

	buf.Reset()
	grouped := slog.New(handler.WithGroup("consumer"))
	grouped.InfoContext(WithExecutionID(context.Background(), "exec-grp"), "grouped", "key", "val")
	assert.Contains(t, buf.String(), "exec-grp")
}
