package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	nodeExecutionIDKey
	cycleIDKey
)

// correlationFields lists the context keys copied onto log records, in output order.
var correlationFields = []struct {
	key  ctxKey
	attr string
}{
	{executionIDKey, "execution_id"},
	{nodeExecutionIDKey, "node_execution_id"},
	{cycleIDKey, "cycle_id"},
}

// WithExecutionID tags ctx with the plan execution being processed.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithNodeExecutionID tags ctx with the node execution an event refers to.
func WithNodeExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeExecutionIDKey, id)
}

// WithCycleID tags ctx with one update cycle (lock, fold, write).
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey, id)
}

// ExecutionID returns the execution id on ctx, or "".
func ExecutionID(ctx context.Context) string { return value(ctx, executionIDKey) }

// NodeExecutionID returns the node execution id on ctx, or "".
func NodeExecutionID(ctx context.Context) string { return value(ctx, nodeExecutionIDKey) }

// CycleID returns the update cycle id on ctx, or "".
func CycleID(ctx context.Context) string { return value(ctx, cycleIDKey) }

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// attrs returns the non-empty correlation ids on ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, f := range correlationFields {
		if v := value(ctx, f.key); v != "" {
			out = append(out, slog.String(f.attr, v))
		}
	}
	return out
}

// LogWith returns logger with the correlation ids of ctx attached.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler injects the correlation ids of the record's context
// into every record, so callers only need logger.InfoContext(ctx, ...).
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
