// Package logging carries execution correlation ids through contexts and
// injects them into slog records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey struct{}

// IDs are the correlation ids attached to a context.
type IDs struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	UserID      string
}

// Attrs returns the non-empty ids as slog attributes.
func (ids IDs) Attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 4)
	for _, kv := range [...]struct{ key, val string }{
		{"execution_id", ids.ExecutionID},
		{"workflow_id", ids.WorkflowID},
		{"node_id", ids.NodeID},
		{"user_id", ids.UserID},
	} {
		if kv.val != "" {
			attrs = append(attrs, slog.String(kv.key, kv.val))
		}
	}
	return attrs
}

// FromContext returns the ids stored on ctx, zero if none.
func FromContext(ctx context.Context) IDs {
	ids, _ := ctx.Value(ctxKey{}).(IDs)
	return ids
}

// WithIDs replaces the ids stored on ctx.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, ctxKey{}, ids)
}

// WithExecution tags ctx with the ids of one workflow execution.
func WithExecution(ctx context.Context, executionID, workflowID, userID string) context.Context {
	ids := FromContext(ctx)
	ids.ExecutionID = executionID
	ids.WorkflowID = workflowID
	ids.UserID = userID
	return WithIDs(ctx, ids)
}

// WithNode tags ctx with the node currently executing.
func WithNode(ctx context.Context, nodeID string) context.Context {
	ids := FromContext(ctx)
	ids.NodeID = nodeID
	return WithIDs(ctx, ids)
}

// CorrelationHandler wraps an slog.Handler and appends the context's
// correlation ids to every record, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(FromContext(ctx).Attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: a text or JSON handler on w at level,
// wrapped in a CorrelationHandler.
func New(w io.Writer, level string, json bool) *slog.Logger {
	return NewLeveled(w, ParseLevel(level), json)
}

// NewLeveled is New with a caller-owned level, typically a *slog.LevelVar
// adjusted at run time.
func NewLeveled(w io.Writer, level slog.Leveler, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if json {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
