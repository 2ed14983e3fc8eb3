// Package trace carries a correlation id through a request so that every log
// line and notification produced on its behalf can be tied together.
package trace

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}

// GenerateID returns a fresh trace id.
func GenerateID() string {
	return "t_" + uuid.NewString()
}

// WithTraceID returns a child context carrying id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// Ensure returns ctx unchanged when it already carries a trace id, otherwise
// a child context with a new one.
func Ensure(ctx context.Context) context.Context {
	if FromContext(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, GenerateID())
}

// FromContext extracts the trace id, or "" when absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Logger returns the default logger, annotated with trace_id when ctx has one.
func Logger(ctx context.Context) *slog.Logger {
	if id := FromContext(ctx); id != "" {
		return slog.With("trace_id", id)
	}
	return slog.Default()
}
