package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type syncIDCtxKey struct{}
type repoCtxKey struct{}
type toolCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SyncIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("sync.id", id))
	}
	if repo, ok := ctx.Value(repoCtxKey{}).(string); ok && repo != "" {
		fields = append(fields, zap.String("repo", repo))
	}
	if tool, ok := ctx.Value(toolCtxKey{}).(string); ok && tool != "" {
		fields = append(fields, zap.String("tool", tool))
	}
	return fields
}

// WithSyncID tags the context with the id of the current save/sync run.
func WithSyncID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, syncIDCtxKey{}, id)
}

// SyncIDFromContext returns the run id, or "".
func SyncIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(syncIDCtxKey{}).(string)
	return id
}

// WithRepo tags the context with the repository root being processed.
func WithRepo(ctx context.Context, root string) context.Context {
	return context.WithValue(ctx, repoCtxKey{}, root)
}

// WithTool tags the context with the extractor currently running.
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, toolCtxKey{}, tool)
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
