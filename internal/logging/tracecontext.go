package logging

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// traceContextHandler stamps trace_id and span_id on records logged with a
// context that carries a recording span.
type traceContextHandler struct {
	inner slog.Handler
}

// WithTraceContext wraps inner so records logged through the *Context
// methods carry the active span's identifiers.
func WithTraceContext(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.DiscardHandler
	}
	if _, ok := inner.(*traceContextHandler); ok {
		return inner
	}
	return &traceContextHandler{inner: inner}
}

func (h *traceContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if span := oteltrace.SpanFromContext(ctx); span.IsRecording() {
		if sc := span.SpanContext(); sc.IsValid() {
			record.AddAttrs(
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceContextHandler) WithGroup(name string) slog.Handler {
	return &traceContextHandler{inner: h.inner.WithGroup(name)}
}
