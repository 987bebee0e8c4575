package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// redactingExporter strips credentials from span attributes, event
// attributes, and status descriptions before handing spans to the wrapped
// exporter.
type redactingExporter struct {
	next sdktrace.SpanExporter
}

func newRedactingExporter(next sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &redactingExporter{next: next}
}

func (e *redactingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		out[i] = redactSpan(span)
	}
	return e.next.ExportSpans(ctx, out)
}

func (e *redactingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

func redactSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	dirty := HasSecret(span.Status().Description) || attributesHaveSecret(span.Attributes())
	for _, event := range span.Events() {
		dirty = dirty || attributesHaveSecret(event.Attributes)
	}
	if !dirty {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = redactAttributes(stub.Attributes)
	for i := range stub.Events {
		stub.Events[i].Attributes = redactAttributes(stub.Events[i].Attributes)
	}
	stub.Status.Description = RedactSecrets(stub.Status.Description)
	return stub.Snapshot()
}

func attributesHaveSecret(attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		if kv.Value.Type() == attribute.STRING && HasSecret(kv.Value.AsString()) {
			return true
		}
	}
	return false
}

func redactAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, kv := range attrs {
		if kv.Value.Type() == attribute.STRING {
			kv = kv.Key.String(RedactSecrets(kv.Value.AsString()))
		}
		out[i] = kv
	}
	return out
}
