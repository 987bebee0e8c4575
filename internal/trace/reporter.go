package trace

import (
	"context"
	"errors"
	"log/slog"
)

// Reporter receives completed trace events. Calls are fire-and-forget: the
// registry logs a returned error and never retries. Implementations must not
// block.
type Reporter interface {
	Report(ctx context.Context, event Event) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, event Event) error

func (f ReporterFunc) Report(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// MultiReporter fans an event out to every non-nil reporter and joins their
// errors.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, event Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewMultiReporter drops nil entries and collapses a single reporter.
func NewMultiReporter(reporters ...Reporter) Reporter {
	kept := make(MultiReporter, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			kept = append(kept, r)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return kept
	}
}

// LogReporter writes each event as one structured log line.
type LogReporter struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (l LogReporter) Report(ctx context.Context, event Event) error {
	if l.Logger == nil {
		return nil
	}
	attrs := []slog.Attr{
		slog.String("trace_id", event.ID),
		slog.String("trace_name", event.Name),
		slog.Float64("duration_ms", event.DurationMS()),
		slog.String("status", event.Status.String()),
	}
	if event.Platform != "" {
		attrs = append(attrs, slog.String("platform", event.Platform))
	}
	for _, m := range event.Metrics {
		attrs = append(attrs, slog.Float64("metric."+m.Name, m.Value))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, slog.String("attr."+k, v))
	}
	l.Logger.LogAttrs(ctx, l.Level, "trace stopped", attrs...)
	return nil
}
