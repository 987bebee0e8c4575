package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/instrument/internal/config"
	"github.com/ongoingai/instrument/internal/logging"
	"github.com/ongoingai/instrument/internal/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ongoingai/instrument"

// Runtime owns the OpenTelemetry providers and the instruments fed by
// measured operations, stopped traces, and the event writer.
type Runtime struct {
	enabled        bool
	logger         *slog.Logger
	meter          metric.Meter
	tracerProvider oteltrace.TracerProvider

	outcomeCounter       metric.Int64Counter
	attemptsHistogram    metric.Int64Histogram
	durationHistogram    metric.Float64Histogram
	eventCounter         metric.Int64Counter
	reportDroppedCounter metric.Int64Counter
	writeFailedCounter   metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and the runtime instruments. A
// disabled config yields a Runtime whose hooks are no-ops.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger = logging.OrDiscard(logger)

	if !cfg.Enabled {
		return &Runtime{logger: logger}, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme decides transport security.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	var shutdownFns []func(context.Context) error
	shutdownPartial := func() {
		for i := len(shutdownFns) - 1; i >= 0; i-- {
			_ = shutdownFns[i](context.Background())
		}
	}

	if cfg.TracesEnabled {
		traceOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newRedactingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		shutdownFns = append(shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricOpts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			shutdownPartial()
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		shutdownFns = append(shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	runtime := newRuntime(otel.GetTracerProvider(), otel.GetMeterProvider(), logger)
	runtime.shutdownFns = shutdownFns

	logger.Info(
		"opentelemetry enabled",
		"otel_endpoint", otlpEndpoint,
		"otel_traces_enabled", cfg.TracesEnabled,
		"otel_metrics_enabled", cfg.MetricsEnabled,
		"otel_sampling_ratio", cfg.SamplingRatio,
	)
	return runtime, nil
}

// newRuntime builds an enabled Runtime over the given providers.
func newRuntime(tp oteltrace.TracerProvider, mp metric.MeterProvider, logger *slog.Logger) *Runtime {
	r := &Runtime{
		enabled:        true,
		logger:         logging.OrDiscard(logger),
		meter:          mp.Meter(instrumentationName),
		tracerProvider: tp,
	}

	r.outcomeCounter = r.int64Counter("instrument.operation.outcomes",
		"Measured operations by outcome and error kind.")
	r.attemptsHistogram = r.int64Histogram("instrument.operation.attempts",
		"Attempts made per measured operation.")
	r.durationHistogram = r.float64Histogram("instrument.operation.duration",
		"Wall time of measured operations, including retry waits.", "ms")
	r.eventCounter = r.int64Counter("instrument.trace.events",
		"Stopped trace events handed to reporters.")
	r.reportDroppedCounter = r.int64Counter("instrument.trace.report_dropped",
		"Trace events dropped because the writer queue was full.")
	r.writeFailedCounter = r.int64Counter("instrument.trace.write_failed",
		"Trace events lost after event store write failures.")
	return r
}

func (r *Runtime) warnInstrument(name string, err error) {
	r.logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
}

func (r *Runtime) int64Counter(name, description string) metric.Int64Counter {
	c, err := r.meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		r.warnInstrument(name, err)
		return nil
	}
	return c
}

func (r *Runtime) int64Histogram(name, description string) metric.Int64Histogram {
	h, err := r.meter.Int64Histogram(name, metric.WithDescription(description))
	if err != nil {
		r.warnInstrument(name, err)
		return nil
	}
	return h
}

func (r *Runtime) float64Histogram(name, description, unit string) metric.Float64Histogram {
	h, err := r.meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil {
		r.warnInstrument(name, err)
		return nil
	}
	return h
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// TracerProvider returns the provider spans should be started from. It falls
// back to the global provider when the runtime is disabled.
func (r *Runtime) TracerProvider() oteltrace.TracerProvider {
	if !r.Enabled() || r.tracerProvider == nil {
		return otel.GetTracerProvider()
	}
	return r.tracerProvider
}

// RegisterActiveTraces exports count as the instrument.trace.active gauge.
func (r *Runtime) RegisterActiveTraces(count func() int) error {
	if !r.Enabled() || count == nil {
		return nil
	}
	_, err := r.meter.Int64ObservableGauge(
		"instrument.trace.active",
		metric.WithDescription("Traces started but not yet stopped."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("register active traces gauge: %w", err)
	}
	return nil
}

// RecordOutcome records one finished measured operation. kind is empty on
// success.
func (r *Runtime) RecordOutcome(ctx context.Context, name, outcome, kind string, attempts int, duration time.Duration) {
	if !r.Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	op := attribute.String("operation", name)
	if r.outcomeCounter != nil {
		attrs := []attribute.KeyValue{op, attribute.String("outcome", outcome)}
		if kind != "" {
			attrs = append(attrs, attribute.String("error_kind", kind))
		}
		r.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if r.attemptsHistogram != nil && attempts > 0 {
		r.attemptsHistogram.Record(ctx, int64(attempts), metric.WithAttributes(op))
	}
	if r.durationHistogram != nil {
		r.durationHistogram.Record(ctx, float64(duration)/float64(time.Millisecond),
			metric.WithAttributes(op, attribute.String("outcome", outcome)))
	}
}

// Report counts a stopped trace event. It satisfies trace.Reporter.
func (r *Runtime) Report(ctx context.Context, event trace.Event) error {
	if !r.Enabled() || r.eventCounter == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.eventCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trace_name", event.Name),
		attribute.String("platform", event.Platform),
	))
	return nil
}

// RecordReportDrop counts an event the writer rejected. It matches
// trace.DropHandler.
func (r *Runtime) RecordReportDrop(event trace.Event) {
	if !r.Enabled() || r.reportDroppedCounter == nil {
		return
	}
	r.reportDroppedCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("trace_name", event.Name)))
}

// RecordWriteFailure counts events lost to a store write failure. It matches
// trace.WriteFailureHandler.
func (r *Runtime) RecordWriteFailure(failure trace.WriteFailure) {
	if !r.Enabled() || failure.FailedCount <= 0 || r.writeFailedCounter == nil {
		return
	}
	r.writeFailedCounter.Add(
		context.Background(),
		int64(failure.FailedCount),
		metric.WithAttributes(
			attribute.String("operation", strings.TrimSpace(failure.Operation)),
			attribute.String("error_class", failure.ErrorClass),
		),
	)
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"instrument.server",
		otelhttp.WithTracerProvider(r.TracerProvider()),
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return normalizedMethod(req.Method) + " " + serverRoute(req.URL.Path)
		}),
	)
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithTracerProvider(r.TracerProvider()),
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return "probe " + normalizedMethod(req.Method) + " " + req.URL.Host
		}),
	)
}

// Shutdown flushes and stops OpenTelemetry providers in reverse order.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

// serverRoute keeps span names low-cardinality.
func serverRoute(path string) string {
	switch path {
	case "/metrics", "/healthz":
		return path
	default:
		return "/other"
	}
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}
