// Package instrument ties the trace registry, the retry executor, and
// OpenTelemetry spans together around a single named operation.
package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ongoingai/instrument/internal/errclass"
	"github.com/ongoingai/instrument/internal/logging"
	"github.com/ongoingai/instrument/internal/retry"
	"github.com/ongoingai/instrument/internal/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ongoingai/instrument/internal/instrument"

// Outcomes passed to an OutcomeRecorder.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePanic   = "panic"
	// OutcomeAborted covers an operation that left its goroutine through
	// runtime.Goexit.
	OutcomeAborted = "aborted"
)

// Metric and attribute names attached to every measured trace.
const (
	MetricSuccess  = "success"
	MetricAttempts = "attempts"
	AttrErrorKind  = "error_kind"
	AttrErrorCode  = "error_code"
)

// OutcomeRecorder is told about every finished Measure call. kind is empty
// on success.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, name, outcome, kind string, attempts int, duration time.Duration)
}

// Instrumenter measures operations against one registry and executor.
type Instrumenter struct {
	registry *trace.Registry
	executor *retry.Executor
	policy   retry.Policy
	tracer   oteltrace.Tracer
	outcomes OutcomeRecorder
	logger   *slog.Logger
}

type Option func(*Instrumenter)

// WithDefaultPolicy sets the policy used when a call does not pass
// WithPolicy.
func WithDefaultPolicy(p retry.Policy) Option {
	return func(in *Instrumenter) {
		in.policy = p
	}
}

func WithTracerProvider(tp oteltrace.TracerProvider) Option {
	return func(in *Instrumenter) {
		if tp != nil {
			in.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithOutcomeRecorder(r OutcomeRecorder) Option {
	return func(in *Instrumenter) {
		in.outcomes = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(in *Instrumenter) {
		in.logger = logger
	}
}

// New returns an Instrumenter. A nil registry measures nothing; a nil
// executor gets the default one.
func New(registry *trace.Registry, executor *retry.Executor, opts ...Option) *Instrumenter {
	in := &Instrumenter{
		registry: registry,
		executor: executor,
		policy:   retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(in)
		}
	}
	in.logger = logging.OrDiscard(in.logger)
	if in.registry == nil {
		in.registry = trace.NewRegistry(trace.WithEnabled(false))
	}
	if in.executor == nil {
		in.executor = retry.NewExecutor(retry.WithLogger(in.logger))
	}
	if in.tracer == nil {
		in.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	return in
}

func (in *Instrumenter) Registry() *trace.Registry {
	return in.registry
}

type callConfig struct {
	policy retry.Policy
}

// CallOption tunes a single Measure or Run call.
type CallOption func(*callConfig)

// WithPolicy overrides the Instrumenter's default policy for one call.
func WithPolicy(p retry.Policy) CallOption {
	return func(c *callConfig) {
		c.policy = p
	}
}

// Measure runs op under the retry policy inside a trace called name. The
// trace is stopped before Measure returns on every path: success, classified
// failure, context cancellation, and panic. A panic stops the trace with
// error_kind=panic and is then re-raised.
//
// Returned errors are always *errclass.Error.
func Measure[T any](ctx context.Context, in *Instrumenter, name string, op retry.Operation[T], opts ...CallOption) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if in == nil {
		in = New(nil, nil)
	}
	cfg := callConfig{policy: in.policy}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	ctx, span := in.tracer.Start(ctx, name, oteltrace.WithAttributes(attribute.String("instrument.operation", name)))
	handle := in.registry.Start(name)
	started := time.Now()

	attempts := 0
	completed := false
	defer func() {
		if completed {
			return
		}
		rec := recover()
		outcome := OutcomeAborted
		if rec != nil {
			outcome = OutcomePanic
			in.logger.ErrorContext(ctx, "measured operation panicked", "trace_name", name, "attempts", attempts, "panic", fmt.Sprint(rec))
		}
		in.finish(ctx, span, name, outcome, attempts, nil, started)
		if rec != nil {
			panic(rec)
		}
	}()

	val, _, err := retry.Do(ctx, in.executor, cfg.policy, func(ctx context.Context) (T, error) {
		attempts++
		in.registry.PutMetric(handle, MetricAttempts, float64(attempts))
		v, opErr := op(ctx)
		if opErr != nil {
			span.AddEvent("attempt failed", oteltrace.WithAttributes(
				attribute.Int("attempt", attempts),
				attribute.String("error", opErr.Error()),
			))
		}
		return v, opErr
	})
	completed = true

	if err != nil {
		classified, ok := errclass.As(err)
		if !ok {
			classified = errclass.Classify(err)
		}
		in.logger.DebugContext(ctx, "measured operation failed",
			"trace_name", name,
			"attempts", attempts,
			"error_kind", classified.Kind.String(),
			"error_code", classified.Code,
		)
		in.finish(ctx, span, name, OutcomeFailure, attempts, classified, started)
		var zero T
		return zero, classified
	}

	in.finish(ctx, span, name, OutcomeSuccess, attempts, nil, started)
	return val, nil
}

// Run is Measure for operations without a result value.
func Run(ctx context.Context, in *Instrumenter, name string, op func(ctx context.Context) error, opts ...CallOption) error {
	_, err := Measure(ctx, in, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// finish stops the trace, records the outcome, and ends the span.
func (in *Instrumenter) finish(ctx context.Context, span oteltrace.Span, name, outcome string, attempts int, failure *errclass.Error, started time.Time) {
	defer span.End()

	extra := map[string]float64{
		MetricSuccess:  0,
		MetricAttempts: float64(attempts),
	}
	var attrs map[string]string
	var kind string
	switch {
	case outcome == OutcomeSuccess:
		extra[MetricSuccess] = 1
	case failure != nil:
		kind = failure.Kind.String()
		attrs = map[string]string{AttrErrorKind: kind, AttrErrorCode: failure.Code}
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Code)
	default:
		kind = outcome
		attrs = map[string]string{AttrErrorKind: outcome}
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(
		attribute.Int("instrument.attempts", attempts),
		attribute.String("instrument.outcome", outcome),
	)

	duration := time.Since(started)
	if event, ok := in.registry.Stop(ctx, name, extra, attrs); ok {
		duration = event.Duration
	}
	if in.outcomes != nil {
		in.outcomes.RecordOutcome(ctx, name, outcome, kind, attempts, duration)
	}
}
