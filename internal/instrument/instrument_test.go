package instrument

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/instrument/internal/errclass"
	"github.com/ongoingai/instrument/internal/metrics"
	"github.com/ongoingai/instrument/internal/retry"
	"github.com/ongoingai/instrument/internal/trace"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type captureReporter struct {
	mu     sync.Mutex
	events []trace.Event
}

func (r *captureReporter) Report(_ context.Context, event trace.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *captureReporter) only(t *testing.T) trace.Event {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) != 1 {
		t.Fatalf("reported events=%d, want 1", len(r.events))
	}
	return r.events[0]
}

type outcomeCall struct {
	name, outcome, kind string
	attempts            int
}

type captureOutcomes struct {
	mu    sync.Mutex
	calls []outcomeCall
}

func (c *captureOutcomes) RecordOutcome(_ context.Context, name, outcome, kind string, attempts int, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, outcomeCall{name: name, outcome: outcome, kind: kind, attempts: attempts})
}

type fixture struct {
	in       *Instrumenter
	store    *metrics.Store
	reporter *captureReporter
	outcomes *captureOutcomes
	spans    *tracetest.SpanRecorder
	registry *trace.Registry
}

func noSleep(context.Context, time.Duration) error { return nil }

func newFixture(t *testing.T, opts ...trace.RegistryOption) fixture {
	t.Helper()

	f := fixture{
		store:    metrics.NewStore(),
		reporter: &captureReporter{},
		outcomes: &captureOutcomes{},
		spans:    tracetest.NewSpanRecorder(),
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	regOpts := append([]trace.RegistryOption{
		trace.WithRecorder(f.store),
		trace.WithReporter(f.reporter),
	}, opts...)
	f.registry = trace.NewRegistry(regOpts...)

	policy := retry.DefaultPolicy()
	policy.BaseDelay = time.Millisecond
	f.in = New(f.registry, retry.NewExecutor(retry.WithSleep(noSleep)),
		WithDefaultPolicy(policy),
		WithTracerProvider(tp),
		WithOutcomeRecorder(f.outcomes),
	)
	return f
}

func (f fixture) mean(key string) float64 {
	return f.store.Aggregate(key).Mean
}

func TestMeasureSuccessStopsTraceAndRecordsMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	got, err := Measure(context.Background(), f.in, "load_profile", func(context.Context) (string, error) {
		return "profile-7", nil
	})
	if err != nil {
		t.Fatalf("Measure() error: %v", err)
	}
	if got != "profile-7" {
		t.Fatalf("Measure()=%q, want profile-7", got)
	}

	if f.registry.ActiveCount() != 0 {
		t.Fatalf("active traces=%d, want 0 after Measure returns", f.registry.ActiveCount())
	}
	if v := f.mean("load_profile_success"); v != 1 {
		t.Fatalf("load_profile_success=%v, want 1", v)
	}
	if v := f.mean("load_profile_attempts"); v != 1 {
		t.Fatalf("load_profile_attempts=%v, want 1", v)
	}
	if agg := f.store.Aggregate("load_profile_duration_ms"); agg.Count != 1 {
		t.Fatalf("duration samples=%d, want 1", agg.Count)
	}

	event := f.reporter.only(t)
	if event.Name != "load_profile" || event.Status != trace.StatusStopped {
		t.Fatalf("event=%+v, want stopped load_profile", event)
	}
	if len(event.Attributes) != 0 {
		t.Fatalf("attributes=%v, want none on success", event.Attributes)
	}

	spans := f.spans.Ended()
	if len(spans) != 1 || spans[0].Name() != "load_profile" {
		t.Fatalf("spans=%d, want one ended load_profile span", len(spans))
	}
	if spans[0].Status().Code == codes.Error {
		t.Fatal("span status=error, want unset on success")
	}
	if len(f.outcomes.calls) != 1 || f.outcomes.calls[0] != (outcomeCall{"load_profile", OutcomeSuccess, "", 1}) {
		t.Fatalf("outcomes=%+v, want one success with 1 attempt", f.outcomes.calls)
	}
}

func TestMeasureRetriesNetworkFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	calls := 0
	got, err := Measure(context.Background(), f.in, "sync", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset by peer")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Measure() error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Fatalf("Measure()=%d after %d calls, want 42 after 3", got, calls)
	}
	if v := f.mean("sync_attempts"); v != 3 {
		t.Fatalf("sync_attempts=%v, want 3", v)
	}
	if v := f.mean("sync_success"); v != 1 {
		t.Fatalf("sync_success=%v, want 1", v)
	}

	span := f.spans.Ended()[0]
	if n := len(span.Events()); n != 2 {
		t.Fatalf("span events=%d, want 2 failed attempts", n)
	}
}

func TestMeasureValidationFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	calls := 0
	_, err := Measure(context.Background(), f.in, "submit_form", func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, errclass.NewValidation("email is invalid", map[string]string{"email": "invalid"})
	})
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
	classified, ok := errclass.As(err)
	if !ok || classified.Kind != errclass.KindValidation {
		t.Fatalf("error=%v, want validation *errclass.Error", err)
	}

	event := f.reporter.only(t)
	if event.Attributes[AttrErrorKind] != "validation" || event.Attributes[AttrErrorCode] != errclass.CodeValidation {
		t.Fatalf("attributes=%v, want validation kind and code", event.Attributes)
	}
	if v, _ := event.Metric(MetricSuccess); v != 0 {
		t.Fatalf("success metric=%v, want 0", v)
	}
	if v, _ := event.Metric(MetricAttempts); v != 1 {
		t.Fatalf("attempts metric=%v, want 1", v)
	}

	span := f.spans.Ended()[0]
	if span.Status().Code != codes.Error || span.Status().Description != errclass.CodeValidation {
		t.Fatalf("span status=%+v, want error %s", span.Status(), errclass.CodeValidation)
	}
	if c := f.outcomes.calls[0]; c.outcome != OutcomeFailure || c.kind != "validation" {
		t.Fatalf("outcome=%+v, want validation failure", c)
	}
}

func TestMeasureExhaustsAttemptsWithClassifiedError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rawErr := errors.New("dial tcp: i/o timeout")
	calls := 0
	_, err := Measure(context.Background(), f.in, "fetch", func(context.Context) (int, error) {
		calls++
		return 0, rawErr
	})
	if calls != 3 {
		t.Fatalf("calls=%d, want 3", calls)
	}
	if !errclass.IsKind(err, errclass.KindNetwork) {
		t.Fatalf("error=%v, want network kind", err)
	}
	if !errors.Is(err, rawErr) {
		t.Fatalf("error=%v does not wrap the raw failure", err)
	}
	if v := f.mean("fetch_attempts"); v != 3 {
		t.Fatalf("fetch_attempts=%v, want 3", v)
	}
}

func TestMeasureWithPolicyOverridesDefault(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	calls := 0
	err := Run(context.Background(), f.in, "once", func(context.Context) error {
		calls++
		return errors.New("connection refused")
	}, WithPolicy(retry.Policy{MaxAttempts: 1}))
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want failure after 1 call", err, calls)
	}
}

func TestMeasureStopsTraceWhenContextIsCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Run(ctx, f.in, "abandoned", func(context.Context) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Fatalf("calls=%d, want 0 for a cancelled context", calls)
	}
	if !errors.Is(err, context.Canceled) || !errclass.IsKind(err, errclass.KindNetwork) {
		t.Fatalf("error=%v, want network error wrapping context.Canceled", err)
	}
	if f.registry.Active("abandoned") {
		t.Fatal("trace still active after cancelled Measure")
	}
	if v, _ := f.reporter.only(t).Metric(MetricAttempts); v != 0 {
		t.Fatalf("attempts=%v, want 0", v)
	}
}

func TestMeasureStopsTraceOnPanicAndRepanics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_ = Run(context.Background(), f.in, "explode", func(context.Context) error {
			panic("boom")
		})
	}()

	if recovered != "boom" {
		t.Fatalf("recovered=%v, want boom", recovered)
	}
	if f.registry.ActiveCount() != 0 {
		t.Fatalf("active traces=%d, want 0 after panic", f.registry.ActiveCount())
	}
	event := f.reporter.only(t)
	if event.Attributes[AttrErrorKind] != OutcomePanic {
		t.Fatalf("attributes=%v, want error_kind=panic", event.Attributes)
	}
	if v, _ := event.Metric(MetricAttempts); v != 1 {
		t.Fatalf("attempts=%v, want 1", v)
	}
	span := f.spans.Ended()
	if len(span) != 1 || span[0].Status().Code != codes.Error {
		t.Fatalf("spans=%d, want one ended error span", len(span))
	}
	if c := f.outcomes.calls[0]; c.outcome != OutcomePanic || c.kind != OutcomePanic {
		t.Fatalf("outcome=%+v, want panic", c)
	}
}

func TestMeasureStopsTraceOnGoexit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	done := make(chan struct{})
	returned := false
	go func() {
		defer close(done)
		_ = Run(context.Background(), f.in, "bail_out", func(context.Context) error {
			runtime.Goexit()
			return nil
		})
		returned = true
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not exit")
	}

	if returned {
		t.Fatal("Run() returned, want the goroutine to exit through Goexit")
	}
	if f.registry.Active("bail_out") || f.registry.ActiveCount() != 0 {
		t.Fatalf("active traces=%d, want 0 after Goexit", f.registry.ActiveCount())
	}
	event := f.reporter.only(t)
	if event.Attributes[AttrErrorKind] != OutcomeAborted {
		t.Fatalf("attributes=%v, want error_kind=aborted", event.Attributes)
	}
	if v, _ := event.Metric(MetricSuccess); v != 0 {
		t.Fatalf("success=%v, want 0", v)
	}
	if v := f.mean("bail_out_attempts"); v != 1 {
		t.Fatalf("bail_out_attempts=%v, want 1", v)
	}
	f.outcomes.mu.Lock()
	calls := append([]outcomeCall(nil), f.outcomes.calls...)
	f.outcomes.mu.Unlock()
	if len(calls) != 1 || calls[0].outcome != OutcomeAborted || calls[0].kind != OutcomeAborted || calls[0].attempts != 1 {
		t.Fatalf("outcomes=%+v, want one aborted call after 1 attempt", calls)
	}
	if spans := f.spans.Ended(); len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Fatalf("spans=%d, want one ended error span", len(spans))
	}
}

func TestMeasureWithDisabledRegistryStillRunsOperation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, trace.WithEnabled(false))
	got, err := Measure(context.Background(), f.in, "quiet", func(context.Context) (int, error) {
		return 9, nil
	})
	if err != nil || got != 9 {
		t.Fatalf("Measure()=%d, %v, want 9, nil", got, err)
	}
	if keys := f.store.Keys(); len(keys) != 0 {
		t.Fatalf("store keys=%v, want none", keys)
	}
	if len(f.reporter.events) != 0 {
		t.Fatalf("reported=%d, want 0", len(f.reporter.events))
	}
	if len(f.outcomes.calls) != 1 {
		t.Fatalf("outcomes=%d, want 1", len(f.outcomes.calls))
	}
}

func TestMeasureWithNilInstrumenter(t *testing.T) {
	t.Parallel()

	got, err := Measure(context.Background(), nil, "bare", func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Measure()=%q, %v, want ok, nil", got, err)
	}
}

func TestMeasureConcurrentDistinctNames(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = Run(context.Background(), f.in, fmt.Sprintf("op_%d", i), func(context.Context) error {
				return nil
			})
		}(i)
	}
	wg.Wait()

	if f.registry.ActiveCount() != 0 {
		t.Fatalf("active traces=%d, want 0", f.registry.ActiveCount())
	}
	for i := 0; i < 16; i++ {
		if v := f.mean(fmt.Sprintf("op_%d_success", i)); v != 1 {
			t.Fatalf("op_%d_success=%v, want 1", i, v)
		}
	}
	if n := len(f.spans.Ended()); n != 16 {
		t.Fatalf("spans=%d, want 16", n)
	}
}
