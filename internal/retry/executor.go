// Package retry runs fallible operations under an exponential backoff policy
// driven by the errclass taxonomy.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/ongoingai/instrument/internal/errclass"
	"github.com/ongoingai/instrument/internal/logging"
)

// Operation is the unit of work retried by Do.
type Operation[T any] func(ctx context.Context) (T, error)

// Stats describes how an invocation went.
type Stats struct {
	Attempts int
	// Delays holds each wait actually scheduled between attempts.
	Delays []time.Duration
}

// TotalDelay sums the scheduled waits.
func (s Stats) TotalDelay() time.Duration {
	var total time.Duration
	for _, d := range s.Delays {
		total += d
	}
	return total
}

// AttemptObserver is notified after every failed attempt.
type AttemptObserver interface {
	OnAttemptFailed(ctx context.Context, attempt int, err *errclass.Error, willRetry bool, delay time.Duration)
}

// AttemptObserverFunc adapts a function to AttemptObserver.
type AttemptObserverFunc func(ctx context.Context, attempt int, err *errclass.Error, willRetry bool, delay time.Duration)

func (f AttemptObserverFunc) OnAttemptFailed(ctx context.Context, attempt int, err *errclass.Error, willRetry bool, delay time.Duration) {
	f(ctx, attempt, err, willRetry, delay)
}

type Executor struct {
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
	classify func(error) *errclass.Error
	observer AttemptObserver
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithSleep replaces the context-aware wait between attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithClassifier replaces errclass.Classify. The function must return a
// non-nil value for non-nil errors.
func WithClassifier(classify func(error) *errclass.Error) Option {
	return func(e *Executor) {
		e.classify = classify
	}
}

func WithObserver(o AttemptObserver) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = logging.OrDiscard(e.logger)
	if e.sleep == nil {
		e.sleep = sleepWithContext
	}
	if e.classify == nil {
		e.classify = errclass.Classify
	}
	return e
}

// Do runs op until it succeeds, the policy declines a retry, or attempts run
// out. Every returned error is an *errclass.Error.
func Do[T any](ctx context.Context, exec *Executor, pol Policy, op Operation[T]) (T, Stats, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	if exec == nil {
		exec = NewExecutor()
	}
	pol = pol.Normalize()
	schedule := pol.schedule()

	var stats Stats
	for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, stats, exec.classifyErr(err)
		}

		stats.Attempts = attempt
		val, err := op(ctx)
		if err == nil {
			return val, stats, nil
		}

		classified := exec.classifyErr(err)
		willRetry := attempt < pol.MaxAttempts && pol.ShouldRetry(classified)
		var delay time.Duration
		if willRetry {
			delay = pol.capDelay(schedule.NextBackOff())
		}
		exec.attemptFailed(ctx, attempt, classified, willRetry, delay)

		if !willRetry {
			return zero, stats, classified
		}

		stats.Delays = append(stats.Delays, delay)
		if err := exec.sleep(ctx, delay); err != nil {
			return zero, stats, exec.classifyErr(err)
		}
	}

	// Unreachable: the loop always returns on its final attempt.
	return zero, stats, errclass.NewNetwork(nil)
}

// Execute is Do for operations without a result value.
func Execute(ctx context.Context, exec *Executor, pol Policy, op func(ctx context.Context) error) (Stats, error) {
	_, stats, err := Do(ctx, exec, pol, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return stats, err
}

func (e *Executor) classifyErr(err error) *errclass.Error {
	classified := e.classify(err)
	if classified == nil {
		classified = errclass.Classify(err)
	}
	return classified
}

func (e *Executor) attemptFailed(ctx context.Context, attempt int, err *errclass.Error, willRetry bool, delay time.Duration) {
	if willRetry {
		e.logger.Debug(
			"operation attempt failed; retrying",
			"attempt", attempt,
			"error_kind", err.Kind.String(),
			"error_code", err.Code,
			"delay_ms", delay.Milliseconds(),
		)
	}
	if e.observer != nil {
		e.observer.OnAttemptFailed(ctx, attempt, err, willRetry, delay)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
