// Package sampler periodically records ambient process signals into a
// metrics recorder, independently of any measured operation.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ongoingai/instrument/internal/logging"
)

const (
	DefaultInterval = 60 * time.Second
	// KeyPrefix namespaces sampled signals in the metrics store.
	KeyPrefix = "system_"

	unnamedSource = "unknown"
)

// Recorder is the metrics sink. *metrics.Store satisfies it.
type Recorder interface {
	Record(key string, value float64, ts time.Time)
}

type Sampler struct {
	recorder Recorder
	sources  []Source
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Sampler)

// WithInterval sets the time between passes. Non-positive values keep the
// default.
func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSources replaces the default heap and goroutine sources.
func WithSources(sources ...Source) Option {
	return func(s *Sampler) {
		s.sources = append([]Source(nil), sources...)
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Sampler) {
		s.clock = clock
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sampler) {
		s.logger = logger
	}
}

func New(recorder Recorder, opts ...Option) *Sampler {
	s := &Sampler{
		recorder: recorder,
		sources:  []Source{HeapAllocSource{}, GoroutineSource{}},
		interval: DefaultInterval,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

func (s *Sampler) Interval() time.Duration {
	return s.interval
}

// Start schedules the sampling loop. The first pass runs one interval after
// Start. Calls after the first are no-ops.
func (s *Sampler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		defer close(s.done)
		s.run(loopCtx)
	}()
}

func (s *Sampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce(ctx)
		}
	}
}

// SampleOnce reads every source once and records the values that could be
// read. It returns how many were recorded.
func (s *Sampler) SampleOnce(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}
	recorded := 0
	for _, src := range s.sources {
		if ctx.Err() != nil {
			break
		}
		if s.sampleSource(ctx, src) {
			recorded++
		}
	}
	return recorded
}

func (s *Sampler) sampleSource(ctx context.Context, src Source) (ok bool) {
	name := unnamedSource
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("sampler source panicked", "source", name, "panic", fmt.Sprint(rec))
			ok = false
		}
	}()
	name = src.Name()

	value, err := src.Sample(ctx)
	if err != nil {
		s.logger.Warn("sampler source failed", "source", name, "error", err)
		return false
	}
	if s.recorder != nil {
		s.recorder.Record(KeyPrefix+name, value, s.clock())
	}
	return true
}

// Shutdown cancels the loop and waits for an in-flight pass to finish, or
// for ctx to end.
func (s *Sampler) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()
	if !started {
		return nil
	}
	cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sampler) Stop() {
	_ = s.Shutdown(context.Background())
}
