package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ongoingai/instrument/internal/logging"
)

// DurationMetric is the metric key under which Stop records a trace's
// duration in milliseconds.
const DurationMetric = "duration_ms"

// Recorder receives one sample per metric of every stopped trace.
// *metrics.Store satisfies it.
type Recorder interface {
	Record(key string, value float64, ts time.Time)
}

// Handle refers to one started trace instance. The zero Handle is inert.
type Handle struct {
	t *activeTrace
}

// IsZero reports whether h refers to no trace.
func (h Handle) IsZero() bool {
	return h.t == nil
}

// Name returns the trace name, or "" for the zero Handle.
func (h Handle) Name() string {
	if h.t == nil {
		return ""
	}
	return h.t.name
}

type activeTrace struct {
	id    string
	name  string
	start time.Time

	mu      sync.Mutex
	status  Status
	metrics map[string]float64
	attrs   map[string]string
}

// Registry tracks named in-flight traces. On Stop it forwards the completed
// record to the Recorder and the Reporter.
type Registry struct {
	enabled  bool
	platform string
	recorder Recorder
	reporter Reporter
	clock    func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activeTrace
}

type RegistryOption func(*Registry)

// WithEnabled fixes whether the registry does anything. Defaults to true.
func WithEnabled(enabled bool) RegistryOption {
	return func(r *Registry) {
		r.enabled = enabled
	}
}

func WithRecorder(recorder Recorder) RegistryOption {
	return func(r *Registry) {
		r.recorder = recorder
	}
}

func WithReporter(reporter Reporter) RegistryOption {
	return func(r *Registry) {
		r.reporter = reporter
	}
}

// WithPlatform sets the platform label stamped on every Event.
func WithPlatform(platform string) RegistryOption {
	return func(r *Registry) {
		r.platform = platform
	}
}

func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.clock = clock
	}
}

func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		enabled: true,
		active:  make(map[string]*activeTrace),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	r.logger = logging.OrDiscard(r.logger)
	return r
}

func (r *Registry) Enabled() bool {
	return r != nil && r.enabled
}

// Start begins a trace. Starting a name that is already active replaces the
// earlier instance; the earlier one can no longer be stopped by name and its
// handle stops accepting metrics.
func (r *Registry) Start(name string) Handle {
	if !r.Enabled() {
		return Handle{}
	}
	t := &activeTrace{
		id:      uuid.NewString(),
		name:    name,
		start:   r.clock(),
		status:  StatusActive,
		metrics: make(map[string]float64),
	}

	r.mu.Lock()
	prev, superseded := r.active[name]
	r.active[name] = t
	r.mu.Unlock()

	if superseded {
		r.logger.Debug("trace superseded by duplicate start", "trace_name", name, "trace_id", prev.id)
	}
	return Handle{t: t}
}

// PutMetric attaches a metric to the trace behind h. It is a no-op once the
// trace was stopped or superseded, and for DurationMetric, which only Stop
// computes.
func (r *Registry) PutMetric(h Handle, key string, value float64) {
	if !r.Enabled() || h.t == nil || key == DurationMetric {
		return
	}
	if !r.isCurrent(h.t) {
		return
	}
	h.t.mu.Lock()
	if h.t.status == StatusActive {
		h.t.metrics[key] = value
	}
	h.t.mu.Unlock()
}

// PutAttribute attaches a string attribute. Attributes reach the Reporter
// but are not recorded as samples.
func (r *Registry) PutAttribute(h Handle, key, value string) {
	if !r.Enabled() || h.t == nil {
		return
	}
	if !r.isCurrent(h.t) {
		return
	}
	h.t.mu.Lock()
	if h.t.status == StatusActive {
		if h.t.attrs == nil {
			h.t.attrs = make(map[string]string)
		}
		h.t.attrs[key] = value
	}
	h.t.mu.Unlock()
}

func (r *Registry) isCurrent(t *activeTrace) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[t.name] == t
}

// Stop completes the active trace called name, merging extra metrics and
// attributes. It returns false when no such trace is active, so repeated
// calls are harmless.
//
// A stopped trace records <name>_duration_ms and <name>_<metric> for every
// metric, then is handed to the Reporter once. An extra named DurationMetric
// is ignored so each key gets one sample per Stop.
func (r *Registry) Stop(ctx context.Context, name string, extra map[string]float64, attrs map[string]string) (Event, bool) {
	if !r.Enabled() {
		return Event{}, false
	}

	r.mu.Lock()
	t, ok := r.active[name]
	if ok {
		delete(r.active, name)
	}
	r.mu.Unlock()
	if !ok {
		return Event{}, false
	}

	now := r.clock()

	t.mu.Lock()
	if t.status != StatusActive {
		t.mu.Unlock()
		return Event{}, false
	}
	t.status = StatusStopped
	for k, v := range extra {
		if k == DurationMetric {
			continue
		}
		t.metrics[k] = v
	}
	if len(attrs) > 0 && t.attrs == nil {
		t.attrs = make(map[string]string, len(attrs))
	}
	for k, v := range attrs {
		t.attrs[k] = v
	}
	duration := now.Sub(t.start)
	if duration < 0 {
		duration = 0
	}
	event := Event{
		ID:         t.id,
		Name:       t.name,
		Duration:   duration,
		Metrics:    sortedMetrics(t.metrics),
		Attributes: copyAttributes(t.attrs),
		Status:     StatusStopped,
		Platform:   r.platform,
		StartedAt:  t.start,
		Timestamp:  now,
	}
	t.mu.Unlock()

	r.record(event)
	r.report(ctx, event)
	return event, true
}

// Active reports whether a trace called name is in flight.
func (r *Registry) Active(name string) bool {
	if !r.Enabled() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[name]
	return ok
}

func (r *Registry) ActiveCount() int {
	if !r.Enabled() {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Reset drops every active trace without recording or reporting it.
func (r *Registry) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	dropped := r.active
	r.active = make(map[string]*activeTrace)
	r.mu.Unlock()

	for _, t := range dropped {
		t.mu.Lock()
		t.status = StatusStopped
		t.mu.Unlock()
	}
}

func (r *Registry) record(event Event) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(MetricKey(event.Name, DurationMetric), event.DurationMS(), event.Timestamp)
	for _, m := range event.Metrics {
		r.recorder.Record(MetricKey(event.Name, m.Name), m.Value, event.Timestamp)
	}
}

func (r *Registry) report(ctx context.Context, event Event) {
	if r.reporter == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("trace reporter panicked", "trace_name", event.Name, "panic", fmt.Sprint(rec))
		}
	}()
	if err := r.reporter.Report(ctx, event); err != nil {
		if errors.Is(err, ErrQueueFull) {
			// The writer's drop handler already reported it.
			r.logger.Debug("trace event dropped", "trace_name", event.Name, "trace_id", event.ID)
			return
		}
		r.logger.Warn("trace reporter failed", "trace_name", event.Name, "trace_id", event.ID, "error", err)
	}
}

// MetricKey namespaces a metric under its trace name.
func MetricKey(name, metric string) string {
	return name + "_" + metric
}
