package trace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const writerBatchSize = 64

var (
	// ErrQueueFull is returned by Writer.Report when an event was dropped.
	ErrQueueFull = errors.New("event writer queue is full")
	// ErrWriterStopped is returned by Writer.Report after Shutdown.
	ErrWriterStopped = errors.New("event writer is stopped")
)

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// Diagnostics is a point-in-time view of the writer queue and its drops.
type Diagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct     int              `json:"queue_utilization_pct"`
	QueuePressureState      string           `json:"queue_pressure_state"`
	EnqueueAcceptedTotal    int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal     int64            `json:"enqueue_dropped_total"`
	WriteDroppedTotal       int64            `json:"write_dropped_total"`
	LastEnqueueDropAt       *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastWriteDropAt         *time.Time       `json:"last_write_drop_at,omitempty"`
	WriteFailuresByClass    map[string]int64 `json:"write_failures_by_class,omitempty"`
}

// WriteFailure describes events that could not be persisted.
type WriteFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

type WriteFailureHandler func(WriteFailure)

// DropHandler is called for every event rejected because the queue is full.
type DropHandler func(Event)

// Writer is a Reporter that queues events and persists them in batches on a
// single background goroutine. A full queue drops the event.
type Writer struct {
	store EventStore
	queue chan Event
	wg    sync.WaitGroup

	started      atomic.Bool
	stopped      atomic.Bool
	stopOnce     sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	queueMu      sync.RWMutex
	lifecycleMu  sync.Mutex
	workerCancel context.CancelFunc

	failureHandler atomic.Pointer[WriteFailureHandler]
	dropHandler    atomic.Pointer[DropHandler]

	highWatermark        atomic.Int64
	enqueueAcceptedTotal atomic.Int64
	enqueueDroppedTotal  atomic.Int64
	writeDroppedTotal    atomic.Int64
	lastEnqueueDropNano  atomic.Int64
	lastWriteDropNano    atomic.Int64

	failuresMu      sync.Mutex
	failuresByClass map[string]int64
}

func NewWriter(store EventStore, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Writer{
		store:           store,
		queue:           make(chan Event, bufferSize),
		done:            make(chan struct{}),
		failuresByClass: make(map[string]int64),
	}
}

// SetWriteFailureHandler replaces the callback for events lost in storage.
func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if handler == nil {
		w.failureHandler.Store(nil)
		return
	}
	w.failureHandler.Store(&handler)
}

func (w *Writer) SetDropHandler(handler DropHandler) {
	if handler == nil {
		w.dropHandler.Store(nil)
		return
	}
	w.dropHandler.Store(&handler)
}

func (w *Writer) QueueLen() int {
	return len(w.queue)
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.markDone()
		w.run(workerCtx)
	}()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-w.queue:
			if !ok {
				return
			}
			batch := make([]Event, 0, writerBatchSize)
			batch = append(batch, first)
		drain:
			for len(batch) < writerBatchSize {
				select {
				case <-ctx.Done():
					// Flush on a fresh context; the store would reject the cancelled one.
					w.flushBatch(context.Background(), batch)
					return
				case next, ok := <-w.queue:
					if !ok {
						w.flushBatch(context.Background(), batch)
						return
					}
					batch = append(batch, next)
				default:
					break drain
				}
			}
			w.flushBatch(ctx, batch)
		}
	}
}

// Report enqueues event without blocking.
func (w *Writer) Report(_ context.Context, event Event) error {
	if !w.Enqueue(event) {
		if w.stopped.Load() {
			return ErrWriterStopped
		}
		return ErrQueueFull
	}
	return nil
}

func (w *Writer) Enqueue(event Event) bool {
	if w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- event:
		w.enqueueAcceptedTotal.Add(1)
		w.observeQueueDepth(len(w.queue))
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		w.observeQueueDepth(cap(w.queue))
		w.lastEnqueueDropNano.Store(time.Now().UTC().UnixNano())
		if h := w.dropHandler.Load(); h != nil {
			(*h)(event)
		}
		return false
	}
}

// Shutdown stops accepting events and waits for queued ones to be flushed,
// or for ctx to end.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

func (w *Writer) cancelWorker() {
	w.lifecycleMu.Lock()
	cancel := w.workerCancel
	w.lifecycleMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *Writer) flushBatch(ctx context.Context, batch []Event) {
	if len(batch) == 0 {
		return
	}
	if len(batch) == 1 {
		if err := w.store.WriteEvent(ctx, batch[0]); err != nil {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_event",
				BatchSize:   1,
				FailedCount: 1,
				Err:         err,
			})
		}
		return
	}
	if err := w.store.WriteBatch(ctx, batch); err != nil {
		// Fall back to single writes so one bad row does not drop the batch.
		failed := 0
		var firstErr error
		for _, event := range batch {
			if writeErr := w.store.WriteEvent(ctx, event); writeErr != nil {
				failed++
				if firstErr == nil {
					firstErr = writeErr
				}
			}
		}
		if failed > 0 {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_batch_fallback",
				BatchSize:   len(batch),
				FailedCount: failed,
				Err:         errors.Join(err, firstErr),
			})
		}
	}
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	if failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.writeDroppedTotal.Add(int64(failure.FailedCount))
	w.lastWriteDropNano.Store(time.Now().UTC().UnixNano())

	w.failuresMu.Lock()
	w.failuresByClass[failure.ErrorClass] += int64(failure.FailedCount)
	w.failuresMu.Unlock()

	if h := w.failureHandler.Load(); h != nil {
		(*h)(failure)
	}
}

// Diagnostics returns queue pressure and drop counters.
func (w *Writer) Diagnostics() Diagnostics {
	capacity := cap(w.queue)
	depth := len(w.queue)
	high := int(w.highWatermark.Load())
	if depth > high {
		high = depth
	}
	util := queueUtilizationPct(depth, capacity)

	out := Diagnostics{
		QueueCapacity:           capacity,
		QueueDepth:              depth,
		QueueDepthHighWatermark: high,
		QueueUtilizationPct:     util,
		QueuePressureState:      queuePressureState(util),
		EnqueueAcceptedTotal:    w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:     w.enqueueDroppedTotal.Load(),
		WriteDroppedTotal:       w.writeDroppedTotal.Load(),
	}
	if ts := w.lastEnqueueDropNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		out.LastEnqueueDropAt = &last
	}
	if ts := w.lastWriteDropNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		out.LastWriteDropAt = &last
	}

	w.failuresMu.Lock()
	if len(w.failuresByClass) > 0 {
		out.WriteFailuresByClass = make(map[string]int64, len(w.failuresByClass))
		for class, n := range w.failuresByClass {
			out.WriteFailuresByClass[class] = n
		}
	}
	w.failuresMu.Unlock()
	return out
}

func (w *Writer) observeQueueDepth(depth int) {
	value := int64(depth)
	for {
		current := w.highWatermark.Load()
		if value <= current || w.highWatermark.CompareAndSwap(current, value) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return depth * 100 / capacity
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
