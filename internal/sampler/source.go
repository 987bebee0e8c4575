package sampler

import (
	"context"
	"runtime"
)

// Source reads one ambient signal.
type Source interface {
	Name() string
	Sample(ctx context.Context) (float64, error)
}

type funcSource struct {
	name string
	fn   func(context.Context) (float64, error)
}

func (s funcSource) Name() string { return s.name }

func (s funcSource) Sample(ctx context.Context) (float64, error) { return s.fn(ctx) }

// SourceFunc turns fn into a Source called name.
func SourceFunc(name string, fn func(ctx context.Context) (float64, error)) Source {
	return funcSource{name: name, fn: fn}
}

// HeapAllocSource reports allocated heap memory in megabytes.
type HeapAllocSource struct{}

func (HeapAllocSource) Name() string { return "memory_mb" }

func (HeapAllocSource) Sample(context.Context) (float64, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / (1 << 20), nil
}

// GoroutineSource reports the number of live goroutines.
type GoroutineSource struct{}

func (GoroutineSource) Name() string { return "goroutines" }

func (GoroutineSource) Sample(context.Context) (float64, error) {
	return float64(runtime.NumGoroutine()), nil
}
