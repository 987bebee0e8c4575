// Package metrics keeps bounded rolling samples per key and answers
// aggregate queries over them.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRetention is the per-key sample cap used when none is configured.
const DefaultRetention = 100

// Sample is one numeric observation.
type Sample struct {
	Key       string
	Value     float64
	Timestamp time.Time
}

// Aggregate summarizes a bucket. The zero value describes an empty bucket.
type Aggregate struct {
	Mean  float64
	Min   float64
	Max   float64
	Count int
}

type entry struct {
	sample Sample
	seq    uint64
}

// bucket is a fixed-capacity ring of entries guarded by its own mutex.
type bucket struct {
	mu    sync.Mutex
	ring  []entry
	head  int
	count int
}

func newBucket(capacity int) *bucket {
	return &bucket{ring: make([]entry, capacity)}
}

func (b *bucket) push(e entry) {
	capacity := len(b.ring)
	if b.count < capacity {
		b.ring[(b.head+b.count)%capacity] = e
		b.count++
		return
	}
	b.ring[b.head] = e
	b.head = (b.head + 1) % capacity
}

// entries returns retained entries oldest first. Callers hold b.mu.
func (b *bucket) entries() []entry {
	out := make([]entry, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	return out
}

// Store is safe for concurrent use. Operations on one key are serialized;
// different keys proceed independently.
type Store struct {
	retention int
	seq       atomic.Uint64

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets the per-key sample cap. Values below 1 keep the default.
func WithRetention(n int) Option {
	return func(s *Store) {
		if n >= 1 {
			s.retention = n
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		retention: DefaultRetention,
		buckets:   make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the per-key sample cap.
func (s *Store) Retention() int {
	return s.retention
}

// Record appends a sample to key's bucket, evicting the oldest sample once
// the bucket is full.
func (s *Store) Record(key string, value float64, ts time.Time) {
	if s == nil {
		return
	}
	b := s.bucketFor(key, true)
	e := entry{
		sample: Sample{Key: key, Value: value, Timestamp: ts},
	}

	b.mu.Lock()
	e.seq = s.seq.Add(1)
	b.push(e)
	b.mu.Unlock()
}

// Aggregate returns mean/min/max/count for key. Unknown keys return the
// zero Aggregate.
func (s *Store) Aggregate(key string) Aggregate {
	if s == nil {
		return Aggregate{}
	}
	b := s.bucketFor(key, false)
	if b == nil {
		return Aggregate{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return Aggregate{}
	}

	first := b.ring[b.head].sample.Value
	agg := Aggregate{Min: first, Max: first, Count: b.count}
	var sum float64
	for i := 0; i < b.count; i++ {
		v := b.ring[(b.head+i)%len(b.ring)].sample.Value
		sum += v
		if v < agg.Min {
			agg.Min = v
		}
		if v > agg.Max {
			agg.Max = v
		}
	}
	agg.Mean = sum / float64(b.count)
	return agg
}

// Samples returns key's retained samples, oldest first.
func (s *Store) Samples(key string) []Sample {
	if s == nil {
		return nil
	}
	b := s.bucketFor(key, false)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	entries := b.entries()
	b.mu.Unlock()

	out := make([]Sample, len(entries))
	for i, e := range entries {
		out[i] = e.sample
	}
	return out
}

// Snapshot returns the most recently recorded limit samples across all keys,
// ordered so the newest sample is last.
func (s *Store) Snapshot(limit int) []Sample {
	if s == nil || limit <= 0 {
		return nil
	}

	s.mu.RLock()
	buckets := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	s.mu.RUnlock()

	var all []entry
	for _, b := range buckets {
		b.mu.Lock()
		all = append(all, b.entries()...)
		b.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].seq < all[j].seq
	})
	if len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]Sample, len(all))
	for i, e := range all {
		out[i] = e.sample
	}
	return out
}

// Keys returns every key with a bucket, sorted.
func (s *Store) Keys() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.buckets))
	for key := range s.buckets {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Reset drops every bucket.
func (s *Store) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.buckets = make(map[string]*bucket)
	s.mu.Unlock()
}

func (s *Store) bucketFor(key string, create bool) *bucket {
	s.mu.RLock()
	b := s.buckets[key]
	s.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b = s.buckets[key]; b == nil {
		b = newBucket(s.retention)
		s.buckets[key] = b
	}
	return b
}
