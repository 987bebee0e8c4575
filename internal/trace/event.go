package trace

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a trace. The only transition is
// StatusActive to StatusStopped.
type Status int

const (
	StatusActive Status = iota + 1
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String. Unknown values map to zero.
func ParseStatus(s string) Status {
	switch s {
	case "active":
		return StatusActive
	case "stopped":
		return StatusStopped
	default:
		return 0
	}
}

// Metric is one named numeric value attached to a trace.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Event is the completed record of a stopped trace.
type Event struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Duration   time.Duration     `json:"duration"`
	Metrics    []Metric          `json:"metrics,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Status     Status            `json:"status"`
	Platform   string            `json:"platform,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	Timestamp  time.Time         `json:"timestamp"`
}

// DurationMS returns the duration in fractional milliseconds.
func (e Event) DurationMS() float64 {
	return float64(e.Duration) / float64(time.Millisecond)
}

// Metric returns the value of the named metric.
func (e Event) Metric(name string) (float64, bool) {
	for _, m := range e.Metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return 0, false
}

func sortedMetrics(values map[string]float64) []Metric {
	if len(values) == 0 {
		return nil
	}
	out := make([]Metric, 0, len(values))
	for name, value := range values {
		out = append(out, Metric{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func copyAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
