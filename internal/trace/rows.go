package trace

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// eventRow is the column form of an Event shared by the SQL stores.
type eventRow struct {
	id         string
	name       string
	platform   string
	status     string
	durationMS float64
	metrics    string
	attributes string
	startedAt  time.Time
	stoppedAt  time.Time
}

func newEventRow(event Event) (eventRow, error) {
	if strings.TrimSpace(event.ID) == "" {
		return eventRow{}, fmt.Errorf("event id is required")
	}
	metrics := event.Metrics
	if metrics == nil {
		metrics = []Metric{}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return eventRow{}, fmt.Errorf("encode metrics for event %q: %w", event.ID, err)
	}
	attrs := event.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return eventRow{}, fmt.Errorf("encode attributes for event %q: %w", event.ID, err)
	}
	status := event.Status
	if status == 0 {
		status = StatusStopped
	}
	return eventRow{
		id:         event.ID,
		name:       event.Name,
		platform:   event.Platform,
		status:     status.String(),
		durationMS: event.DurationMS(),
		metrics:    string(metricsJSON),
		attributes: string(attrsJSON),
		startedAt:  event.StartedAt.UTC(),
		stoppedAt:  event.Timestamp.UTC(),
	}, nil
}

func (r eventRow) event() (Event, error) {
	event := Event{
		ID:        r.id,
		Name:      r.name,
		Platform:  r.platform,
		Status:    ParseStatus(r.status),
		Duration:  time.Duration(r.durationMS * float64(time.Millisecond)),
		StartedAt: r.startedAt,
		Timestamp: r.stoppedAt,
	}
	if r.metrics != "" {
		if err := json.Unmarshal([]byte(r.metrics), &event.Metrics); err != nil {
			return Event{}, fmt.Errorf("decode metrics for event %q: %w", r.id, err)
		}
		if len(event.Metrics) == 0 {
			event.Metrics = nil
		}
	}
	if r.attributes != "" {
		if err := json.Unmarshal([]byte(r.attributes), &event.Attributes); err != nil {
			return Event{}, fmt.Errorf("decode attributes for event %q: %w", r.id, err)
		}
		if len(event.Attributes) == 0 {
			event.Attributes = nil
		}
	}
	return event, nil
}

// pageEvents trims a limit+1 result to limit and derives the next cursor.
func pageEvents(items []Event, limit int) *EventResult {
	result := &EventResult{Items: items}
	if len(items) > limit {
		result.Items = items[:limit]
		last := result.Items[limit-1]
		result.NextCursor = encodeEventCursor(last.Timestamp, last.ID)
	}
	return result
}

func encodeEventCursor(stoppedAt time.Time, id string) string {
	if stoppedAt.IsZero() || id == "" {
		return ""
	}
	raw := stoppedAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeEventCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	stoppedAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse timestamp", ErrInvalidCursor)
	}
	return stoppedAt.UTC(), strings.TrimSpace(parts[1]), nil
}
