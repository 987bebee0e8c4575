package trace

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidCursor = errors.New("event cursor is invalid")

// EventStore persists stopped trace events.
type EventStore interface {
	WriteEvent(ctx context.Context, event Event) error
	WriteBatch(ctx context.Context, events []Event) error
	RecentEvents(ctx context.Context, filter EventFilter) (*EventResult, error)
	Close() error
}

// EventFilter selects stored events, newest first.
type EventFilter struct {
	Name     string
	Platform string
	Status   Status
	From     time.Time
	To       time.Time
	Limit    int
	Cursor   string
}

type EventResult struct {
	Items      []Event
	NextCursor string
}

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultEventLimit
	}
	if limit > maxEventLimit {
		return maxEventLimit
	}
	return limit
}
