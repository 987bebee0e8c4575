package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisStream = "instrument:events"
	DefaultRedisMaxLen = 10000

	redisEventField = "event"
	// Pages scanned per RecentEvents call when a filter discards entries.
	redisMaxScanPages = 10
)

// RedisConfig selects the server and the capped stream events go to.
type RedisConfig struct {
	URL    string
	Stream string
	MaxLen int64
}

// RedisStore appends events to a Redis stream trimmed to roughly MaxLen
// entries.
type RedisStore struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return newRedisStore(rdb, cfg.Stream, cfg.MaxLen), nil
}

func newRedisStore(rdb *redis.Client, stream string, maxLen int64) *RedisStore {
	if strings.TrimSpace(stream) == "" {
		stream = DefaultRedisStream
	}
	if maxLen <= 0 {
		maxLen = DefaultRedisMaxLen
	}
	return &RedisStore{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *RedisStore) WriteEvent(ctx context.Context, event Event) error {
	args, err := s.addArgs(event)
	if err != nil {
		return err
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd event %q: %w", event.ID, err)
	}
	return nil
}

func (s *RedisStore) WriteBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	argsList := make([]*redis.XAddArgs, 0, len(events))
	for _, event := range events {
		args, err := s.addArgs(event)
		if err != nil {
			return err
		}
		argsList = append(argsList, args)
	}
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, args := range argsList {
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd event batch: %w", err)
	}
	return nil
}

func (s *RedisStore) addArgs(event Event) (*redis.XAddArgs, error) {
	if strings.TrimSpace(event.ID) == "" {
		return nil, fmt.Errorf("event id is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", event.ID, err)
	}
	return &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{redisEventField: string(payload)},
	}, nil
}

// RecentEvents reads the stream newest first. Filters are applied client
// side; the cursor is the stream entry id of the last returned event.
func (s *RedisStore) RecentEvents(ctx context.Context, filter EventFilter) (*EventResult, error) {
	limit := normalizeLimit(filter.Limit)
	end := "+"
	if filter.Cursor != "" {
		end = "(" + filter.Cursor
	}

	result := &EventResult{Items: make([]Event, 0, limit)}
	var lastID string
	for page := 0; page < redisMaxScanPages; page++ {
		msgs, err := s.rdb.XRevRangeN(ctx, s.stream, end, "-", int64(limit+1)).Result()
		if err != nil {
			return nil, fmt.Errorf("xrevrange %s: %w", s.stream, err)
		}
		for _, msg := range msgs {
			event, err := decodeRedisMessage(msg)
			if err != nil {
				return nil, err
			}
			if !filter.matches(event) {
				continue
			}
			if len(result.Items) == limit {
				result.NextCursor = lastID
				return result, nil
			}
			result.Items = append(result.Items, event)
			lastID = msg.ID
		}
		if len(msgs) <= limit {
			return result, nil
		}
		end = "(" + msgs[len(msgs)-1].ID
	}
	// Scan budget spent; resume after the last entry examined.
	result.NextCursor = strings.TrimPrefix(end, "(")
	return result, nil
}

func decodeRedisMessage(msg redis.XMessage) (Event, error) {
	raw, ok := msg.Values[redisEventField].(string)
	if !ok {
		return Event{}, fmt.Errorf("stream entry %s has no %q field", msg.ID, redisEventField)
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return Event{}, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
	}
	return event, nil
}

func (f EventFilter) matches(event Event) bool {
	if f.Name != "" && event.Name != f.Name {
		return false
	}
	if f.Platform != "" && event.Platform != f.Platform {
		return false
	}
	if f.Status != 0 && event.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && event.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && event.Timestamp.After(f.To) {
		return false
	}
	return true
}
