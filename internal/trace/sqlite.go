package trace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/instrument/migrations"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond

	// Fixed width so stored timestamps sort lexically.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

const insertEventSQLite = `
INSERT INTO trace_events (
    id, name, platform, status, duration_ms, metrics, attributes, started_at, stopped_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite has a single writer; serialize to avoid SQLITE_BUSY churn.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) configure() error {
	pragmas := []struct{ sql, what string }{
		{`PRAGMA journal_mode = WAL;`, "enable sqlite WAL mode"},
		{`PRAGMA synchronous = NORMAL;`, "set sqlite synchronous mode"},
		{`PRAGMA busy_timeout = 5000;`, "set sqlite busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p.sql); err != nil {
			return fmt.Errorf("%s: %w", p.what, err)
		}
	}
	return nil
}

func (s *SQLiteStore) WriteEvent(ctx context.Context, event Event) error {
	row, err := newEventRow(event)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, insertEventSQLite, row.sqliteArgs()...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write event %q: %w", event.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]eventRow, 0, len(events))
	for _, event := range events {
		row, err := newEventRow(event)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, insertEventSQLite)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row.sqliteArgs()...); err != nil {
				return fmt.Errorf("insert event %q: %w", row.id, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("write event batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentEvents(ctx context.Context, filter EventFilter) (*EventResult, error) {
	limit := normalizeLimit(filter.Limit)

	var (
		conds []string
		args  []any
	)
	if filter.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Platform != "" {
		conds = append(conds, "platform = ?")
		args = append(args, filter.Platform)
	}
	if filter.Status != 0 {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status.String())
	}
	if !filter.From.IsZero() {
		conds = append(conds, "stopped_at >= ?")
		args = append(args, formatSQLiteTime(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "stopped_at <= ?")
		args = append(args, formatSQLiteTime(filter.To))
	}
	if filter.Cursor != "" {
		at, id, err := decodeEventCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		conds = append(conds, "(stopped_at < ? OR (stopped_at = ? AND id < ?))")
		ts := formatSQLiteTime(at)
		args = append(args, ts, ts, id)
	}

	query := `SELECT id, name, platform, status, duration_ms, metrics, attributes, started_at, stopped_at FROM trace_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY stopped_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0, limit)
	for rows.Next() {
		var (
			row                 eventRow
			startedAt, stoppedAt string
		)
		if err := rows.Scan(&row.id, &row.name, &row.platform, &row.status, &row.durationMS, &row.metrics, &row.attributes, &startedAt, &stoppedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if row.startedAt, err = parseSQLiteTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at for event %q: %w", row.id, err)
		}
		if row.stoppedAt, err = parseSQLiteTime(stoppedAt); err != nil {
			return nil, fmt.Errorf("parse stopped_at for event %q: %w", row.id, err)
		}
		event, err := row.event()
		if err != nil {
			return nil, err
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return pageEvents(items, limit), nil
}

func (r eventRow) sqliteArgs() []any {
	return []any{
		r.id,
		r.name,
		r.platform,
		r.status,
		r.durationMS,
		r.metrics,
		r.attributes,
		formatSQLiteTime(r.startedAt),
		formatSQLiteTime(r.stoppedAt),
	}
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format %q", raw)
}

func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ClassifyWriteError(err) != WriteErrorClassContention || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}
