package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ongoingai/instrument/migrations"
)

const insertEventPostgres = `
INSERT INTO trace_events (
    id, name, platform, status, duration_ms, metrics, attributes, started_at, stopped_at
) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9)
ON CONFLICT (id) DO NOTHING`

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	store := &PostgresStore{DSN: dsn, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) WriteEvent(ctx context.Context, event Event) error {
	row, err := newEventRow(event)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertEventPostgres, row.postgresArgs()...); err != nil {
		return fmt.Errorf("write event %q: %w", event.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, events []Event) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, insertEventPostgres)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.postgresArgs()...); err != nil {
			return fmt.Errorf("insert event %q: %w", row.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentEvents(ctx context.Context, filter EventFilter) (*EventResult, error) {
	query, args, err := buildPostgresEventQuery(filter)
	if err != nil {
		return nil, err
	}
	limit := normalizeLimit(filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0, limit)
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(&row.id, &row.name, &row.platform, &row.status, &row.durationMS, &row.metrics, &row.attributes, &row.startedAt, &row.stoppedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		row.startedAt = row.startedAt.UTC()
		row.stoppedAt = row.stoppedAt.UTC()
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

func buildPostgresEventQuery(filter EventFilter) (string, []any, error) {
	b := &postgresWhereBuilder{}
	if filter.Name != "" {
		b.addComparison("name", "=", filter.Name)
	}
	if filter.Platform != "" {
		b.addComparison("platform", "=", filter.Platform)
	}
	if filter.Status != 0 {
		b.addComparison("status", "=", filter.Status.String())
	}
	if !filter.From.IsZero() {
		b.addComparison("stopped_at", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		b.addComparison("stopped_at", "<=", filter.To.UTC())
	}
	if filter.Cursor != "" {
		at, id, err := decodeEventCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		ts := b.addArg(at)
		idArg := b.addArg(id)
		b.conditions = append(b.conditions, fmt.Sprintf("(stopped_at < %s OR (stopped_at = %s AND id < %s))", ts, ts, idArg))
	}
	limitArg := b.addArg(normalizeLimit(filter.Limit) + 1)

	query := `SELECT id, name, platform, status, duration_ms, metrics::text, attributes::text, started_at, stopped_at
FROM trace_events
WHERE ` + b.where() + `
ORDER BY stopped_at DESC, id DESC
LIMIT ` + limitArg
	return query, b.args, nil
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	b.conditions = append(b.conditions, column+" "+operator+" "+b.addArg(value))
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func (r eventRow) postgresArgs() []any {
	return []any{
		r.id,
		r.name,
		r.platform,
		r.status,
		r.durationMS,
		r.metrics,
		r.attributes,
		r.startedAt,
		r.stoppedAt,
	}
}

// classifyPostgresError maps SQLSTATE classes onto write error classes.
func classifyPostgresError(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "08"):
		return WriteErrorClassConnection, true
	case strings.HasPrefix(pgErr.Code, "23"):
		return WriteErrorClassConstraint, true
	case pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03":
		return WriteErrorClassContention, true
	case pgErr.Code == "57014":
		return WriteErrorClassTimeout, true
	default:
		return "", false
	}
}
