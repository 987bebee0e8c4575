package trace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type timeoutError struct{ msg string }

func (e *timeoutError) Error() string   { return e.msg }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return false }

func TestClassifyWriteError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: WriteErrorClassUnknown},
		{name: "deadline", err: fmt.Errorf("write event: %w", context.DeadlineExceeded), want: WriteErrorClassTimeout},
		{name: "canceled", err: context.Canceled, want: WriteErrorClassTimeout},
		{name: "net timeout", err: &timeoutError{msg: "i/o timeout"}, want: WriteErrorClassTimeout},
		{
			name: "op error",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
			want: WriteErrorClassConnection,
		},
		{name: "econnreset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: WriteErrorClassConnection},
		{name: "redis closed", err: errors.New("redis: client is closed"), want: WriteErrorClassConnection},
		{name: "sql closed", err: errors.New("sql: database is closed"), want: WriteErrorClassConnection},
		{name: "pool timeout", err: errors.New("redis: connection pool timeout"), want: WriteErrorClassTimeout},
		{name: "sqlite busy", err: errors.New("SQLITE_BUSY: database table is locked (5)"), want: WriteErrorClassContention},
		{name: "database locked", err: fmt.Errorf("write event: %w", errors.New("database is locked")), want: WriteErrorClassContention},
		{
			name: "unique violation",
			err:  errors.New(`ERROR: duplicate key value violates unique constraint "trace_events_pkey"`),
			want: WriteErrorClassConstraint,
		},
		{name: "sqlite unique", err: errors.New("UNIQUE constraint failed: trace_events.id"), want: WriteErrorClassConstraint},
		{name: "pg unique", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: WriteErrorClassConstraint},
		{name: "pg admin shutdown", err: &pgconn.PgError{Code: "08006"}, want: WriteErrorClassConnection},
		{name: "pg deadlock", err: &pgconn.PgError{Code: "40P01"}, want: WriteErrorClassContention},
		{name: "pg query canceled", err: &pgconn.PgError{Code: "57014"}, want: WriteErrorClassTimeout},
		{name: "unknown", err: errors.New("something went wrong"), want: WriteErrorClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyWriteError(tt.err); got != tt.want {
				t.Fatalf("ClassifyWriteError(%v)=%q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
