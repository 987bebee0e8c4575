package trace

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Write failure classes reported in WriteFailure.ErrorClass.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// ClassifyWriteError buckets a store error so operators can alert on the
// failure category.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	// net.Error can be both a timeout and an OpError; timeout wins.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}

	if class, ok := classifyPostgresError(err); ok {
		return class
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "broken pipe", "no such host", "redis: client is closed", "sql: database is closed"):
		return WriteErrorClassConnection
	case containsAny(msg, "timeout", "deadline exceeded"):
		return WriteErrorClassTimeout
	case containsAny(msg, "sqlite_busy", "database is locked", "busy"):
		return WriteErrorClassContention
	case containsAny(msg, "unique constraint", "duplicate key", "check constraint", "not null constraint"):
		return WriteErrorClassConstraint
	default:
		return WriteErrorClassUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
