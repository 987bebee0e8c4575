// Package logging builds the process slog.Logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// New returns a logger writing to w. format "json" uses the JSON handler;
// "text" uses a tint console handler. Either way records carry the active
// span's trace_id and span_id.
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		return slog.New(WithTraceContext(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))), nil
	case FormatText:
		return slog.New(WithTraceContext(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		}))), nil
	default:
		return nil, fmt.Errorf("logging.format must be one of json, text (got %q)", format)
	}
}

// ParseLevel accepts debug, info, warn, and error. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", level)
	}
}

// OrDiscard returns logger, or a logger that drops everything when nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.DiscardHandler)
}
