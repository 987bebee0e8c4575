package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ongoingai/instrument/internal/config"
	"github.com/ongoingai/instrument/internal/instrument"
	"github.com/ongoingai/instrument/internal/logging"
	"github.com/ongoingai/instrument/internal/metrics"
	"github.com/ongoingai/instrument/internal/observability"
	"github.com/ongoingai/instrument/internal/retry"
	"github.com/ongoingai/instrument/internal/trace"
	"github.com/ongoingai/instrument/internal/version"
)

var newOTelRuntime = observability.Setup

// components is everything a command needs to measure operations and
// persist their traces.
type components struct {
	cfg      config.Config
	logger   *slog.Logger
	otel     *observability.Runtime
	metrics  *metrics.Store
	store    trace.EventStore
	writer   *trace.Writer
	registry *trace.Registry
}

func newComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	logger = logging.OrDiscard(logger)
	c := &components{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewStore(metrics.WithRetention(cfg.Registry.Retention)),
	}

	rt, err := newOTelRuntime(ctx, cfg.Observability.OTel, version.String(), logger)
	if err != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", err)
		rt = nil
	}
	c.otel = rt

	store, err := openEventStore(cfg.Storage)
	if err != nil {
		c.shutdownOTel()
		return nil, err
	}
	c.store = store

	var reporters []trace.Reporter
	if store != nil {
		c.writer = trace.NewWriter(store, cfg.Storage.QueueSize)
		c.writer.SetDropHandler(func(event trace.Event) {
			logger.Warn("trace event queue is full; dropping event", "trace_name", event.Name, "trace_id", event.ID)
			c.otel.RecordReportDrop(event)
		})
		c.writer.SetWriteFailureHandler(func(failure trace.WriteFailure) {
			if failure.FailedCount <= 0 {
				return
			}
			c.otel.RecordWriteFailure(failure)
			logger.Error(
				"trace event persistence failed; dropped events",
				"operation", strings.TrimSpace(failure.Operation),
				"batch_size", failure.BatchSize,
				"failed_count", failure.FailedCount,
				"error_class", failure.ErrorClass,
				"error_kind", fmt.Sprintf("%T", failure.Err),
			)
		})
		c.writer.Start(context.Background())
		reporters = append(reporters, c.writer)
	}
	if c.otel.Enabled() {
		reporters = append(reporters, c.otel)
	}
	reporters = append(reporters, trace.LogReporter{Logger: logger, Level: slog.LevelDebug})

	c.registry = trace.NewRegistry(
		trace.WithEnabled(cfg.Registry.Enabled),
		trace.WithPlatform(cfg.Registry.Platform),
		trace.WithRecorder(c.metrics),
		trace.WithReporter(trace.NewMultiReporter(reporters...)),
		trace.WithLogger(logger),
	)
	if err := c.otel.RegisterActiveTraces(c.registry.ActiveCount); err != nil {
		logger.Warn("failed to register active traces gauge", "error", err)
	}
	return c, nil
}

// instrumenter measures through the registry with the configured retry
// policy, counting outcomes on the otel runtime when it is enabled.
func (c *components) instrumenter() *instrument.Instrumenter {
	opts := []instrument.Option{
		instrument.WithDefaultPolicy(retryPolicy(c.cfg.Retry)),
		instrument.WithTracerProvider(c.otel.TracerProvider()),
		instrument.WithLogger(c.logger),
	}
	if c.otel.Enabled() {
		opts = append(opts, instrument.WithOutcomeRecorder(c.otel))
	}
	executor := retry.NewExecutor(retry.WithLogger(c.logger))
	return instrument.New(c.registry, executor, opts...)
}

// close flushes queued events, then closes the store and the otel runtime.
func (c *components) close() {
	if c.writer != nil {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), writerShutdownTimeout)
		if err := c.writer.Shutdown(ctx); err != nil {
			c.logger.Error("failed to flush pending trace events before shutdown", "error", err, "timeout", writerShutdownTimeout.String())
		} else {
			c.logger.Info("flushed pending trace events before shutdown", "duration_ms", time.Since(start).Milliseconds())
		}
		cancel()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Error("failed to close trace event store", "error", err)
		}
	}
	c.shutdownOTel()
}

func (c *components) shutdownOTel() {
	if !c.otel.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()
	if err := c.otel.Shutdown(ctx); err != nil {
		c.logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", otelShutdownTimeout.String())
	}
}

// openEventStore returns a nil store for the none driver.
func openEventStore(cfg config.StorageConfig) (trace.EventStore, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case config.StorageDriverNone:
		return nil, nil
	case config.StorageDriverSQLite:
		store, err := trace.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite storage: %w", err)
		}
		return store, nil
	case config.StorageDriverPostgres:
		store, err := trace.NewPostgresStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres storage: %w", err)
		}
		return store, nil
	case config.StorageDriverRedis:
		store, err := trace.NewRedisStore(trace.RedisConfig{
			URL:    cfg.RedisURL,
			Stream: cfg.RedisStream,
			MaxLen: cfg.RedisMaxLen,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize redis storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Driver)
	}
}
