package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ongoingai/instrument/internal/logging"
	"github.com/ongoingai/instrument/internal/metrics"
	"github.com/ongoingai/instrument/internal/sampler"
	"github.com/ongoingai/instrument/internal/trace"
	"github.com/ongoingai/instrument/internal/version"
)

const metricsNamespace = "instrument"

var listen = net.Listen

func runServe(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	paths := registerConfigFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "serve does not accept positional arguments")
		return 2
	}

	cfg, ok := loadConfigOrReport(paths, errOut)
	if !ok {
		return 1
	}
	logger, err := logging.New(out, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize logger: %v\n", err)
		return 1
	}

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := newComponents(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize components: %v\n", err)
		return 1
	}
	defer comps.close()

	var smp *sampler.Sampler
	if cfg.Sampler.Enabled {
		smp = sampler.New(
			comps.metrics,
			sampler.WithInterval(time.Duration(cfg.Sampler.IntervalMS)*time.Millisecond),
			sampler.WithLogger(logger),
		)
	}

	ln, err := listen("tcp", cfg.Server.Address())
	if err != nil {
		fmt.Fprintf(errOut, "failed to listen on %s: %v\n", cfg.Server.Address(), err)
		return 1
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", ln.Addr().String(),
		"storage_driver", cfg.Storage.Driver,
		"registry_enabled", cfg.Registry.Enabled,
		"sampler_enabled", cfg.Sampler.Enabled,
		"config_path", paths.config,
	)

	if err := serve(ctx, ln, comps, smp); err != nil {
		logger.Error("instrument server failed", "error", err)
		return 1
	}
	logger.Info("instrument server stopped")
	return 0
}

// serve runs the sampler and the metrics server until ctx is done or the
// server fails, then shuts both down.
func serve(ctx context.Context, ln net.Listener, comps *components, smp *sampler.Sampler) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(comps.metrics, metricsNamespace),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	server := newMetricsServer(comps.logger, comps.otel.WrapHTTPHandler(newServeMux(registry, comps)))

	g, gctx := errgroup.WithContext(ctx)
	if smp != nil {
		smp.Start(gctx)
	}
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		var errs []error
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
		if smp != nil {
			samplerCtx, cancelSampler := context.WithTimeout(context.Background(), samplerShutdownTimeout)
			defer cancelSampler()
			if err := smp.Shutdown(samplerCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown sampler: %w", err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newMetricsServer(logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
}

type healthResponse struct {
	Status        string             `json:"status"`
	Build         version.Info       `json:"build"`
	StorageDriver string             `json:"storage_driver"`
	ActiveTraces  int                `json:"active_traces"`
	MetricKeys    int                `json:"metric_keys"`
	Writer        *trace.Diagnostics `json:"writer,omitempty"`
}

func newServeMux(registry *prometheus.Registry, comps *components) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(comps.logger.Handler(), slog.LevelWarn),
	}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		body := healthResponse{
			Status:        "ok",
			Build:         version.Get(),
			StorageDriver: comps.cfg.Storage.Driver,
			ActiveTraces:  comps.registry.ActiveCount(),
			MetricKeys:    len(comps.metrics.Keys()),
		}
		if comps.writer != nil {
			diag := comps.writer.Diagnostics()
			body.Writer = &diag
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			comps.logger.Warn("failed to encode health response", "error", err)
		}
	})
	return mux
}
