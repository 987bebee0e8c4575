package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/ongoingai/instrument/internal/logging"
	"gopkg.in/yaml.v3"
)

const (
	StorageDriverNone     = "none"
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
	StorageDriverRedis    = "redis"
)

type Config struct {
	Registry      RegistryConfig      `yaml:"registry"`
	Retry         RetryConfig         `yaml:"retry"`
	Sampler       SamplerConfig       `yaml:"sampler"`
	Storage       StorageConfig       `yaml:"storage"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type RegistryConfig struct {
	Enabled   bool   `yaml:"enabled" env:"INSTRUMENT_REGISTRY_ENABLED"`
	Platform  string `yaml:"platform" env:"INSTRUMENT_PLATFORM"`
	Retention int    `yaml:"retention" env:"INSTRUMENT_RETENTION"`
}

type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts" env:"INSTRUMENT_RETRY_MAX_ATTEMPTS"`
	BaseDelayMS       int     `yaml:"base_delay_ms" env:"INSTRUMENT_RETRY_BASE_DELAY_MS"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" env:"INSTRUMENT_RETRY_BACKOFF_MULTIPLIER"`
	MaxDelayMS        int     `yaml:"max_delay_ms" env:"INSTRUMENT_RETRY_MAX_DELAY_MS"`
}

type SamplerConfig struct {
	Enabled    bool `yaml:"enabled" env:"INSTRUMENT_SAMPLER_ENABLED"`
	IntervalMS int  `yaml:"interval_ms" env:"INSTRUMENT_SAMPLER_INTERVAL_MS"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"INSTRUMENT_STORAGE_DRIVER"`
	Path        string `yaml:"path" env:"INSTRUMENT_STORAGE_PATH"`
	DSN         string `yaml:"dsn" env:"INSTRUMENT_STORAGE_DSN"`
	RedisURL    string `yaml:"redis_url" env:"INSTRUMENT_REDIS_URL"`
	RedisStream string `yaml:"redis_stream" env:"INSTRUMENT_REDIS_STREAM"`
	RedisMaxLen int64  `yaml:"redis_max_len" env:"INSTRUMENT_REDIS_MAX_LEN"`
	QueueSize   int    `yaml:"queue_size" env:"INSTRUMENT_STORAGE_QUEUE_SIZE"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"INSTRUMENT_HOST"`
	Port int    `yaml:"port" env:"INSTRUMENT_PORT"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"INSTRUMENT_LOG_LEVEL"`
	Format string `yaml:"format" env:"INSTRUMENT_LOG_FORMAT"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "instrument"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Registry: RegistryConfig{
			Enabled:   true,
			Platform:  runtime.GOOS,
			Retention: 100,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelayMS:       1000,
			BackoffMultiplier: 2,
		},
		Sampler: SamplerConfig{
			Enabled:    true,
			IntervalMS: 60000,
		},
		Storage: StorageConfig{
			Driver:      StorageDriverNone,
			Path:        "./data/instrument.db",
			RedisStream: "instrument:events",
			RedisMaxLen: 10000,
			QueueSize:   1024,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9464,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

// LoadDotEnv exports the variables of a .env file into the process
// environment without overriding ones already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Registry.Retention < 1 {
		return fmt.Errorf("registry.retention must be >= 1 (got %d)", cfg.Registry.Retention)
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelayMS < 0 {
		return fmt.Errorf("retry.base_delay_ms must be >= 0 (got %d)", cfg.Retry.BaseDelayMS)
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1 (got %g)", cfg.Retry.BackoffMultiplier)
	}
	if cfg.Retry.MaxDelayMS < 0 {
		return fmt.Errorf("retry.max_delay_ms must be >= 0 (got %d)", cfg.Retry.MaxDelayMS)
	}

	if cfg.Sampler.Enabled && cfg.Sampler.IntervalMS <= 0 {
		return fmt.Errorf("sampler.interval_ms must be > 0 when sampler.enabled=true (got %d)", cfg.Sampler.IntervalMS)
	}

	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch cfg.Logging.Format {
	case logging.FormatJSON, logging.FormatText:
	default:
		return fmt.Errorf("logging.format must be one of json, text (got %q)", cfg.Logging.Format)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateStorage(cfg StorageConfig) error {
	driver := strings.TrimSpace(cfg.Driver)
	switch driver {
	case StorageDriverNone:
		return nil
	case StorageDriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	case StorageDriverRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return errors.New("storage.redis_url is required when storage.driver=redis")
		}
		if cfg.RedisMaxLen < 0 {
			return fmt.Errorf("storage.redis_max_len must be >= 0 (got %d)", cfg.RedisMaxLen)
		}
	default:
		return fmt.Errorf("storage.driver must be one of none, sqlite, postgres, redis (got %q)", cfg.Driver)
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("storage.queue_size must be > 0 (got %d)", cfg.QueueSize)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return applyOTelEnv(&cfg.Observability.OTel)
}

// applyOTelEnv honors the standard OTEL_* variables. Setting any of them
// enables the exporter unless OTEL_SDK_DISABLED says otherwise.
func applyOTelEnv(cfg *OTelConfig) error {
	configured := false
	sdkDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		sdkDisabledSet = true
		configured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		configured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		configured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		configured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		configured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		configured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		configured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		configured = true
	}
	if interval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); interval != "" {
		v, err := strconv.Atoi(interval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		configured = true
	}
	if configured && !sdkDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
