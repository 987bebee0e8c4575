package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ongoingai/instrument/internal/config"
	"github.com/ongoingai/instrument/internal/retry"
)

const (
	configStageEnv      = "env"
	configStageLoad     = "load"
	configStageValidate = "validate"
)

type configPaths struct {
	config string
	env    string
}

func registerConfigFlags(flagSet *flag.FlagSet) *configPaths {
	paths := &configPaths{}
	flagSet.StringVar(&paths.config, "config", defaultConfigPath, "Path to config file")
	flagSet.StringVar(&paths.env, "env", defaultEnvPath, "Path to .env file loaded before the config")
	return paths
}

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(paths configPaths) (config.Config, string, error) {
	if err := config.LoadDotEnv(paths.env); err != nil {
		return config.Config{}, configStageEnv, err
	}
	cfg, err := config.Load(paths.config)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// loadConfigOrReport prints the failing stage to errOut.
func loadConfigOrReport(paths *configPaths, errOut io.Writer) (config.Config, bool) {
	cfg, stage, err := loadAndValidateConfig(*paths)
	if err == nil {
		return cfg, true
	}
	switch stage {
	case configStageEnv:
		fmt.Fprintf(errOut, "failed to load env file: %v\n", err)
	case configStageLoad:
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
	default:
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
	}
	return config.Config{}, false
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	p.BaseDelay = time.Duration(cfg.BaseDelayMS) * time.Millisecond
	p.BackoffMultiplier = cfg.BackoffMultiplier
	p.MaxDelay = time.Duration(cfg.MaxDelayMS) * time.Millisecond
	return p.Normalize()
}
