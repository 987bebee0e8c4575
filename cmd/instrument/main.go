package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/ongoingai/instrument/internal/version"
)

const defaultConfigPath = "instrument.yaml"
const defaultEnvPath = ".env"

const writerShutdownTimeout = 5 * time.Second
const samplerShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		return runVersion(args[1:], os.Stdout, os.Stderr)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	case "serve":
		return runServe(args[1:], os.Stdout, os.Stderr)
	case "probe":
		return runProbe(args[1:], os.Stdout, os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runVersion(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("version", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	asJSON := flagSet.Bool("json", false, "Print build metadata as JSON")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "version does not accept positional arguments")
		return 2
	}

	if !*asJSON {
		fmt.Fprintln(out, version.String())
		return 0
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(version.Get()); err != nil {
		fmt.Fprintf(errOut, "failed to write version: %v\n", err)
		return 1
	}
	return 0
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	paths := registerConfigFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	cfg, ok := loadConfigOrReport(paths, errOut)
	if !ok {
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s (storage.driver=%s)\n", paths.config, cfg.Storage.Driver)
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: instrument <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  serve            run the sampler and expose /metrics and /healthz")
	fmt.Fprintln(w, "  probe            measure repeated HTTP GETs of a URL")
	fmt.Fprintln(w, "  report           list recent stored trace events")
	fmt.Fprintln(w, "  config validate  load and validate the config file")
	fmt.Fprintln(w, "  version          print version information")
}

func printConfigUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: instrument config validate [--config path/to/instrument.yaml] [--env path/to/.env]")
}
