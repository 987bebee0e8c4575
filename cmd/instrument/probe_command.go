package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/instrument/internal/errclass"
	"github.com/ongoingai/instrument/internal/instrument"
	"github.com/ongoingai/instrument/internal/logging"
	"github.com/ongoingai/instrument/internal/metrics"
	"github.com/ongoingai/instrument/internal/sampler"
	"github.com/ongoingai/instrument/internal/trace"
)

const (
	defaultProbeCount   = 1
	maxProbeCount       = 1000
	defaultProbeName    = "probe"
	defaultProbeTimeout = 10 * time.Second
	defaultProbeFormat  = "text"
)

type probeDocument struct {
	URL        string             `json:"url"`
	Name       string             `json:"name"`
	Requests   int                `json:"requests"`
	Succeeded  int                `json:"succeeded"`
	Failed     int                `json:"failed"`
	Failures   []probeFailure     `json:"failures,omitempty"`
	Aggregates []probeAggregate   `json:"aggregates"`
	System     map[string]float64 `json:"system,omitempty"`
}

type probeFailure struct {
	Request int    `json:"request"`
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

type probeAggregate struct {
	Key     string  `json:"key"`
	Mean    float64 `json:"mean"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
}

func runProbe(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("probe", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	paths := registerConfigFlags(flagSet)
	rawURL := flagSet.String("url", "", "URL to GET")
	count := flagSet.Int("count", defaultProbeCount, "Number of measured requests (1-1000)")
	name := flagSet.String("name", defaultProbeName, "Trace name for each request")
	timeout := flagSet.Duration("timeout", defaultProbeTimeout, "Per-attempt request timeout")
	format := flagSet.String("format", defaultProbeFormat, "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "probe does not accept positional arguments")
		return 2
	}

	target, err := parseProbeURL(*rawURL)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *count < 1 || *count > maxProbeCount {
		fmt.Fprintf(errOut, "invalid probe count %d: expected 1-%d\n", *count, maxProbeCount)
		return 2
	}
	traceName := strings.TrimSpace(*name)
	if traceName == "" {
		fmt.Fprintln(errOut, "probe name must not be empty")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("probe", *format, defaultProbeFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg, ok := loadConfigOrReport(paths, errOut)
	if !ok {
		return 1
	}
	logger, err := logging.New(errOut, cfg.Logging.Level, cfg.Logging.Format)
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

	client := &http.Client{
		Timeout:   *timeout,
		Transport: comps.otel.WrapHTTPTransport(http.DefaultTransport),
	}
	doc := probe(ctx, comps, client, target, traceName, *count)

	if normalizedFormat == "json" {
		if err := writeProbeJSON(out, doc); err != nil {
			fmt.Fprintf(errOut, "failed to write probe output: %v\n", err)
			return 1
		}
	} else {
		writeProbeText(out, doc)
	}
	if doc.Failed > 0 {
		return 1
	}
	return 0
}

func parseProbeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("probe requires --url")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid probe url %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("invalid probe url %q: scheme must be http or https", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid probe url %q: missing host", raw)
	}
	return parsed.String(), nil
}

// probe measures count GETs of target and summarizes the metrics store.
func probe(ctx context.Context, comps *components, client *http.Client, target, name string, count int) probeDocument {
	in := comps.instrumenter()
	doc := probeDocument{URL: target, Name: name, Requests: count}

	for i := 1; i <= count; i++ {
		if ctx.Err() != nil {
			doc.Requests = i - 1
			break
		}
		_, err := instrument.Measure(ctx, in, name, func(ctx context.Context) (int, error) {
			return probeOnce(ctx, client, target)
		})
		if err == nil {
			doc.Succeeded++
			continue
		}
		doc.Failed++
		classified, _ := errclass.As(err)
		doc.Failures = append(doc.Failures, probeFailure{
			Request: i,
			Kind:    classified.Kind.String(),
			Code:    classified.Code,
			Status:  classified.StatusCode,
			Message: errclass.FormatForUser(classified),
		})
	}

	if comps.cfg.Sampler.Enabled {
		sampler.New(comps.metrics, sampler.WithLogger(comps.logger)).SampleOnce(ctx)
		doc.System = make(map[string]float64)
		for _, key := range comps.metrics.Keys() {
			if strings.HasPrefix(key, sampler.KeyPrefix) {
				doc.System[strings.TrimPrefix(key, sampler.KeyPrefix)] = comps.metrics.Aggregate(key).Mean
			}
		}
	}

	prefix := trace.MetricKey(name, "")
	for _, key := range comps.metrics.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		doc.Aggregates = append(doc.Aggregates, newProbeAggregate(key, comps.metrics.Aggregate(key)))
	}
	return doc
}

func probeOnce(ctx context.Context, client *http.Client, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, errclass.NewValidation(err.Error(), map[string]string{"url": "invalid request url"})
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	if err := errclass.FromHTTPResponse(resp); err != nil {
		return resp.StatusCode, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func newProbeAggregate(key string, agg metrics.Aggregate) probeAggregate {
	return probeAggregate{Key: key, Mean: agg.Mean, Min: agg.Min, Max: agg.Max, Samples: agg.Count}
}

func writeProbeJSON(out io.Writer, doc probeDocument) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func writeProbeText(out io.Writer, doc probeDocument) {
	fmt.Fprintf(out, "probe %s (%s): %d requests, %d succeeded, %d failed\n",
		doc.URL, doc.Name, doc.Requests, doc.Succeeded, doc.Failed)
	for _, f := range doc.Failures {
		fmt.Fprintf(out, "  request %d: %s [%s] %s\n", f.Request, f.Kind, f.Code, f.Message)
	}
	if len(doc.Aggregates) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tMEAN\tMIN\tMAX\tSAMPLES")
		for _, a := range doc.Aggregates {
			fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%.3f\t%d\n", a.Key, a.Mean, a.Min, a.Max, a.Samples)
		}
		_ = tw.Flush()
	}
	if len(doc.System) > 0 {
		fmt.Fprintln(out)
		for _, key := range sortedKeys(doc.System) {
			fmt.Fprintf(out, "%s: %.2f\n", key, doc.System[key])
		}
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
