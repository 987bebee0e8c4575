package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ongoingai/instrument/internal/config"
	"github.com/ongoingai/instrument/internal/errclass"
)

const probeTestConfig = `retry:
  max_attempts: 3
  base_delay_ms: 1
sampler:
  enabled: false
logging:
  level: error
`

func decodeProbeDocument(t *testing.T, raw []byte) probeDocument {
	t.Helper()

	var doc probeDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode probe output: %v (raw=%q)", err, string(raw))
	}
	return doc
}

func aggregateByKey(doc probeDocument, key string) (probeAggregate, bool) {
	for _, a := range doc.Aggregates {
		if a.Key == key {
			return a, true
		}
	}
	return probeAggregate{}, false
}

func TestRunProbeMeasuresSuccessfulRequests(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	args := append(writeTestConfig(t, probeTestConfig), "--url", server.URL, "--count", "3", "--name", "health", "--format", "json")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runProbe(args, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runProbe() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	if hits.Load() != 3 {
		t.Fatalf("server hits=%d, want 3", hits.Load())
	}

	doc := decodeProbeDocument(t, stdout.Bytes())
	if doc.Requests != 3 || doc.Succeeded != 3 || doc.Failed != 0 {
		t.Fatalf("requests/succeeded/failed=%d/%d/%d, want 3/3/0", doc.Requests, doc.Succeeded, doc.Failed)
	}
	success, ok := aggregateByKey(doc, "health_success")
	if !ok || success.Samples != 3 || success.Mean != 1 {
		t.Fatalf("health_success=%+v (ok=%v), want 3 samples of 1", success, ok)
	}
	attempts, ok := aggregateByKey(doc, "health_attempts")
	if !ok || attempts.Max != 1 {
		t.Fatalf("health_attempts=%+v (ok=%v), want max 1", attempts, ok)
	}
	if _, ok := aggregateByKey(doc, "health_duration_ms"); !ok {
		t.Fatalf("aggregates=%+v, want health_duration_ms", doc.Aggregates)
	}
	if len(doc.System) != 0 {
		t.Fatalf("system=%v, want none with sampler disabled", doc.System)
	}
}

func TestRunProbeReportsClassifiedAPIFailureWithoutRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"no such page"}`))
	}))
	defer server.Close()

	args := append(writeTestConfig(t, probeTestConfig), "--url", server.URL, "--format", "json")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runProbe(args, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("runProbe() code=%d, want 1", code)
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits=%d, want 1 (api failures are not retried)", hits.Load())
	}

	doc := decodeProbeDocument(t, stdout.Bytes())
	if doc.Failed != 1 || len(doc.Failures) != 1 {
		t.Fatalf("failed=%d failures=%+v, want one failure", doc.Failed, doc.Failures)
	}
	failure := doc.Failures[0]
	if failure.Kind != "api" || failure.Code != errclass.CodeNotFound || failure.Status != http.StatusNotFound {
		t.Fatalf("failure=%+v, want api NOT_FOUND 404", failure)
	}
	if failure.Message != errclass.FormatForUser(&errclass.Error{Kind: errclass.KindAPI, Code: errclass.CodeNotFound}) {
		t.Fatalf("message=%q, want user-facing not found message", failure.Message)
	}
	success, ok := aggregateByKey(doc, "probe_success")
	if !ok || success.Mean != 0 {
		t.Fatalf("probe_success=%+v (ok=%v), want 0", success, ok)
	}
}

func TestRunProbeRetriesNetworkFailures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	target := server.URL
	server.Close()

	args := append(writeTestConfig(t, probeTestConfig), "--url", target, "--format", "json")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runProbe(args, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("runProbe() code=%d, want 1", code)
	}
	doc := decodeProbeDocument(t, stdout.Bytes())
	if len(doc.Failures) != 1 || doc.Failures[0].Kind != "network" || doc.Failures[0].Code != errclass.CodeNetwork {
		t.Fatalf("failures=%+v, want one network failure", doc.Failures)
	}
	attempts, ok := aggregateByKey(doc, "probe_attempts")
	if !ok || attempts.Max != 3 {
		t.Fatalf("probe_attempts=%+v (ok=%v), want 3", attempts, ok)
	}
}

func TestRunProbeTextOutputIncludesSystemSamples(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	args := append(writeTestConfig(t, "logging:\n  level: error\n"), "--url", server.URL)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runProbe(args, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runProbe() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"1 requests, 1 succeeded, 0 failed", "probe_duration_ms", "goroutines:", "memory_mb:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout=%q, want %q", out, want)
		}
	}
}

func TestRunProbeRejectsInvalidFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing url", args: nil, want: "probe requires --url"},
		{name: "bad scheme", args: []string{"--url", "ftp://example.com"}, want: "scheme must be http or https"},
		{name: "missing host", args: []string{"--url", "http://"}, want: "missing host"},
		{name: "zero count", args: []string{"--url", "http://example.com", "--count", "0"}, want: "invalid probe count 0"},
		{name: "huge count", args: []string{"--url", "http://example.com", "--count", "5000"}, want: "invalid probe count 5000"},
		{name: "blank name", args: []string{"--url", "http://example.com", "--name", " "}, want: "probe name must not be empty"},
		{name: "bad format", args: []string{"--url", "http://example.com", "--format", "xml"}, want: "invalid probe format"},
		{name: "positional", args: []string{"extra"}, want: "does not accept positional arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stdout bytes.Buffer
			var stderr bytes.Buffer
			code := runProbe(tt.args, &stdout, &stderr)
			if code != 2 {
				t.Fatalf("runProbe() code=%d, want 2", code)
			}
			if !strings.Contains(stderr.String(), tt.want) {
				t.Fatalf("stderr=%q, want %q", stderr.String(), tt.want)
			}
		})
	}
}

func TestProbeStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Sampler.Enabled = false
	comps, err := newComponents(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("newComponents() error: %v", err)
	}
	defer comps.close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc := probe(ctx, comps, http.DefaultClient, "http://127.0.0.1:1", "cancelled", 5)
	if doc.Requests != 0 || doc.Succeeded != 0 || doc.Failed != 0 {
		t.Fatalf("doc=%+v, want no requests after cancellation", doc)
	}
}
