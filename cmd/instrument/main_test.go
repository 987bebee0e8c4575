package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/instrument/internal/config"
	"github.com/ongoingai/instrument/internal/errclass"
	"github.com/ongoingai/instrument/internal/retry"
	"github.com/ongoingai/instrument/internal/version"
)

// writeTestConfig writes body to a temp config and returns the flags that
// point a command at it with no .env file.
func writeTestConfig(t *testing.T, body string) []string {
	t.Helper()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "instrument.yaml")
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return []string{"--config", configPath, "--env", filepath.Join(dir, "missing.env")}
}

func TestRunRejectsMissingAndUnknownCommands(t *testing.T) {
	t.Parallel()

	if code := run(nil); code != 2 {
		t.Fatalf("run(nil)=%d, want 2", code)
	}
	if code := run([]string{"launch"}); code != 2 {
		t.Fatalf("run(launch)=%d, want 2", code)
	}
}

func TestPrintUsageListsCommands(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printUsage(&buf)
	for _, command := range []string{"serve", "probe", "report", "config validate", "version"} {
		if !strings.Contains(buf.String(), command) {
			t.Fatalf("usage=%q, want %q listed", buf.String(), command)
		}
	}
}

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "", want: "text"},
		{raw: "JSON", want: "json"},
		{raw: " text ", want: "text"},
		{raw: "yaml", wantErr: true},
	}
	for _, tt := range tests {
		got, err := normalizeTextJSONFormat("report", tt.raw, "text")
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "invalid report format") {
				t.Fatalf("normalizeTextJSONFormat(%q) error=%v, want format error", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("normalizeTextJSONFormat(%q)=%q,%v, want %q", tt.raw, got, err, tt.want)
		}
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	t.Parallel()

	got := retryPolicy(config.RetryConfig{
		MaxAttempts:       5,
		BaseDelayMS:       250,
		BackoffMultiplier: 3,
		MaxDelayMS:        2000,
	})
	if got.MaxAttempts != 5 || got.BaseDelay != 250*time.Millisecond || got.BackoffMultiplier != 3 || got.MaxDelay != 2*time.Second {
		t.Fatalf("retryPolicy()=%+v, want attempts=5 base=250ms multiplier=3 max=2s", got)
	}
	if got.ShouldRetry == nil {
		t.Fatal("ShouldRetry is nil, want network-only predicate")
	}
	if !got.ShouldRetry(errclass.NewNetwork(errors.New("reset"))) {
		t.Fatal("ShouldRetry(network)=false, want true")
	}
	if got.ShouldRetry(errclass.NewAPI(errclass.CodeNotFound, "missing", 404)) {
		t.Fatal("ShouldRetry(api)=true, want false")
	}

	defaults := retryPolicy(config.Default().Retry)
	want := retry.DefaultPolicy()
	if defaults.MaxAttempts != want.MaxAttempts || defaults.BaseDelay != want.BaseDelay || defaults.BackoffMultiplier != want.BackoffMultiplier {
		t.Fatalf("retryPolicy(defaults)=%+v, want %+v", defaults, want)
	}
}

func TestOpenEventStore(t *testing.T) {
	t.Parallel()

	store, err := openEventStore(config.StorageConfig{Driver: config.StorageDriverNone})
	if err != nil || store != nil {
		t.Fatalf("openEventStore(none)=%v,%v, want nil,nil", store, err)
	}

	if _, err := openEventStore(config.StorageConfig{Driver: "mongo"}); err == nil || !strings.Contains(err.Error(), `unsupported storage.driver "mongo"`) {
		t.Fatalf("openEventStore(mongo) error=%v, want unsupported driver", err)
	}

	path := filepath.Join(t.TempDir(), "events.db")
	store, err = openEventStore(config.StorageConfig{Driver: config.StorageDriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("openEventStore(sqlite) error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestRunVersion(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runVersion(nil, &stdout, &stderr); code != 0 {
		t.Fatalf("runVersion() code=%d, want 0", code)
	}
	if got := strings.TrimSpace(stdout.String()); got != version.String() {
		t.Fatalf("stdout=%q, want %q", got, version.String())
	}

	stdout.Reset()
	if code := runVersion([]string{"--json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runVersion(--json) code=%d, want 0", code)
	}
	var info version.Info
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if info != version.Get() {
		t.Fatalf("info=%+v, want %+v", info, version.Get())
	}

	if code := runVersion([]string{"extra"}, &stdout, &stderr); code != 2 {
		t.Fatalf("runVersion(extra) code=%d, want 2", code)
	}
}
