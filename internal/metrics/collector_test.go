package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorExportsAggregates(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.Record("checkout_duration_ms", 10, baseTime)
	store.Record("checkout_duration_ms", 30, baseTime)

	collector := NewCollector(store, "")
	if got := testutil.CollectAndCount(collector); got != 4 {
		t.Fatalf("metric count=%d, want 4", got)
	}

	expected := `
# HELP instrument_metric_mean Mean of the retained samples for a metric key.
# TYPE instrument_metric_mean gauge
instrument_metric_mean{key="checkout_duration_ms"} 20
# HELP instrument_metric_samples Number of retained samples for a metric key.
# TYPE instrument_metric_samples gauge
instrument_metric_samples{key="checkout_duration_ms"} 2
`
	if err := testutil.CollectAndCompare(collector, strings.NewReader(expected), "instrument_metric_mean", "instrument_metric_samples"); err != nil {
		t.Fatalf("CollectAndCompare() error: %v", err)
	}
}

func TestCollectorRegistersAndHandlesEmptyStore(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	collector := NewCollector(NewStore(), "app")
	if err := reg.Register(collector); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	if len(families) != 0 {
		t.Fatalf("families=%d, want 0 for empty store", len(families))
	}

	if got := testutil.CollectAndCount(NewCollector(nil, "")); got != 0 {
		t.Fatalf("nil store metric count=%d, want 0", got)
	}
}
