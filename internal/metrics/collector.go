package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector exports every key's current aggregate as Prometheus gauges.
type Collector struct {
	store *Store

	mean    *prometheus.Desc
	min     *prometheus.Desc
	max     *prometheus.Desc
	samples *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector reading from store. namespace prefixes
// the metric names and defaults to "instrument".
func NewCollector(store *Store, namespace string) *Collector {
	if namespace == "" {
		namespace = "instrument"
	}
	labels := []string{"key"}
	return &Collector{
		store: store,
		mean: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "metric", "mean"),
			"Mean of the retained samples for a metric key.",
			labels, nil,
		),
		min: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "metric", "min"),
			"Minimum of the retained samples for a metric key.",
			labels, nil,
		),
		max: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "metric", "max"),
			"Maximum of the retained samples for a metric key.",
			labels, nil,
		),
		samples: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "metric", "samples"),
			"Number of retained samples for a metric key.",
			labels, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.mean
	ch <- c.min
	ch <- c.max
	ch <- c.samples
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.store == nil {
		return
	}
	for _, key := range c.store.Keys() {
		agg := c.store.Aggregate(key)
		if agg.Count == 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.mean, prometheus.GaugeValue, agg.Mean, key)
		ch <- prometheus.MustNewConstMetric(c.min, prometheus.GaugeValue, agg.Min, key)
		ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, agg.Max, key)
		ch <- prometheus.MustNewConstMetric(c.samples, prometheus.GaugeValue, float64(agg.Count), key)
	}
}
