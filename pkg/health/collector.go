package health

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/baatcheet/keyrouter/pkg/observability"
)

// Collector exports key capacity gauges computed at scrape time.
type Collector struct {
	reporter *Reporter

	keysTotal     *prometheus.Desc
	keysAvailable *prometheus.Desc
	capacity      *prometheus.Desc
	used          *prometheus.Desc
	keyUsed       *prometheus.Desc
	keyExhausted  *prometheus.Desc
}

// NewCollector creates a Collector over reporter.
func NewCollector(reporter *Reporter) *Collector {
	ns := observability.Namespace
	return &Collector{
		reporter: reporter,
		keysTotal: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "provider", "keys"),
			"Number of keys registered for the provider", []string{"provider"}, nil),
		keysAvailable: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "provider", "keys_available"),
			"Number of keys not exhausted", []string{"provider"}, nil),
		capacity: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "provider", "daily_capacity"),
			"Sum of daily capacity across the provider's keys", []string{"provider"}, nil),
		used: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "provider", "used_today"),
			"Requests counted in the current windows", []string{"provider"}, nil),
		keyUsed: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "key", "used_today"),
			"Requests counted against a key in its current window", []string{"provider", "key"}, nil),
		keyExhausted: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "key", "exhausted"),
			"1 if the key is out of rotation", []string{"provider", "key"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.keysTotal
	ch <- c.keysAvailable
	ch <- c.capacity
	ch <- c.used
	ch <- c.keyUsed
	ch <- c.keyExhausted
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range c.reporter.providers() {
		p := string(h.Provider)
		ch <- prometheus.MustNewConstMetric(c.keysTotal, prometheus.GaugeValue, float64(h.TotalKeys), p)
		ch <- prometheus.MustNewConstMetric(c.keysAvailable, prometheus.GaugeValue, float64(h.AvailableKeys), p)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(h.DailyCapacity), p)
		ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(h.UsedToday), p)

		for _, k := range c.reporter.store.Keys(h.Provider) {
			idx := strconv.Itoa(k.Index)
			exhausted := 0.0
			if k.Exhausted {
				exhausted = 1
			}
			ch <- prometheus.MustNewConstMetric(c.keyUsed, prometheus.GaugeValue, float64(k.UsedToday), p, idx)
			ch <- prometheus.MustNewConstMetric(c.keyExhausted, prometheus.GaugeValue, exhausted, p, idx)
		}
	}
}
