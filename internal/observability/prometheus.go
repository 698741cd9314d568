package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// dimLabels is the fixed Prometheus label set backing every metric this
// sink exposes; Prometheus (unlike the UDP relay protocol) requires a
// static label set per metric name, so the dynamic Dimensions bag is
// projected onto these four labels, empty string standing in for unset.
var dimLabels = []string{"namespace", "cache_name", "cache_status", "status"}

// PromSink is the in-process Prometheus-backed Sink exposed at C10's
// /metrics endpoint.
type PromSink struct {
	registry *prometheus.Registry
	counters *prometheus.CounterVec
	timers   *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
}

// NewPromSink registers the casper metric family on a fresh registry.
func NewPromSink() *PromSink {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PromSink{
		registry: reg,
		counters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casper_counter_total",
			Help: "Generic casper counter, one series per (metric emitted as a label value).",
		}, append([]string{"metric"}, dimLabels...)),
		timers: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casper_timer_seconds",
			Help:    "Generic casper timer, one series per (metric emitted as a label value).",
			Buckets: prometheus.DefBuckets,
		}, append([]string{"metric"}, dimLabels...)),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casper_cache_hits_total",
			Help: "Cache-aside and bulk handler hits.",
		}, dimLabels),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casper_cache_misses_total",
			Help: "Cache-aside and bulk handler misses.",
		}, dimLabels),
	}
}

// Registry exposes the underlying *prometheus.Registry for C10's /metrics
// handler to serve via promhttp.
func (p *PromSink) Registry() *prometheus.Registry { return p.registry }

func (p *PromSink) Count(name string, dims Dimensions) {
	p.CountBy(name, 1, dims)
}

func (p *PromSink) CountBy(name string, value float64, dims Dimensions) {
	switch name {
	case "casper.cache_hits":
		p.cacheHits.WithLabelValues(dims.Namespace, dims.CacheName, dims.CacheStatus, dims.Status).Add(value)
	case "casper.cache_misses":
		p.cacheMisses.WithLabelValues(dims.Namespace, dims.CacheName, dims.CacheStatus, dims.Status).Add(value)
	default:
		p.counters.WithLabelValues(name, dims.Namespace, dims.CacheName, dims.CacheStatus, dims.Status).Add(value)
	}
}

func (p *PromSink) Timing(name string, d time.Duration, dims Dimensions) {
	p.timers.WithLabelValues(name, dims.Namespace, dims.CacheName, dims.CacheStatus, dims.Status).Observe(d.Seconds())
}
