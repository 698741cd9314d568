// Package observability implements the counter/timer sink contract:
// every component emits dimensioned counters and timers through a Sink,
// and the tracing middleware wraps each request in a span.
// Transport to the external metrics relay and syslog sink lives in the
// metricsrelay and syslogsink subpackages; this package carries the
// emitter contract plus the in-process Prometheus implementation.
package observability

import "time"

// Dimensions are the label set carried on every emission: namespace,
// cache_name, cache_status, status.
type Dimensions struct {
	Namespace   string
	CacheName   string
	CacheStatus string
	Status      string
}

// Sink accepts counters and timers dimensioned per Dimensions. An
// implementation that does not support a dimension is free to drop it.
type Sink interface {
	Count(name string, dims Dimensions)
	CountBy(name string, value float64, dims Dimensions)
	Timing(name string, d time.Duration, dims Dimensions)
}

// allDim is the special "__ALL__" dimension value: request timing is
// emitted four times, across {cache_name, __ALL__} x {namespace,
// __ALL__}, so per-cache and rollup series exist side by side.
const allDim = "__ALL__"

// EmitRequestTiming emits the timer across the full cross-product.
func EmitRequestTiming(sink Sink, d time.Duration, namespace, cacheName, cacheStatus, status string) {
	for _, ns := range []string{namespace, allDim} {
		for _, cn := range []string{cacheName, allDim} {
			sink.Timing("casper.request_time", d, Dimensions{
				Namespace:   ns,
				CacheName:   cn,
				CacheStatus: cacheStatus,
				Status:      status,
			})
		}
	}
}
