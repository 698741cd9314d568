package observability

import (
	"time"

	"github.com/yelp/casper/internal/observability/metricsrelay"
)

// RelaySink adapts a metricsrelay.Emitter to the Sink interface,
// translating the fixed Dimensions bag into the relay's free-form
// extraDims map. A nil Emitter (relay not configured) makes every call a
// no-op.
type RelaySink struct {
	emitter *metricsrelay.Emitter
}

// NewRelaySink wraps emitter (which may be nil) as a Sink.
func NewRelaySink(emitter *metricsrelay.Emitter) *RelaySink {
	return &RelaySink{emitter: emitter}
}

func (r *RelaySink) Count(name string, dims Dimensions) {
	r.CountBy(name, 1, dims)
}

func (r *RelaySink) CountBy(name string, value float64, dims Dimensions) {
	if r.emitter == nil {
		return
	}
	r.emitter.Emit(name, value, metricsrelay.TypeCounter, dims.asMap())
}

func (r *RelaySink) Timing(name string, d time.Duration, dims Dimensions) {
	if r.emitter == nil {
		return
	}
	r.emitter.EmitTiming(name, d, dims.asMap())
}

func (d Dimensions) asMap() map[string]string {
	m := make(map[string]string, 4)
	if d.Namespace != "" {
		m["namespace"] = d.Namespace
	}
	if d.CacheName != "" {
		m["cache_name"] = d.CacheName
	}
	if d.CacheStatus != "" {
		m["cache_status"] = d.CacheStatus
	}
	if d.Status != "" {
		m["status"] = d.Status
	}
	return m
}

// FanoutSink broadcasts every call to all of its members, skipping nils —
// this is how Casper wires both the in-process Prometheus registry and the
// external metrics relay off the same emission call sites.
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink builds a Sink that forwards to every non-nil member.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

func (f *FanoutSink) Count(name string, dims Dimensions) {
	for _, s := range f.sinks {
		if s != nil {
			s.Count(name, dims)
		}
	}
}

func (f *FanoutSink) CountBy(name string, value float64, dims Dimensions) {
	for _, s := range f.sinks {
		if s != nil {
			s.CountBy(name, value, dims)
		}
	}
}

func (f *FanoutSink) Timing(name string, d time.Duration, dims Dimensions) {
	for _, s := range f.sinks {
		if s != nil {
			s.Timing(name, d, dims)
		}
	}
}
