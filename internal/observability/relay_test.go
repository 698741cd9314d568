package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	counts  []string
	timings []string
}

func (r *recordingSink) Count(name string, dims Dimensions) { r.CountBy(name, 1, dims) }
func (r *recordingSink) CountBy(name string, _ float64, dims Dimensions) {
	r.counts = append(r.counts, name+":"+dims.Namespace)
}
func (r *recordingSink) Timing(name string, _ time.Duration, dims Dimensions) {
	r.timings = append(r.timings, name+":"+dims.Namespace)
}

func TestFanoutSinkBroadcastsToEveryMember(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	fan := NewFanoutSink(a, b, nil)

	fan.Count("casper.cache_hits", Dimensions{Namespace: "biz"})
	fan.Timing("casper.request_time", time.Millisecond, Dimensions{Namespace: "biz"})

	assert.Equal(t, []string{"casper.cache_hits:biz"}, a.counts)
	assert.Equal(t, []string{"casper.cache_hits:biz"}, b.counts)
	assert.Equal(t, []string{"casper.request_time:biz"}, a.timings)
}

func TestRelaySinkNilEmitterIsNoop(t *testing.T) {
	sink := NewRelaySink(nil)
	assert.NotPanics(t, func() {
		sink.Count("casper.cache_hits", Dimensions{Namespace: "biz"})
		sink.Timing("casper.request_time", time.Millisecond, Dimensions{Namespace: "biz"})
	})
}

func TestDimensionsAsMapOmitsEmptyFields(t *testing.T) {
	m := Dimensions{Namespace: "biz", CacheName: "bulk"}.asMap()
	assert.Equal(t, map[string]string{"namespace": "biz", "cache_name": "bulk"}, m)
}
