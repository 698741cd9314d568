package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractB3OnlyCopiesKnownHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderTraceID, "trace-1")
	h.Set(HeaderSampled, "1")
	h.Set("X-Unrelated", "noise")

	out := ExtractB3(h)
	assert.Equal(t, "trace-1", out.Get(HeaderTraceID))
	assert.Equal(t, "1", out.Get(HeaderSampled))
	assert.Empty(t, out.Get("X-Unrelated"))
}

func TestZipkinHeaderEmptyWhenNoTraceID(t *testing.T) {
	assert.Equal(t, "", ZipkinHeader(nil))
	assert.Equal(t, "", ZipkinHeader(http.Header{}))

	h := http.Header{}
	h.Set(HeaderTraceID, "abc")
	assert.Equal(t, "abc", ZipkinHeader(h))
}

func TestParseSampled(t *testing.T) {
	h := http.Header{}
	assert.False(t, ParseSampled(h))
	h.Set(HeaderSampled, "1")
	assert.True(t, ParseSampled(h))
	h.Set(HeaderSampled, "0")
	assert.False(t, ParseSampled(h))
}

func TestNewProviderWithoutEndpointCreatesDiscardingSpans(t *testing.T) {
	tp, err := NewProvider(context.Background(), "", "casper-test")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), tp.Tracer("test"), "request", "biz-service", "biz", "hit")
	assert.NotNil(t, span)
	span.End()
}
