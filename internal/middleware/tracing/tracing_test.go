package tracing

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yelp/casper/internal/model"
	obstracing "github.com/yelp/casper/internal/observability/tracing"
	"github.com/yelp/casper/internal/observability/syslogsink"
)

func newRequestContext() *model.RequestContext {
	return &model.RequestContext{
		Method:      http.MethodGet,
		URI:         "/biz/yelp-sf",
		RemoteAddr:  "10.0.0.1",
		StartTime:   time.Now(),
		Headers:     http.Header{},
		CacheStatus: "hit",
		CacheabilityInfo: model.CacheDecision{
			CacheName: "biz",
		},
	}
}

func TestOnRequestExtractsB3AndOpensSpan(t *testing.T) {
	tp, err := obstracing.NewProvider(context.Background(), "", "casper-test")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	m := New(tp.Tracer("test"), nil)
	rc := newRequestContext()
	rc.Headers.Set(obstracing.HeaderTraceID, "trace-xyz")

	resp, err := m.OnRequest(context.Background(), rc)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, "trace-xyz", rc.TraceHeaders.Get(obstracing.HeaderTraceID))
	require.NotNil(t, rc.Span)
}

func TestOnResponseRecordsStatus(t *testing.T) {
	m := New(nil, nil)
	rc := newRequestContext()

	require.NoError(t, m.OnResponse(context.Background(), rc, &model.Response{Status: 200}))
	assert.Equal(t, 200, rc.ResponseStatus)

	require.NoError(t, m.OnResponse(context.Background(), rc, nil))
	assert.Equal(t, 200, rc.ResponseStatus)
}

func TestAfterResponseEndsSpanAndEmitsTraceLine(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer listener.Close()
	addr := listener.LocalAddr().(*net.UDPAddr)

	emitter, err := syslogsink.New("127.0.0.1", addr.Port)
	require.NoError(t, err)
	defer emitter.Close()

	tp, err := obstracing.NewProvider(context.Background(), "", "casper-test")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	m := New(tp.Tracer("test"), emitter)
	rc := newRequestContext()
	rc.Headers.Set(obstracing.HeaderTraceID, "trace-abc")

	_, err = m.OnRequest(context.Background(), rc)
	require.NoError(t, err)
	require.NotNil(t, rc.Span)

	m.AfterResponse(context.Background(), rc, &model.Response{Status: 200})

	buf := make([]byte, 1024)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	line := string(buf[:n])
	assert.True(t, strings.HasPrefix(line, "<64>"))
	assert.Contains(t, line, "trace-abc")
	assert.Contains(t, line, "cache_status: hit")
	assert.Contains(t, line, `request: "GET /biz/yelp-sf HTTP/1.1"`)
}

func TestAfterResponseNilSyslogIsNoop(t *testing.T) {
	tp, err := obstracing.NewProvider(context.Background(), "", "casper-test")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	m := New(tp.Tracer("test"), nil)
	rc := newRequestContext()

	_, err = m.OnRequest(context.Background(), rc)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.AfterResponse(context.Background(), rc, &model.Response{Status: 200})
	})
}

func TestName(t *testing.T) {
	assert.Equal(t, "tracing", (&Middleware{}).Name())
}
