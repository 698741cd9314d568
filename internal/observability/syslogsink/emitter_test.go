package syslogsink

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitWritesZipkinTraceLine(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer listener.Close()
	addr := listener.LocalAddr().(*net.UDPAddr)

	e, err := New("127.0.0.1", addr.Port)
	require.NoError(t, err)
	defer e.Close()

	e.Emit(TraceLine{
		Trace: "abc123", Span: "def456", Parent: "-",
		StartUs: 100, EndUs: 200,
		ClientIP: "10.0.0.1", CacheStatus: "hit",
		Method: "GET", URI: "/biz/1",
	})

	buf := make([]byte, 1024)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	line := string(buf[:n])
	assert.True(t, strings.HasPrefix(line, "<64>"))
	assert.Contains(t, line, "abc123 def456 -")
	assert.Contains(t, line, "cache_status: hit")
	assert.Contains(t, line, `request: "GET /biz/1 HTTP/1.1"`)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() {
		e.Emit(TraceLine{})
		_ = e.Close()
	})
}

func TestDashFallback(t *testing.T) {
	assert.Equal(t, "-", dash(""))
	assert.Equal(t, "1", dash("1"))
}
