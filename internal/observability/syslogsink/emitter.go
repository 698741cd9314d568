// Package syslogsink writes the per-request Zipkin trace line over UDP
// in the RFC5424-ish format the zipkin.syslog.{host,port} sink ingests.
package syslogsink

import (
	"fmt"
	"net"
	"os"
	"time"
)

// priority 64 = facility 8 * 8 + severity 0, the fixed "<64>" prefix the
// nginx_spectre syslog consumers expect.
const priority = 64

// TraceLine is every field needed to render one syslog trace record.
type TraceLine struct {
	Trace, Span, Parent string
	Flags               string // "-" if unset
	Sampled             string // "-" if unset
	StartUs, EndUs      int64
	ClientIP            string
	CacheStatus         string
	Method, URI         string
	PID                 int
}

// Emitter writes TraceLine records to the configured syslog UDP endpoint.
type Emitter struct {
	conn     net.Conn
	hostname string
	pid      int
}

// New dials the syslog relay over UDP.
func New(host string, port int) (*Emitter, error) {
	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	return &Emitter{conn: conn, hostname: hostname, pid: os.Getpid()}, nil
}

// Emit writes one trace line. Write failures are swallowed: tracing
// transport is never allowed to affect the request it describes.
func (e *Emitter) Emit(t TraceLine) {
	if e == nil || e.conn == nil {
		return
	}
	if t.PID == 0 {
		t.PID = e.pid
	}
	now := time.Now().UTC()
	line := fmt.Sprintf(
		"<%d>%s %s nginx_spectre[%d]: spectre/zipkin %s %s %s %s %s %d %d, client: %s, server: , cache_status: %s, request: \"%s %s HTTP/1.1\"",
		priority,
		now.Format("Jan 02 15:04:05"),
		e.hostname,
		t.PID,
		t.Trace, t.Span, t.Parent,
		dash(t.Flags), dash(t.Sampled),
		t.StartUs, t.EndUs,
		t.ClientIP,
		t.CacheStatus,
		t.Method, t.URI,
	)
	_, _ = e.conn.Write([]byte(line))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Close releases the UDP socket.
func (e *Emitter) Close() error {
	if e == nil || e.conn == nil {
		return nil
	}
	return e.conn.Close()
}
