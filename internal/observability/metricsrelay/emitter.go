// Package metricsrelay serializes casper's counters/timers over the
// external metrics relay's UDP text protocol
// (yelp_meteorite.metrics-relay). Transport is fire-and-forget: a dropped
// UDP datagram must never affect the request it was emitted for.
package metricsrelay

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// MetricType is the relay's type tag: counter (c), timer (ms) or gauge (g).
type MetricType string

const (
	TypeCounter MetricType = "c"
	TypeTimer   MetricType = "ms"
	TypeGauge   MetricType = "g"
)

// Emitter writes metric datagrams to the relay host:port over UDP.
type Emitter struct {
	conn       net.Conn
	defaultDim [][2]string
}

// DefaultDimensions are prepended to every metric: habitat,
// service_name, instance_name, casper_version.
type DefaultDimensions struct {
	Habitat        string
	ServiceName    string
	InstanceName   string
	CasperVersion  string
}

// New dials the relay over UDP. Dialing UDP never blocks on the remote
// end being reachable; a genuinely unreachable relay simply drops
// datagrams, which is the desired fire-and-forget behavior.
func New(host string, port int, dims DefaultDimensions) (*Emitter, error) {
	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}
	return &Emitter{
		conn: conn,
		defaultDim: [][2]string{
			{"habitat", dims.Habitat},
			{"service_name", dims.ServiceName},
			{"instance_name", dims.InstanceName},
			{"casper_version", dims.CasperVersion},
		},
	}, nil
}

// Emit sends one metric datagram:
// [["<dim>", "<val>"], …, ["metric_name", "<name>"]]:<value>|<type>
func (e *Emitter) Emit(name string, value float64, typ MetricType, extraDims map[string]string) {
	if e == nil || e.conn == nil {
		return
	}
	var b strings.Builder
	b.WriteByte('[')
	for _, d := range e.defaultDim {
		writeDim(&b, d[0], d[1])
		b.WriteByte(',')
	}
	for k, v := range extraDims {
		writeDim(&b, k, v)
		b.WriteByte(',')
	}
	writeDim(&b, "metric_name", name)
	b.WriteByte(']')
	b.WriteByte(':')
	b.WriteString(formatValue(value))
	b.WriteByte('|')
	b.WriteString(string(typ))

	// Best-effort: a write failure here must never surface to the caller;
	// observability is never on the request's critical path.
	_, _ = e.conn.Write([]byte(b.String()))
}

// EmitCount is a convenience for incrementing a counter by 1.
func (e *Emitter) EmitCount(name string, extraDims map[string]string) {
	e.Emit(name, 1, TypeCounter, extraDims)
}

// EmitTiming reports d in milliseconds, the relay's timer unit.
func (e *Emitter) EmitTiming(name string, d time.Duration, extraDims map[string]string) {
	e.Emit(name, float64(d.Milliseconds()), TypeTimer, extraDims)
}

// Close releases the UDP socket.
func (e *Emitter) Close() error {
	if e == nil || e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

func writeDim(b *strings.Builder, key, value string) {
	b.WriteString(`["`)
	b.WriteString(key)
	b.WriteString(`", "`)
	b.WriteString(value)
	b.WriteString(`"]`)
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
