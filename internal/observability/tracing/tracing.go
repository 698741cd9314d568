// Package tracing wires per-request otel spans and bridges B3 trace
// propagation into the pipeline's RequestContext.TraceHeaders, feeding
// the zipkin/syslog trace line.
package tracing

import (
	"context"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// B3 header names propagated on ingress and rewritten on egress.
const (
	HeaderTraceID = "X-B3-TraceId"
	HeaderSpanID  = "X-B3-SpanId"
	HeaderParent  = "X-B3-ParentSpanId"
	HeaderSampled = "X-B3-Sampled"
	HeaderFlags   = "X-B3-Flags"
	HeaderZipkin  = "X-Zipkin-Id"
)

// NewProvider builds an OTLP-over-HTTP tracer provider pointed at
// endpoint. An empty endpoint yields a provider with no exporter
// (spans are created and discarded), so tracing stays safe to wire in
// environments without a collector.
func NewProvider(ctx context.Context, endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{}
	if endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// ExtractB3 reads B3 propagation headers off an inbound request into a
// plain http.Header suitable for storage on RequestContext.TraceHeaders.
func ExtractB3(h http.Header) http.Header {
	out := make(http.Header, 5)
	for _, name := range []string{HeaderTraceID, HeaderSpanID, HeaderParent, HeaderSampled, HeaderFlags} {
		if v := h.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	return out
}

// StartSpan begins a span for one request, tagging it with the same
// dimensions the counter sink carries.
func StartSpan(ctx context.Context, tracer trace.Tracer, name, destination, cacheName, cacheStatus string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("cache_name", cacheName),
		attribute.String("cache_status", cacheStatus),
	))
}

// ZipkinHeader renders the X-Zipkin-Id egress header from a trace id, or
// "" if none was propagated.
func ZipkinHeader(traceHeaders http.Header) string {
	if traceHeaders == nil {
		return ""
	}
	return traceHeaders.Get(HeaderTraceID)
}

// ParseSampled reports whether the B3 sampled header indicates sampling.
func ParseSampled(traceHeaders http.Header) bool {
	v := traceHeaders.Get(HeaderSampled)
	if v == "" {
		return false
	}
	sampled, err := strconv.ParseBool(v)
	return err == nil && sampled
}
