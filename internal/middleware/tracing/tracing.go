// Package tracing wraps every proxied request in an otel span, bridging
// B3 propagation headers into the RequestContext and emitting the
// zipkin-syslog trace line on completion.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	mw "github.com/yelp/casper/internal/middleware"
	"github.com/yelp/casper/internal/model"
	obstracing "github.com/yelp/casper/internal/observability/tracing"
	"github.com/yelp/casper/internal/observability/syslogsink"
)

// Middleware starts a span in OnRequest and ends it (emitting the syslog
// trace line) in AfterResponse.
type Middleware struct {
	mw.Base
	tracer trace.Tracer
	syslog *syslogsink.Emitter
}

// New builds the tracing middleware. syslog may be nil, in which case the
// trace line is simply not emitted (no syslog sink configured).
func New(tracer trace.Tracer, syslog *syslogsink.Emitter) *Middleware {
	return &Middleware{tracer: tracer, syslog: syslog}
}

func (*Middleware) Name() string { return "tracing" }

func (m *Middleware) OnRequest(ctx context.Context, rc *model.RequestContext) (*model.Response, error) {
	rc.TraceHeaders = obstracing.ExtractB3(rc.Headers)
	_, span := obstracing.StartSpan(ctx, m.tracer, "casper.request", rc.Destination, rc.CacheabilityInfo.CacheName, rc.CacheStatus)
	rc.Span = span
	return nil, nil
}

func (m *Middleware) OnResponse(_ context.Context, rc *model.RequestContext, resp *model.Response) error {
	if resp != nil {
		rc.ResponseStatus = resp.Status
	}
	return nil
}

func (m *Middleware) AfterResponse(_ context.Context, rc *model.RequestContext, resp *model.Response) {
	if rc.Span != nil {
		// The span starts before the cacheability annotator runs, so the
		// cache dimensions are only known here.
		rc.Span.SetAttributes(
			attribute.String("cache_name", rc.CacheabilityInfo.CacheName),
			attribute.String("cache_status", rc.CacheStatus),
		)
		rc.Span.End()
	}
	if m.syslog == nil {
		return
	}
	now := time.Now()
	m.syslog.Emit(syslogsink.TraceLine{
		Trace:       obstracing.ZipkinHeader(rc.TraceHeaders),
		Span:        rc.TraceHeaders.Get(obstracing.HeaderSpanID),
		Parent:      rc.TraceHeaders.Get(obstracing.HeaderParent),
		Flags:       rc.TraceHeaders.Get(obstracing.HeaderFlags),
		Sampled:     rc.TraceHeaders.Get(obstracing.HeaderSampled),
		StartUs:     rc.StartTime.UnixMicro(),
		EndUs:       now.UnixMicro(),
		ClientIP:    rc.RemoteAddr,
		CacheStatus: rc.CacheStatus,
		Method:      rc.Method,
		URI:         rc.URI,
	})
}
