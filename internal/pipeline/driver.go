// Package pipeline implements the pipeline driver: classifies each
// inbound request as proxied (runs the middleware chain) or internal
// (routed to the admin endpoints).
package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yelp/casper/internal/config"
	mw "github.com/yelp/casper/internal/middleware"
	"github.com/yelp/casper/internal/model"
	"github.com/yelp/casper/internal/observability"
	obstracing "github.com/yelp/casper/internal/observability/tracing"
	"github.com/yelp/casper/internal/upstream"
	apperrors "github.com/yelp/casper/pkg/errors"
)

const (
	headerSource      = "X-Smartstack-Source"
	headerDestination = "X-Smartstack-Destination"
	headerCacheStatus = "Spectre-Cache-Status"
	headerOriginal    = "X-Original-Status"
	headerRequestID   = "X-Request-Id"
)

// Driver is the top-level http.Handler: it classifies every request and
// either runs the cache-path middleware chain or delegates to the
// internal-endpoints router.
type Driver struct {
	chain    *mw.Chain
	upstream *upstream.Client
	registry *config.Registry
	sink     observability.Sink
	internal http.Handler
	logger   *zap.Logger
}

// New builds the pipeline driver.
func New(chain *mw.Chain, client *upstream.Client, registry *config.Registry, sink observability.Sink, internal http.Handler, logger *zap.Logger) *Driver {
	return &Driver{chain: chain, upstream: client, registry: registry, sink: sink, internal: internal, logger: logger}
}

// Router builds the top-level chi.Mux: the request-scoped ambient
// middleware (RequestID/RealIP/Recoverer/Timeout) wraps the driver's
// classification logic.
func (d *Driver) Router(requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))
	r.Handle("/*", d)
	return r
}

// ServeHTTP classifies the request: exactly-one smartstack
// source+destination → proxied path; either header repeated → 400; else →
// internal path.
func (d *Driver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sources := r.Header.Values(headerSource)
	destinations := r.Header.Values(headerDestination)

	requestID := r.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	if len(sources) > 1 {
		writeBadRequest(w, requestID, headerSource, sources)
		return
	}
	if len(destinations) > 1 {
		writeBadRequest(w, requestID, headerDestination, destinations)
		return
	}
	if len(sources) == 1 && len(destinations) == 1 {
		d.serveProxied(w, r, requestID, sources[0], destinations[0])
		return
	}
	d.internal.ServeHTTP(w, r)
}

// writeBadRequest writes the pkg/errors JSON error envelope for a
// malformed smartstack header, tagging it with the request's correlation
// ID.
func writeBadRequest(w http.ResponseWriter, requestID, name string, values []string) {
	diagnostic := name + " has multiple values: " + strings.Join(values, " ") + ";"
	err := apperrors.NewClientMalformed(diagnostic)
	body := apperrors.ToErrorResponse(err, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerRequestID, requestID)
	w.WriteHeader(err.StatusCode())
	_ = json.NewEncoder(w).Encode(body)
}

// serveProxied builds the RequestContext, runs the middleware chain, and
// writes the resulting Response before invoking AfterResponse: the cache
// write must never delay the bytes already on the wire.
func (d *Driver) serveProxied(w http.ResponseWriter, r *http.Request, requestID, source, destination string) {
	start := time.Now()

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}

	snap := d.registry.Snapshot()

	rc := &model.RequestContext{
		RequestID:   requestID,
		Method:      r.Method,
		URI:         r.URL.RequestURI(),
		RemoteAddr:  r.RemoteAddr,
		Destination: destination,
		Source:      source,
		Headers:     r.Header.Clone(),
		Body:        body,
		StartTime:   start,
	}
	if snap != nil {
		rc.ServiceConfig = snap.Destination(destination)
		rc.GlobalConfig = snap.Global
	}

	sync := r.Header.Get("X-Casper-Sync") == "1"

	resp, ran := d.chain.Run(r.Context(), rc, d.forwardUpstream)

	if sync {
		// X-Casper-Sync reorders the pipeline so the cache write completes
		// before the response is sent: a debug/itest aid, never the
		// default.
		d.chain.RunAfterResponse(r.Context(), rc, resp, ran)
		writeResponse(w, rc, resp)
	} else {
		writeResponse(w, rc, resp)
		go d.chain.RunAfterResponse(context.WithoutCancel(r.Context()), rc, resp, ran)
	}

	rc.EndTime = time.Now()
	observability.EmitRequestTiming(d.sink, rc.EndTime.Sub(start), destination, rc.CacheabilityInfo.CacheName, rc.CacheStatus, strconv.Itoa(resp.Status))
	d.logger.Debug("proxied request served",
		zap.String("request_id", rc.RequestID),
		zap.String("destination", destination),
		zap.String("cache_status", rc.CacheStatus),
		zap.Int("status", resp.Status),
	)
}

// forwardUpstream is the Chain's Upstream callback: invoked only when no
// middleware short-circuited, it forwards the original request verbatim.
func (d *Driver) forwardUpstream(ctx context.Context, rc *model.RequestContext) *model.Response {
	timeout := 60 * time.Second
	if rc.GlobalConfig != nil && rc.GlobalConfig.HTTPTimeoutMs > 0 {
		timeout = time.Duration(rc.GlobalConfig.HTTPTimeoutMs) * time.Millisecond
	}
	return d.upstream.Forward(ctx, rc.Destination, rc.Method, rc.URI, rc.Headers, rc.Body, timeout)
}

func writeResponse(w http.ResponseWriter, rc *model.RequestContext, resp *model.Response) {
	for k, v := range resp.Headers {
		w.Header()[k] = v
	}
	w.Header().Set(headerRequestID, rc.RequestID)
	if rc.CacheStatus != "" {
		w.Header().Set(headerCacheStatus, rc.CacheStatus)
	}
	if resp.IsProxied {
		w.Header().Set(headerOriginal, strconv.Itoa(resp.Status))
	}
	if zipkin := obstracing.ZipkinHeader(rc.TraceHeaders); zipkin != "" {
		w.Header().Set(obstracing.HeaderZipkin, zipkin)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
