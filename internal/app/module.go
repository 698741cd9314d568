// Package app wires every Casper component together with go.uber.org/fx:
// one fx.Provide per concern, composed into a single fx.Options Module
// consumed by cmd/casper/main.go.
package app

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/yelp/casper/internal/config"
	mw "github.com/yelp/casper/internal/middleware"
	"github.com/yelp/casper/internal/middleware/bulk"
	"github.com/yelp/casper/internal/middleware/cacheaside"
	"github.com/yelp/casper/internal/middleware/ratelimit"
	"github.com/yelp/casper/internal/middleware/spectre"
	tracingmw "github.com/yelp/casper/internal/middleware/tracing"
	"github.com/yelp/casper/internal/internalapi"
	"github.com/yelp/casper/internal/observability"
	"github.com/yelp/casper/internal/observability/metricsrelay"
	"github.com/yelp/casper/internal/observability/syslogsink"
	obstracing "github.com/yelp/casper/internal/observability/tracing"
	"github.com/yelp/casper/internal/pipeline"
	"github.com/yelp/casper/internal/storage"
	"github.com/yelp/casper/internal/storage/memory"
	"github.com/yelp/casper/internal/storage/redisbackend"
	"github.com/yelp/casper/internal/upstream"
	"github.com/yelp/casper/pkg/logger"
)

// Module is the complete provider set for the casper worker process.
var Module = fx.Options(
	fx.Provide(
		NewLogger,
		NewConfigRegistry,
		NewStorageBackend,
		NewStore,
		NewUpstreamClient,
		NewPromSink,
		NewSink,
		NewTracerProvider,
		NewTracer,
		NewMetricsRelay,
		NewSyslogEmitter,
		NewFilterRegistry,
		NewRateLimitMiddleware,
		NewTracingMiddleware,
		spectre.New,
		cacheaside.New,
		bulk.New,
		NewChain,
		internalapi.New,
		NewInternalRouter,
		NewDriver,
		NewHTTPServer,
	),
	fx.Invoke(RegisterLifecycle),
)

// workerEnv holds casper's worker-identity and listen-port settings,
// read from the environment.
type workerEnv struct {
	WorkerID int
	Port     int
}

func readWorkerEnv() workerEnv {
	env := workerEnv{WorkerID: 0, Port: 8080}
	if v := os.Getenv("CASPER_WORKER_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			env.WorkerID = id
		}
	}
	if v := os.Getenv("CASPER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			env.Port = p
		}
	}
	return env
}

// NewLogger builds the shared zap.Logger, level configurable via
// CASPER_LOG_LEVEL (defaults to info, per pkg/logger.New's fallback).
func NewLogger() (*zap.Logger, error) {
	cfg := logger.Config{
		Level:       os.Getenv("CASPER_LOG_LEVEL"),
		Format:      os.Getenv("CASPER_LOG_FORMAT"),
		Development: os.Getenv("CASPER_ENV") == "development",
	}
	base, err := logger.New(cfg)
	if err != nil {
		return nil, err
	}
	return logger.WithWorker(base, readWorkerEnv().WorkerID), nil
}

// NewConfigRegistry builds the config registry from the environment
// paths; its background reload loop starts with the process lifecycle.
func NewConfigRegistry(log *zap.Logger) (*config.Registry, error) {
	return config.New(config.PathsFromEnv(), readWorkerEnv().WorkerID, log)
}

// NewStorageBackend selects Redis when REDIS_ADDR is set, else the
// dependency-free in-memory backend.
func NewStorageBackend(log *zap.Logger) storage.Backend {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return memory.New()
	}
	return redisbackend.New(redisbackend.Config{Addrs: []string{addr}}, log)
}

// NewStore wraps the backend with the in-process shim and compression
// codec selected by CASPER_COMPRESSION (gzip|brotli|none, default gzip).
func NewStore(backend storage.Backend, log *zap.Logger) *storage.Store {
	opts := []storage.Option{storage.WithShim(storage.NewShim(shimMaxBytes()))}

	switch os.Getenv("CASPER_COMPRESSION") {
	case "brotli":
		opts = append(opts, storage.WithCompression(storage.BrotliCompressor{}, compressionThreshold()))
	case "none":
	default:
		opts = append(opts, storage.WithCompression(storage.GzipCompressor{}, compressionThreshold()))
	}

	return storage.New(backend, log, opts...)
}

func shimMaxBytes() int {
	if v := os.Getenv("CASPER_SHIM_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 8 << 20
}

func compressionThreshold() int {
	if v := os.Getenv("CASPER_COMPRESSION_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 1024
}

// NewUpstreamClient builds the upstream client, resolving destinations
// through the config registry's SmartStack/Envoy view.
func NewUpstreamClient(registry *config.Registry) *upstream.Client {
	return upstream.New(registry, 60*time.Second)
}

// NewPromSink builds the Prometheus-backed sink /metrics serves.
func NewPromSink() *observability.PromSink {
	return observability.NewPromSink()
}

// NewSink fans every emission out to both the in-process Prometheus
// registry and the external metrics relay (nil-safe when unconfigured).
func NewSink(p *observability.PromSink, relay *metricsrelay.Emitter) observability.Sink {
	return observability.NewFanoutSink(p, observability.NewRelaySink(relay))
}

// NewTracerProvider builds the otel tracer provider, exporting to
// CASPER_OTLP_ENDPOINT when set (otherwise spans are created and
// discarded, keeping tracing safe to wire with no collector present).
func NewTracerProvider(lc fx.Lifecycle) (trace.TracerProvider, error) {
	tp, err := obstracing.NewProvider(context.Background(), os.Getenv("CASPER_OTLP_ENDPOINT"), serviceName())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return tp.Shutdown(ctx) },
	})
	return tp, nil
}

func serviceName() string {
	if svc := os.Getenv("PAASTA_SERVICE"); svc != "" {
		return svc
	}
	return "casper"
}

// NewTracer derives the single tracer every request's span is started
// from.
func NewTracer(tp trace.TracerProvider) trace.Tracer {
	return tp.Tracer("casper")
}

// NewMetricsRelay dials the UDP metrics relay named by CASPER_METRICS_HOST
// /CASPER_METRICS_PORT; returns nil (not an error) when unset, since the
// relay is optional infrastructure the middlewares must tolerate missing.
func NewMetricsRelay(lc fx.Lifecycle, log *zap.Logger) *metricsrelay.Emitter {
	host := os.Getenv("CASPER_METRICS_HOST")
	if host == "" {
		return nil
	}
	port, _ := strconv.Atoi(os.Getenv("CASPER_METRICS_PORT"))
	emitter, err := metricsrelay.New(host, port, metricsrelay.DefaultDimensions{
		Habitat:       os.Getenv("HABITAT"),
		ServiceName:   serviceName(),
		InstanceName:  os.Getenv("PAASTA_INSTANCE"),
		CasperVersion: version,
	})
	if err != nil {
		log.Warn("metrics relay unavailable", zap.Error(err))
		return nil
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return emitter.Close() }})
	return emitter
}

// NewSyslogEmitter dials the UDP zipkin/syslog sink named by
// CASPER_SYSLOG_HOST/CASPER_SYSLOG_PORT; nil when unset.
func NewSyslogEmitter(lc fx.Lifecycle, log *zap.Logger) *syslogsink.Emitter {
	host := os.Getenv("CASPER_SYSLOG_HOST")
	if host == "" {
		return nil
	}
	port, _ := strconv.Atoi(os.Getenv("CASPER_SYSLOG_PORT"))
	emitter, err := syslogsink.New(host, port)
	if err != nil {
		log.Warn("syslog relay unavailable", zap.Error(err))
		return nil
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return emitter.Close() }})
	return emitter
}

// NewFilterRegistry builds the startup-resolved cache_entry.use_filter
// registry. No user-extensible filters ship by default; destinations
// naming an unregistered filter simply run without one (mw.FilterRegistry.
// Lookup treats that as "no filter").
func NewFilterRegistry() *mw.FilterRegistry {
	return mw.NewFilterRegistry()
}

// NewRateLimitMiddleware builds the admission-control middleware, rate
// and burst configurable via CASPER_RATE_LIMIT_RPS / _BURST (0 disables
// it, the default — rate limiting is an enrichment, not a core gate).
func NewRateLimitMiddleware() *ratelimit.Middleware {
	rps := 0.0
	if v := os.Getenv("CASPER_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rps = f
		}
	}
	burst := 100
	if v := os.Getenv("CASPER_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			burst = n
		}
	}
	return ratelimit.New(rps, burst)
}

// NewTracingMiddleware builds the tracing middleware.
func NewTracingMiddleware(tracer trace.Tracer, syslog *syslogsink.Emitter) *tracingmw.Middleware {
	return tracingmw.New(tracer, syslog)
}

// NewChain assembles the declared-order middleware chain: rate limiting,
// tracing, the cacheability/key-derivation annotator, then the two
// cache-path handlers.
func NewChain(
	log *zap.Logger,
	limiter *ratelimit.Middleware,
	tracer *tracingmw.Middleware,
	spec *spectre.Middleware,
	aside *cacheaside.Middleware,
	fanout *bulk.Middleware,
) *mw.Chain {
	return mw.NewChain(log, limiter, tracer, spec, aside, fanout)
}

// NewInternalRouter mounts the internal endpoints onto a fresh chi.Mux,
// the router the pipeline driver falls through to for non-proxied
// requests.
func NewInternalRouter(handler *internalapi.Handler) http.Handler {
	r := chi.NewRouter()
	handler.Mount(r)
	return r
}

// NewDriver builds the pipeline driver.
func NewDriver(
	chain *mw.Chain,
	client *upstream.Client,
	registry *config.Registry,
	sink observability.Sink,
	internalRouter http.Handler,
	log *zap.Logger,
) *pipeline.Driver {
	return pipeline.New(chain, client, registry, sink, internalRouter, log)
}

// NewHTTPServer builds the top-level *http.Server, request timeout
// configurable via CASPER_REQUEST_TIMEOUT_MS (default 65s, comfortably
// above the default 60s upstream timeout).
func NewHTTPServer(driver *pipeline.Driver) *http.Server {
	timeout := 65 * time.Second
	if v := os.Getenv("CASPER_REQUEST_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return &http.Server{
		Addr:         ":" + strconv.Itoa(readWorkerEnv().Port),
		Handler:      driver.Router(timeout),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: timeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// version is overridable at link time (-ldflags -X); it backs the
// casper_version default dimension on every metrics-relay datagram.
var version = "dev"

// RegisterLifecycle starts the config registry's background reload loop
// and the HTTP server on fx.Start, and tears both down on fx.Stop.
func RegisterLifecycle(lc fx.Lifecycle, registry *config.Registry, server *http.Server, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			registry.Start()
			log.Info("casper starting", zap.String("addr", server.Addr))
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			registry.Stop()
			return server.Shutdown(ctx)
		},
	})
}
