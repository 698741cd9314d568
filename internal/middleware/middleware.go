// Package middleware implements the middleware engine: an ordered chain
// of request/response/after-response hooks, each of which may
// short-circuit the request with a Response. The chain is a static
// interface with three optional phases, satisfied via embedding Base so
// a concrete middleware only overrides what it needs.
package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/yelp/casper/internal/model"
)

// Middleware is the three-phase capability set a chain member may
// implement. OnRequest may return a non-nil Response to short-circuit
// the chain. OnResponse observes (and may mutate) the response flowing
// back out. AfterResponse runs once the response bytes have already been
// flushed to the client and must never block or fail the request.
type Middleware interface {
	Name() string
	OnRequest(ctx context.Context, rc *model.RequestContext) (*model.Response, error)
	OnResponse(ctx context.Context, rc *model.RequestContext, resp *model.Response) error
	AfterResponse(ctx context.Context, rc *model.RequestContext, resp *model.Response)
}

// Base provides no-op implementations of all three phases; embed it in a
// concrete middleware to only override the phases that apply.
type Base struct{}

func (Base) OnRequest(context.Context, *model.RequestContext) (*model.Response, error) { return nil, nil }
func (Base) OnResponse(context.Context, *model.RequestContext, *model.Response) error  { return nil }
func (Base) AfterResponse(context.Context, *model.RequestContext, *model.Response)     {}

// Upstream is invoked by the Chain when no middleware short-circuits; the
// pipeline driver supplies one that forwards the request to the upstream
// service.
type Upstream func(ctx context.Context, rc *model.RequestContext) *model.Response

// Chain runs an ordered, declared-order list of middlewares.
type Chain struct {
	middlewares []Middleware
	logger      *zap.Logger
}

// NewChain builds a Chain from middlewares in declared order.
func NewChain(logger *zap.Logger, middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares, logger: logger}
}

// Run executes on_request and on_response and returns the response the
// driver should flush to the client. AfterResponse is NOT run here — call
// RunAfterResponse once the response bytes are already on the wire:
//  1. on_request in declared order; the first non-nil Response
//     short-circuits at that index.
//  2. on_response in reverse order, from the short-circuit point (or the
//     end, if upstream was invoked) back to the head.
func (c *Chain) Run(ctx context.Context, rc *model.RequestContext, upstream Upstream) (*model.Response, int) {
	ran := 0
	var resp *model.Response

	for i, mw := range c.middlewares {
		ran = i + 1
		r, err := safeOnRequest(ctx, mw, rc, c.logger)
		if err != nil {
			resp = errorResponse(err)
			break
		}
		if r != nil {
			resp = r
			break
		}
	}

	if resp == nil {
		resp = upstream(ctx, rc)
		ran = len(c.middlewares)
	}

	for i := ran - 1; i >= 0; i-- {
		safeOnResponse(ctx, c.middlewares[i], rc, resp, c.logger)
	}

	return resp, ran
}

// RunAfterResponse invokes after_response in declared order for every
// middleware whose on_request ran (ran, as returned by Run) — even on
// short-circuit. Errors are caught and logged, never surfaced. The
// driver calls this once the response bytes have already been flushed
// and the connection released.
func (c *Chain) RunAfterResponse(ctx context.Context, rc *model.RequestContext, resp *model.Response, ran int) {
	for i := 0; i < ran; i++ {
		safeAfterResponse(ctx, c.middlewares[i], rc, resp, c.logger)
	}
}

func safeOnRequest(ctx context.Context, mw Middleware, rc *model.RequestContext, logger *zap.Logger) (resp *model.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("middleware on_request panicked", zap.String("middleware", mw.Name()), zap.Any("panic", r))
			err = errPanic(r)
		}
	}()
	return mw.OnRequest(ctx, rc)
}

func safeOnResponse(ctx context.Context, mw Middleware, rc *model.RequestContext, resp *model.Response, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("middleware on_response panicked", zap.String("middleware", mw.Name()), zap.Any("panic", r))
		}
	}()
	if err := mw.OnResponse(ctx, rc, resp); err != nil {
		logger.Warn("middleware on_response error", zap.String("middleware", mw.Name()), zap.Error(err))
	}
}

func safeAfterResponse(ctx context.Context, mw Middleware, rc *model.RequestContext, resp *model.Response, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("middleware after_response panicked", zap.String("middleware", mw.Name()), zap.Any("panic", r))
		}
	}()
	mw.AfterResponse(ctx, rc, resp)
}

// Filter is the user-extensible capability `cache_entry.use_filter`
// resolves by name: statically-known implementations registered at
// startup, hooked into the single-endpoint handler's request and
// after-response phases.
type Filter interface {
	Name() string
	OnRequest(ctx context.Context, rc *model.RequestContext) (*model.Response, error)
	AfterResponse(ctx context.Context, rc *model.RequestContext, resp *model.Response)
}

// FilterRegistry resolves a cache_entry.use_filter name to its
// implementation, built once at startup from the set of known Filters.
type FilterRegistry struct {
	filters map[string]Filter
}

// NewFilterRegistry builds a registry from the given filters.
func NewFilterRegistry(filters ...Filter) *FilterRegistry {
	reg := &FilterRegistry{filters: make(map[string]Filter, len(filters))}
	for _, f := range filters {
		reg.filters[f.Name()] = f
	}
	return reg
}

// Lookup returns the named filter, or nil if use_filter is empty or
// names something unregistered (treated as no filter, not an error).
func (r *FilterRegistry) Lookup(name string) Filter {
	if r == nil || name == "" {
		return nil
	}
	return r.filters[name]
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return "panic in middleware" }

func errPanic(v interface{}) error { return panicError{v} }

func errorResponse(err error) *model.Response {
	return &model.Response{
		Status: 500,
		Body:   []byte(err.Error()),
	}
}
