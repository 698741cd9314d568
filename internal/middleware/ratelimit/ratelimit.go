// Package ratelimit implements an optional per-destination admission
// middleware fronting the chain, guarding the bulk handler's fan-out
// worker pool from thundering-herd ID lists: a token bucket per
// destination, rejecting with 429 on exhaustion.
package ratelimit

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	mw "github.com/yelp/casper/internal/middleware"
	"github.com/yelp/casper/internal/model"
)

// Middleware enforces a per-destination token-bucket rate limit.
type Middleware struct {
	mw.Base
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New builds a rate-limiting middleware allowing rps requests/sec per
// destination, with the given burst.
func New(rps float64, burst int) *Middleware {
	return &Middleware{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (*Middleware) Name() string { return "ratelimit" }

func (m *Middleware) OnRequest(_ context.Context, rc *model.RequestContext) (*model.Response, error) {
	if m.rps <= 0 {
		return nil, nil
	}
	if !m.limiterFor(rc.Destination).Allow() {
		return &model.Response{
			Status: http.StatusTooManyRequests,
			Body:   []byte("rate limit exceeded for destination " + rc.Destination),
		}, nil
	}
	return nil, nil
}

func (m *Middleware) limiterFor(destination string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[destination]
	if !ok {
		l = rate.NewLimiter(m.rps, m.burst)
		m.limiters[destination] = l
	}
	return l
}
