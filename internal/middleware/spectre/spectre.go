// Package spectre implements the middleware that runs the cacheability
// evaluator and key deriver against a normalized request, ahead of the
// cache-path handlers in the chain. It never short-circuits; it only annotates the
// RequestContext so cacheaside and bulk — later in the chain — know
// whether and how to look the request up in storage.
package spectre

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/yelp/casper/internal/cacheability"
	"github.com/yelp/casper/internal/keyderiver"
	mw "github.com/yelp/casper/internal/middleware"
	"github.com/yelp/casper/internal/model"
	"github.com/yelp/casper/internal/normalize"
)

// Middleware runs URI/body normalization, cacheability evaluation, and key
// derivation, annotating the RequestContext for downstream middlewares.
type Middleware struct {
	mw.Base
	logger *zap.Logger
}

// New builds the spectre middleware.
func New(logger *zap.Logger) *Middleware {
	return &Middleware{logger: logger}
}

func (*Middleware) Name() string { return "spectre" }

// OnRequest normalizes, evaluates, and derives.
func (m *Middleware) OnRequest(_ context.Context, rc *model.RequestContext) (*model.Response, error) {
	rc.NormalizedURI = normalize.URI(rc.URI)

	decision := cacheability.Evaluate(rc.Method, rc.NormalizedURI, rc.Headers, rc.Destination, rc.ServiceConfig, rc.GlobalConfig, rc.Body)

	// The matched entry's vary_body_field_list/post_body_id determine
	// which fields to project; normalize.Body runs only once the entry is
	// known, ahead of key derivation needing its output.
	if (decision.IsCacheable || decision.RefreshCache) && rc.Method == http.MethodPost && decision.CacheEntry != nil {
		if normalized, err := normalize.Body(rc.Body, decision.CacheEntry); err == nil {
			rc.NormalizedBody = normalized
		}
	}

	rc.CacheabilityInfo = decision

	if decision.IsCacheable || decision.RefreshCache {
		if decision.CacheEntry != nil {
			result := keyderiver.Derive(rc.Method, rc.NormalizedURI, rc.Destination, decision.CacheName, decision.CacheEntry, rc.ServiceConfig, rc.Headers, rc.NormalizedBody)
			rc.PrimaryKey = result.PrimaryKey
			rc.SurrogateKeys = result.SurrogateKeys
			rc.ExtractedID = result.ExtractedID
		}
	}

	if !decision.IsCacheable {
		rc.CacheStatus = decision.Reason
	}

	return nil, nil
}
