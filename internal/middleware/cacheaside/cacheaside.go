// Package cacheaside implements the single-endpoint handler: cache-aside
// lookup, miss-classification, and fire-and-forget store for non-bulk
// cacheable entries.
package cacheaside

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	mw "github.com/yelp/casper/internal/middleware"
	"github.com/yelp/casper/internal/model"
	"github.com/yelp/casper/internal/observability"
	"github.com/yelp/casper/internal/storage"
	"github.com/yelp/casper/internal/upstream"
)

// Middleware implements the cache-aside contract.
type Middleware struct {
	mw.Base
	store    *storage.Store
	filters  *mw.FilterRegistry
	sink     observability.Sink
	logger   *zap.Logger
}

// New builds the cache-aside middleware.
func New(store *storage.Store, filters *mw.FilterRegistry, sink observability.Sink, logger *zap.Logger) *Middleware {
	return &Middleware{store: store, filters: filters, sink: sink, logger: logger}
}

func (*Middleware) Name() string { return "cacheaside" }

// applies reports whether this request is a non-bulk single-endpoint
// entry: either genuinely cacheable, or a forced refresh — both read
// the same entry shape, just with reading suppressed for a refresh.
func applies(rc *model.RequestContext) bool {
	info := rc.CacheabilityInfo
	return (info.IsCacheable || info.RefreshCache) && info.CacheEntry != nil && !info.CacheEntry.BulkSupport
}

// OnRequest: configured filter short-circuit, else storage.get. A
// no-cache-header refresh never reads storage — it must always reach
// upstream so the write-through has a fresh body. A miss (nil, nil)
// lets the chain fall through to the actual upstream forwarder.
func (m *Middleware) OnRequest(ctx context.Context, rc *model.RequestContext) (*model.Response, error) {
	if !applies(rc) {
		return nil, nil
	}

	if f := m.filters.Lookup(rc.CacheabilityInfo.CacheEntry.UseFilter); f != nil {
		if resp, err := f.OnRequest(ctx, rc); err != nil || resp != nil {
			return resp, err
		}
	}

	if rc.CacheabilityInfo.RefreshCache {
		return nil, nil
	}

	resp, err := m.store.Get(ctx, rc.PrimaryKey)
	if err != nil {
		// A storage transport failure degrades to a miss, but the
		// write-through on this request is suppressed.
		rc.ReadFailure = true
		m.logger.Warn("cacheaside: storage read failed, treating as miss", zap.Error(err))
		return nil, nil
	}
	return resp, nil
}

// OnResponse classifies the response into cache_status and, on a fresh
// 200, marks it for AfterResponse to persist.
func (m *Middleware) OnResponse(_ context.Context, rc *model.RequestContext, resp *model.Response) error {
	if !applies(rc) || resp == nil {
		return nil
	}

	refresh := rc.CacheabilityInfo.RefreshCache

	switch {
	case resp.IsCached:
		rc.CacheStatus = "hit"
		m.sink.Count("casper.cache_hits", observability.Dimensions{
			Namespace: rc.Destination, CacheName: rc.CacheabilityInfo.CacheName, CacheStatus: "hit",
		})
	case resp.IsProxied && resp.Status == http.StatusOK:
		if !refresh {
			rc.CacheStatus = "miss"
			m.sink.Count("casper.cache_misses", observability.Dimensions{
				Namespace: rc.Destination, CacheName: rc.CacheabilityInfo.CacheName, CacheStatus: "miss",
			})
		}
		// refresh keeps rc.CacheStatus as "no-cache-header" (set by the
		// cacheability evaluator) while still write-through-ing.
		if rc.ReadFailure {
			return nil
		}
		entry := rc.CacheabilityInfo.CacheEntry
		headers := upstream.CacheableHeaders(resp.Headers, cacheEntryUncacheableHeaders(rc))
		rc.PendingStore = &model.PendingStore{
			PrimaryKey:    rc.PrimaryKey,
			SurrogateKeys: rc.SurrogateKeys,
			Response:      &model.Response{Status: resp.Status, Headers: headers, Body: resp.Body},
			TTL:           entry.TTL,
		}
	case resp.IsProxied && !refresh:
		rc.CacheStatus = "non-cacheable-response: status code is " + strconv.Itoa(resp.Status)
	}
	return nil
}

// AfterResponse writes the pending store, never delaying the response
// already flushed to the client. Non-2xx never reaches here since
// OnResponse never sets PendingStore for a non-200.
func (m *Middleware) AfterResponse(ctx context.Context, rc *model.RequestContext, resp *model.Response) {
	if !applies(rc) || rc.PendingStore == nil {
		return
	}
	pending := rc.PendingStore

	if f := m.filters.Lookup(rc.CacheabilityInfo.CacheEntry.UseFilter); f != nil {
		f.AfterResponse(ctx, rc, resp)
	}

	m.store.StoreResponse(ctx, pending.PrimaryKey, pending.SurrogateKeys, pending.Response, pending.TTL)
}

func cacheEntryUncacheableHeaders(rc *model.RequestContext) []string {
	var out []string
	if rc.ServiceConfig != nil {
		out = append(out, rc.ServiceConfig.UncacheableHeaders...)
	}
	if entry := rc.CacheabilityInfo.CacheEntry; entry != nil {
		out = append(out, entry.UncacheableHeaders...)
	}
	return out
}
