package cacheaside

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	mw "github.com/yelp/casper/internal/middleware"
	"github.com/yelp/casper/internal/model"
	"github.com/yelp/casper/internal/observability"
	"github.com/yelp/casper/internal/storage"
	"github.com/yelp/casper/internal/storage/memory"
)

func newStore() *storage.Store {
	return storage.New(memory.New(), zap.NewNop())
}

func cacheableRC() *model.RequestContext {
	return &model.RequestContext{
		Destination: "biz-service",
		PrimaryKey:  []string{"/biz/1", "biz-service", "biz"},
		SurrogateKeys: []string{"biz-service|biz"},
		CacheabilityInfo: model.CacheDecision{
			IsCacheable: true,
			CacheName:   "biz",
			CacheEntry:  &model.CacheEntry{TTL: time.Minute},
		},
	}
}

func TestCacheAsideMissFallsThroughToUpstream(t *testing.T) {
	m := New(newStore(), mw.NewFilterRegistry(), observability.NewFanoutSink(), zap.NewNop())
	rc := cacheableRC()

	resp, err := m.OnRequest(context.Background(), rc)
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestCacheAsideHitShortCircuits(t *testing.T) {
	store := newStore()
	rc := cacheableRC()
	store.StoreResponse(context.Background(), rc.PrimaryKey, rc.SurrogateKeys, &model.Response{Status: 200, Body: []byte("cached")}, time.Minute)

	m := New(store, mw.NewFilterRegistry(), observability.NewFanoutSink(), zap.NewNop())
	resp, err := m.OnRequest(context.Background(), rc)
	assert.NoError(t, err)
	assert.NotNil(t, resp)
	assert.True(t, resp.IsCached)
	assert.Equal(t, []byte("cached"), resp.Body)
}

func TestCacheAsideOnResponseMarksFreshMissForStore(t *testing.T) {
	m := New(newStore(), mw.NewFilterRegistry(), observability.NewFanoutSink(), zap.NewNop())
	rc := cacheableRC()

	upstreamResp := &model.Response{Status: http.StatusOK, IsProxied: true, Headers: http.Header{}, Body: []byte("fresh")}
	err := m.OnResponse(context.Background(), rc, upstreamResp)
	assert.NoError(t, err)
	assert.Equal(t, "miss", rc.CacheStatus)
	assert.NotNil(t, rc.PendingStore)
	assert.Equal(t, []byte("fresh"), rc.PendingStore.Response.Body)
}

func TestCacheAsideRefreshSkipsReadButWritesThrough(t *testing.T) {
	store := newStore()
	rc := cacheableRC()
	rc.CacheabilityInfo.RefreshCache = true
	rc.CacheabilityInfo.IsCacheable = false
	rc.CacheStatus = "no-cache-header"
	store.StoreResponse(context.Background(), rc.PrimaryKey, rc.SurrogateKeys, &model.Response{Status: 200, Body: []byte("stale")}, time.Minute)

	m := New(store, mw.NewFilterRegistry(), observability.NewFanoutSink(), zap.NewNop())
	resp, err := m.OnRequest(context.Background(), rc)
	assert.NoError(t, err)
	assert.Nil(t, resp, "a refresh must never be satisfied from storage")

	upstreamResp := &model.Response{Status: http.StatusOK, IsProxied: true, Headers: http.Header{}, Body: []byte("fresh")}
	assert.NoError(t, m.OnResponse(context.Background(), rc, upstreamResp))
	assert.Equal(t, "no-cache-header", rc.CacheStatus, "refresh keeps the evaluator's reason, not miss")
	assert.NotNil(t, rc.PendingStore)
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) (*model.Response, error) {
	return nil, storage.ErrTransport
}
func (failingBackend) Store(context.Context, string, []string, *model.Response, time.Duration) error {
	return nil
}
func (failingBackend) DeleteBySurrogates(context.Context, []string) (int, error) { return 0, nil }
func (failingBackend) Close() error                                              { return nil }

func TestCacheAsideReadFailureSuppressesWriteThrough(t *testing.T) {
	store := storage.New(failingBackend{}, zap.NewNop())
	m := New(store, mw.NewFilterRegistry(), observability.NewFanoutSink(), zap.NewNop())
	rc := cacheableRC()

	resp, err := m.OnRequest(context.Background(), rc)
	assert.NoError(t, err, "a transport failure degrades to a miss, never an error")
	assert.Nil(t, resp)
	assert.True(t, rc.ReadFailure)

	upstreamResp := &model.Response{Status: http.StatusOK, IsProxied: true, Headers: http.Header{}, Body: []byte("fresh")}
	assert.NoError(t, m.OnResponse(context.Background(), rc, upstreamResp))
	assert.Equal(t, "miss", rc.CacheStatus)
	assert.Nil(t, rc.PendingStore, "nothing may be written back after a failed read")
}

func TestCacheAsideAfterResponseWritesPendingStore(t *testing.T) {
	store := newStore()
	m := New(store, mw.NewFilterRegistry(), observability.NewFanoutSink(), zap.NewNop())
	rc := cacheableRC()
	rc.PendingStore = &model.PendingStore{
		PrimaryKey:    rc.PrimaryKey,
		SurrogateKeys: rc.SurrogateKeys,
		Response:      &model.Response{Status: 200, Body: []byte("persisted")},
		TTL:           time.Minute,
	}

	m.AfterResponse(context.Background(), rc, nil)

	got, err := store.Get(context.Background(), rc.PrimaryKey)
	assert.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got.Body)
}
