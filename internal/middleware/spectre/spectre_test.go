package spectre

import (
	"context"
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/yelp/casper/internal/model"
)

func svc() *model.ServiceConfig {
	entry := &model.CacheEntry{
		PatternRaw: "^/biz/([a-z-]+)$",
		Pattern:    regexp.MustCompile("^/biz/([a-z-]+)$"),
	}
	return &model.ServiceConfig{
		CachedEndpoints: map[string]*model.CacheEntry{"biz": entry},
		CacheNameOrder:  []string{"biz"},
	}
}

func TestOnRequestAnnotatesCacheableRequest(t *testing.T) {
	m := New(zap.NewNop())
	rc := &model.RequestContext{
		Method:        http.MethodGet,
		URI:           "/biz/yelp-sf",
		Destination:   "biz-service",
		ServiceConfig: svc(),
		GlobalConfig:  &model.GlobalConfig{},
		Headers:       http.Header{},
	}

	resp, err := m.OnRequest(context.Background(), rc)
	assert.NoError(t, err)
	assert.Nil(t, resp, "spectre never short-circuits")
	assert.True(t, rc.CacheabilityInfo.IsCacheable)
	assert.Equal(t, "biz", rc.CacheabilityInfo.CacheName)
	assert.NotEmpty(t, rc.PrimaryKey)
	assert.Equal(t, "", rc.CacheStatus)
}

func TestOnRequestAnnotatesNonCacheableRequest(t *testing.T) {
	m := New(zap.NewNop())
	rc := &model.RequestContext{
		Method:        http.MethodGet,
		URI:           "/other",
		Destination:   "biz-service",
		ServiceConfig: svc(),
		GlobalConfig:  &model.GlobalConfig{},
		Headers:       http.Header{},
	}

	_, err := m.OnRequest(context.Background(), rc)
	assert.NoError(t, err)
	assert.False(t, rc.CacheabilityInfo.IsCacheable)
	assert.Empty(t, rc.PrimaryKey)
	assert.Equal(t, "non-cacheable-uri (biz-service)", rc.CacheStatus)
}
