package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestNewToleratesMissingFiles(t *testing.T) {
	reg, err := New(Paths{}, 3, zap.NewNop())
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 3, snap.WorkerID)
	assert.Empty(t, snap.Destinations)
	assert.Equal(t, 60000, snap.Global.HTTPTimeoutMs, "missing global config falls back to the 60s default")
}

func TestLoadDestinationAndGlobalConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "casper.internal.yaml"), `
casper:
  disable_caching: false
  route_through_envoy: true
  http:
    timeout_ms: 5000
`)
	writeFile(t, filepath.Join(dir, "biz-service.yaml"), `
cached_endpoints:
  biz:
    pattern: "^/biz/[a-z-]+$"
    ttl: 30
    bulk_support: false
uncacheable_headers: ["X-Debug"]
`)

	reg, err := New(Paths{SrvConfigsPath: dir}, 0, zap.NewNop())
	require.NoError(t, err)

	snap := reg.Snapshot()
	assert.True(t, snap.Global.RouteThroughEnvoy)
	assert.Equal(t, 5000, snap.Global.HTTPTimeoutMs)

	svc := snap.Destination("biz-service")
	require.NotNil(t, svc)
	assert.Equal(t, []string{"biz"}, svc.CacheNameOrder)
	assert.Equal(t, []string{"X-Debug"}, svc.UncacheableHeaders)

	entry := svc.CachedEndpoints["biz"]
	require.NotNil(t, entry)
	assert.True(t, entry.Pattern.MatchString("/biz/yelp-sf"))
	assert.Equal(t, 30*1_000_000_000, int(entry.TTL))
}

func TestDestinationReturnsNilForUnconfigured(t *testing.T) {
	reg, err := New(Paths{}, 0, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, reg.Snapshot().Destination("unknown"))
}

func TestMalformedDestinationFileIsSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.yaml"), "cached_endpoints:\n  biz:\n    pattern: \"(\"\n")
	writeFile(t, filepath.Join(dir, "ok-service.yaml"), `
cached_endpoints:
  biz:
    pattern: "^/biz/.*$"
`)

	reg, err := New(Paths{SrvConfigsPath: dir}, 0, zap.NewNop())
	require.NoError(t, err)

	snap := reg.Snapshot()
	assert.Nil(t, snap.Destination("broken"))
	assert.NotNil(t, snap.Destination("ok-service"))
}
