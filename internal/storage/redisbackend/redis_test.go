package redisbackend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/yelp/casper/internal/model"
	"github.com/yelp/casper/pkg/logger"
)

// newRedisContainer starts a throwaway redis:7 container for integration
// coverage of the surrogate-key index, skipping when the container cannot
// be started.
func newRedisContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker unavailable, skipping redis integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestRedisBackendStoreGetDeleteBySurrogates(t *testing.T) {
	addr := newRedisContainer(t)
	b := New(Config{Addrs: []string{addr}}, logger.NewNop())
	defer b.Close()
	ctx := context.Background()

	resp := &model.Response{Status: 200, Body: []byte(`{"id":7}`)}
	require.NoError(t, b.Store(ctx, "destA|cacheA|id=7", []string{"destA|cacheA", "destA|cacheA|7"}, resp, time.Minute))

	got, err := b.Get(ctx, "destA|cacheA|id=7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, resp.Body, got.Body)

	n, err := b.DeleteBySurrogates(ctx, []string{"destA|cacheA|7"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got2, err := b.Get(ctx, "destA|cacheA|id=7")
	require.NoError(t, err)
	assert.Nil(t, got2)
}
