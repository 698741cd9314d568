package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	base     string
	useEnvoy bool
	err      error
}

func (s staticResolver) Resolve(string) (string, bool, error) { return s.base, s.useEnvoy, s.err }

func TestForwardSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":1}`))
	}))
	defer srv.Close()

	c := New(staticResolver{base: srv.URL}, 5*time.Second)
	resp := c.Forward(context.Background(), "dest", http.MethodGet, "/path", http.Header{}, nil, 0)
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, `{"ok":1}`, string(resp.Body))
	assert.True(t, resp.IsProxied)
}

func TestForwardConnectionRefused(t *testing.T) {
	c := New(staticResolver{base: "http://127.0.0.1:1"}, time.Second)
	resp := c.Forward(context.Background(), "dest", http.MethodGet, "/path", http.Header{}, nil, time.Second)
	assert.Equal(t, http.StatusBadGateway, resp.Status)
}

func TestForwardTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := New(staticResolver{base: srv.URL}, time.Second)
	resp := c.Forward(context.Background(), "dest", http.MethodGet, "/path", http.Header{}, nil, 10*time.Millisecond)
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
}

func TestEnvoyRoutingSetsHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Yelp-Svc")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := New(staticResolver{base: srv.URL, useEnvoy: true}, time.Second)
	c.Forward(context.Background(), "dest", http.MethodGet, "/path", http.Header{}, nil, 0)
	assert.Equal(t, "dest", gotHeader)
}

func TestHopByHopHeadersStripped(t *testing.T) {
	h := http.Header{"Connection": {"keep-alive"}, "X-Keep": {"yes"}}
	out := stripHopByHop(h)
	assert.Empty(t, out.Get("Connection"))
	assert.Equal(t, "yes", out.Get("X-Keep"))
}
