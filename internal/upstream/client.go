// Package upstream implements the upstream client: forwards a
// method/URI/headers/body to the resolved destination and classifies
// transport failures into HTTP-shaped outcomes.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/yelp/casper/internal/model"
)

// hopByHopHeaders are stripped in both the request and response
// direction. content-length is in the set because bodies are fully
// materialized before caching or re-sending.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"content-length":      {},
}

// Resolver resolves a destination to a base URL, implemented by the
// SmartStack registry or, when casper.route_through_envoy is set, the
// Envoy client config.
type Resolver interface {
	Resolve(destination string) (baseURL string, useEnvoy bool, err error)
}

// Client forwards requests to resolved upstream destinations.
type Client struct {
	http           *http.Client
	resolver       Resolver
	defaultTimeout time.Duration
}

// New builds a Client. defaultTimeout is used only if a call's
// per-destination timeout is zero.
func New(resolver Resolver, defaultTimeout time.Duration) *Client {
	return &Client{
		http:           &http.Client{},
		resolver:       resolver,
		defaultTimeout: defaultTimeout,
	}
}

// Forward sends (method, uri, headers, body) to destination and returns a
// Response. Transport failures never return a Go error: they're
// synthesized into 502/504/500 outcomes so callers always get a
// cacheable-shaped Response.
func (c *Client) Forward(ctx context.Context, destination, method, uri string, headers http.Header, body []byte, timeout time.Duration) *model.Response {
	base, useEnvoy, err := c.resolver.Resolve(destination)
	if err != nil {
		return synthesize(http.StatusInternalServerError, fmt.Sprintf("Error requesting %s: %v", uri, err))
	}
	fullURL := base + uri

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, fullURL, bytes.NewReader(body))
	if err != nil {
		return synthesize(http.StatusInternalServerError, fmt.Sprintf("Error requesting %s: %v", uri, err))
	}
	req.Header = stripHopByHop(headers)
	if useEnvoy {
		req.Header.Set("X-Yelp-Svc", destination)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return synthesize(classifyTransportError(err), fmt.Sprintf("Error requesting %s: %v", uri, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return synthesize(http.StatusInternalServerError, fmt.Sprintf("Error requesting %s: %v", uri, err))
	}

	return &model.Response{
		Status:    resp.StatusCode,
		Headers:   stripHopByHop(resp.Header),
		Body:      respBody,
		IsProxied: true,
	}
}

// classifyTransportError maps a transport-layer error to its synthetic
// status code: timeout → 504, connection-level failure → 502, anything
// else → 500.
func classifyTransportError(err error) int {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return http.StatusBadGateway
	}
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "EOF") {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func synthesize(status int, body string) *model.Response {
	return &model.Response{
		Status:    status,
		Headers:   http.Header{"Content-Type": {"text/plain"}},
		Body:      []byte(body),
		IsProxied: true,
	}
}

// CacheableHeaders returns headers minus hop-by-hop minus
// destination-configured uncacheable headers.
func CacheableHeaders(headers http.Header, uncacheable []string) http.Header {
	out := stripHopByHop(headers)
	for _, name := range uncacheable {
		out.Del(name)
	}
	return out
}

func stripHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if _, skip := hopByHopHeaders[strings.ToLower(k)]; skip {
			continue
		}
		out[k] = v
	}
	return out
}
