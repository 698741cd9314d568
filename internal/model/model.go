// Package model holds the data types shared across the pipeline: the
// per-request context, the cacheability decision, the destination config
// shapes, and the response/record types that flow through storage.
package model

import (
	"net/http"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// CacheEntry is one destination's cached_endpoints entry, decoded from
// per-destination YAML.
type CacheEntry struct {
	Name                string         `mapstructure:"-" yaml:"-"`
	Pattern             *regexp.Regexp `mapstructure:"-" yaml:"-"`
	PatternV2           *regexp.Regexp `mapstructure:"-" yaml:"-"`
	PatternRaw          string         `mapstructure:"pattern" yaml:"pattern"`
	PatternV2Raw        string         `mapstructure:"pattern_v2" yaml:"pattern_v2"`
	TTL                 time.Duration  `mapstructure:"ttl" yaml:"ttl"`
	RequestMethod       string         `mapstructure:"request_method" yaml:"request_method"`
	BulkSupport         bool           `mapstructure:"bulk_support" yaml:"bulk_support"`
	IDIdentifier        string         `mapstructure:"id_identifier" yaml:"id_identifier"`
	PostBodyID          string         `mapstructure:"post_body_id" yaml:"post_body_id"`
	EnableIDExtraction  bool           `mapstructure:"enable_id_extraction" yaml:"enable_id_extraction"`
	DontCacheMissingIDs bool           `mapstructure:"dont_cache_missing_ids" yaml:"dont_cache_missing_ids"`
	VaryHeaders         []string       `mapstructure:"vary_headers" yaml:"vary_headers"`
	VaryBodyFieldList   []string       `mapstructure:"vary_body_field_list" yaml:"vary_body_field_list"`
	NumBuckets          int            `mapstructure:"num_buckets" yaml:"num_buckets"`
	UncacheableHeaders  []string       `mapstructure:"uncacheable_headers" yaml:"uncacheable_headers"`
	UseFilter           string         `mapstructure:"use_filter" yaml:"use_filter"`
}

// EffectiveMethod returns the method this entry matches, defaulting to GET.
func (c *CacheEntry) EffectiveMethod() string {
	if c.RequestMethod == "" {
		return http.MethodGet
	}
	return c.RequestMethod
}

// EffectivePattern returns pattern_v2 if set, else pattern.
func (c *CacheEntry) EffectivePattern() *regexp.Regexp {
	if c.PatternV2 != nil {
		return c.PatternV2
	}
	return c.Pattern
}

// ServiceConfig is one destination's decoded config.
type ServiceConfig struct {
	Destination       string
	CachedEndpoints   map[string]*CacheEntry `mapstructure:"cached_endpoints" yaml:"cached_endpoints"`
	// CacheNameOrder holds cached_endpoints' keys sorted deterministically,
	// since Go map iteration order is not stable and pattern matching
	// needs a fixed first-match-wins search order.
	CacheNameOrder     []string
	UncacheableHeaders []string `mapstructure:"uncacheable_headers" yaml:"uncacheable_headers"`
	VaryHeaders        []string `mapstructure:"vary_headers" yaml:"vary_headers"`
}

// GlobalConfig is casper.internal.yaml's top-level settings.
type GlobalConfig struct {
	DisableCaching      bool `mapstructure:"disable_caching" yaml:"disable_caching"`
	RouteThroughEnvoy   bool `mapstructure:"route_through_envoy" yaml:"route_through_envoy"`
	HTTPTimeoutMs       int  `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	V2SingleEnabledPct  int  `mapstructure:"v2_single_enabled_pct" yaml:"v2_single_enabled_pct"`
	NumWorkers          int  `mapstructure:"num_workers" yaml:"num_workers"`
}

// CacheDecision is the output of the cacheability evaluator.
type CacheDecision struct {
	IsCacheable  bool
	RefreshCache bool
	Reason       string
	CacheName    string
	CacheEntry   *CacheEntry
}

// Response is a cacheable HTTP response: status, headers, body.
type Response struct {
	Status     int
	Headers    http.Header
	Body       []byte
	IsProxied  bool
	IsCached   bool
}

// RequestContext is the single-owner, per-request mutable record the
// pipeline driver creates and passes by reference to every middleware.
type RequestContext struct {
	// RequestID is a per-request identifier (X-Request-Id, generated via
	// uuid.New() when absent) carried for log/trace correlation.
	RequestID      string
	Method         string
	URI            string
	NormalizedURI  string
	NormalizedBody []byte
	RemoteAddr     string
	Destination    string
	Source         string
	Headers        http.Header
	Body           []byte

	ServiceConfig *ServiceConfig
	GlobalConfig  *GlobalConfig

	CacheabilityInfo CacheDecision

	// PrimaryKey is present iff cacheable or force-refresh.
	PrimaryKey []string
	// SurrogateKeys is computed by key derivation alongside PrimaryKey.
	SurrogateKeys []string
	// ExtractedID is an optional surrogate-key discriminator extracted
	// from the URI for GET requests with enable_id_extraction.
	ExtractedID string

	// CacheStatus is transcribed verbatim into Spectre-Cache-Status.
	CacheStatus string

	// ReadFailure is set when a storage read failed at the transport
	// level on this request. The response is still served (the failure
	// degrades to a miss), but no write-through may happen: the fresh
	// copy would not be read back consistently.
	ReadFailure bool

	TraceHeaders   http.Header
	StartTime      time.Time
	EndTime        time.Time
	ResponseStatus int

	// Span is the tracing span opened for this request, if any; the
	// tracing middleware starts it in OnRequest and ends it in
	// AfterResponse, since the chain does not thread a per-middleware
	// context back through subsequent phases.
	Span trace.Span

	// PendingStore, when non-nil, is written to storage from
	// after_response without delaying the flushed response.
	PendingStore *PendingStore

	// PendingBulkStores holds one entry per bulk miss ordinal the bulk
	// handler must persist from after_response.
	PendingBulkStores []PendingStore
}

// PendingStore carries what a handler's after_response phase needs to
// persist, deferred so the write never blocks the client response.
type PendingStore struct {
	PrimaryKey    []string
	SurrogateKeys []string
	Response      *Response
	TTL           time.Duration
}
