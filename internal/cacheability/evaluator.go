// Package cacheability implements the cacheability evaluator: from
// (method, normalized URI, headers, destination, service config, global
// config) it produces a CacheDecision, the gate every other cache-path
// component downstream depends on.
package cacheability

import (
	"net/http"
	"strings"

	"github.com/yelp/casper/internal/model"
)

// noCacheHeaders lists the headers whose presence forces a refresh.
// Names are matched case-insensitively with '-'/'_' treated as equivalent.
var noCacheHeaders = map[string][]string{
	"x-strongly-consistent-read": {"1", "true"},
	"x-force-master-read":        {"1", "true"},
	"cache-control":              {"no-cache"},
	"pragma":                     {"no-cache", "spectre-no-cache"},
}

// Evaluate walks the destination's cache entries in deterministic order
// and returns the decision for the first method+pattern match.
func Evaluate(method, normalizedURI string, headers http.Header, destination string, svc *model.ServiceConfig, global *model.GlobalConfig, body []byte) model.CacheDecision {
	if global != nil && global.DisableCaching {
		return model.CacheDecision{Reason: "caching disabled via configs"}
	}
	if svc == nil {
		return model.CacheDecision{Reason: "non-configured-namespace (" + destination + ")"}
	}

	for _, name := range svc.CacheNameOrder {
		entry := svc.CachedEndpoints[name]
		if entry == nil {
			continue
		}
		if !strings.EqualFold(entry.EffectiveMethod(), method) {
			continue
		}
		pattern := entry.EffectivePattern()
		if pattern == nil || !pattern.MatchString(normalizedURI) {
			continue
		}

		if reason, ok := matchedNoCacheHeader(headers); ok {
			_ = reason
			return model.CacheDecision{Reason: "no-cache-header", RefreshCache: true, CacheName: name, CacheEntry: entry}
		}

		if strings.EqualFold(method, http.MethodPost) {
			ct := headers.Get("Content-Type")
			if !strings.HasPrefix(ct, "application/json") {
				return model.CacheDecision{Reason: "non-cacheable-content-type"}
			}
			if entry.BulkSupport {
				return model.CacheDecision{Reason: "no-bulk-support-for-post"}
			}
			if (entry.EnableIDExtraction || len(entry.VaryBodyFieldList) > 0) && len(body) == 0 {
				return model.CacheDecision{Reason: "non-cacheable-missing-body"}
			}
		}

		return model.CacheDecision{IsCacheable: true, CacheName: name, CacheEntry: entry}
	}

	return model.CacheDecision{Reason: "non-cacheable-uri (" + destination + ")"}
}

// matchedNoCacheHeader reports whether any configured no-cache header is
// present with a matching value.
func matchedNoCacheHeader(headers http.Header) (string, bool) {
	normalized := make(map[string]string, len(headers))
	for k, v := range headers {
		if len(v) == 0 {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(k, "_", "-"))
		normalized[key] = strings.ToLower(v[0])
	}
	for name, values := range noCacheHeaders {
		got, ok := normalized[name]
		if !ok {
			continue
		}
		for _, want := range values {
			if got == want {
				return name, true
			}
		}
	}
	return "", false
}
