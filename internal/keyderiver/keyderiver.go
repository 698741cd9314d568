// Package keyderiver computes the primary and surrogate keys a cacheable
// request is stored/looked-up under.
package keyderiver

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/yelp/casper/internal/model"
)

// Result bundles the primary key, surrogate keys, and any extracted ID.
type Result struct {
	PrimaryKey    []string
	SurrogateKeys []string
	ExtractedID   string
}

// Derive computes the primary and surrogate keys for a cacheable request.
// normalizedBody is the canonical projected-body JSON from
// normalize.Body, only meaningful for POST.
func Derive(method, normalizedURI, destination, cacheName string, entry *model.CacheEntry, svc *model.ServiceConfig, headers http.Header, normalizedBody []byte) Result {
	var key []string
	key = append(key, normalizedURI)

	if strings.EqualFold(method, http.MethodPost) && len(normalizedBody) > 0 {
		fields := sortedBodyFields(entry)
		var decoded map[string]json.RawMessage
		_ = json.Unmarshal(normalizedBody, &decoded)
		for _, f := range fields {
			key = append(key, f)
			if raw, ok := decoded[f]; ok {
				var s string
				if len(raw) > 0 && raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
					key = append(key, s)
				} else {
					key = append(key, string(raw))
				}
			} else {
				key = append(key, "")
			}
		}
	}

	key = append(key, destination, cacheName)

	var extractedID string
	if strings.EqualFold(method, http.MethodGet) && entry.EnableIDExtraction {
		extractedID = extractFirstID(entry, normalizedURI)
	}

	varyHeaders := entry.VaryHeaders
	if len(varyHeaders) == 0 && svc != nil {
		varyHeaders = svc.VaryHeaders
	}
	for _, name := range varyHeaders {
		key = append(key, headers.Get(name))
	}

	surrogates := []string{destination + "|" + cacheName}
	if extractedID != "" {
		surrogates = append(surrogates, destination+"|"+cacheName+"|"+extractedID)
	}

	return Result{PrimaryKey: key, SurrogateKeys: surrogates, ExtractedID: extractedID}
}

func sortedBodyFields(entry *model.CacheEntry) []string {
	seen := make(map[string]struct{})
	var fields []string
	add := func(f string) {
		if f == "" {
			return
		}
		if _, ok := seen[f]; ok {
			return
		}
		seen[f] = struct{}{}
		fields = append(fields, f)
	}
	add(entry.PostBodyID)
	for _, f := range entry.VaryBodyFieldList {
		add(f)
	}
	sort.Strings(fields)
	return fields
}

// extractFirstID pulls the first capture group of entry's pattern against
// normalizedURI, splits on "%2C" or ",", and takes the first element.
func extractFirstID(entry *model.CacheEntry, normalizedURI string) string {
	pattern := entry.EffectivePattern()
	if pattern == nil || pattern.NumSubexp() < 1 {
		return ""
	}
	m := pattern.FindStringSubmatch(normalizedURI)
	if m == nil || len(m) < 2 {
		return ""
	}
	captured := m[1]
	var sep string
	if strings.Contains(captured, "%2C") {
		sep = "%2C"
	} else if strings.Contains(captured, ",") {
		sep = ","
	} else {
		return captured
	}
	parts := strings.SplitN(captured, sep, 2)
	return parts[0]
}
