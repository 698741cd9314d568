// Package normalize implements the URI and body canonicalization rules a
// cache key is derived from. Both operations must be byte-stable for
// equivalent inputs: same query multiset, same projected body fields.
package normalize

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/yelp/casper/internal/model"
)

// URI splits on "?", sorts the query string's "&"-separated pairs
// lexicographically, and rejoins. The path is never altered.
func URI(s string) string {
	path, query, hasQuery := cut(s, '?')
	if !hasQuery {
		return s
	}
	if query == "" {
		return path + "?"
	}
	parts := strings.Split(query, "&")
	sort.Strings(parts)
	return path + "?" + strings.Join(parts, "&")
}

func cut(s string, sep byte) (before, after string, found bool) {
	idx := strings.IndexByte(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}

// Body decodes json_bytes as a JSON object and projects the union of
// {post_body_id} ∪ vary_body_field_list into a stable, sorted-key JSON
// object. Fields absent from the input are included as JSON null. Intended
// for POST bodies only; callers must not call this for GET/HEAD.
func Body(jsonBytes []byte, entry *model.CacheEntry) ([]byte, error) {
	fields := projectedFields(entry)
	if len(fields) == 0 {
		return []byte("{}"), nil
	}

	var decoded map[string]json.RawMessage
	if len(jsonBytes) > 0 {
		if err := json.Unmarshal(jsonBytes, &decoded); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, _ := json.Marshal(key)
		buf.Write(keyJSON)
		buf.WriteByte(':')
		if raw, ok := decoded[key]; ok {
			buf.Write(raw)
		} else {
			buf.WriteString("null")
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// projectedFields returns the sorted union of post_body_id and
// vary_body_field_list, deduplicated.
func projectedFields(entry *model.CacheEntry) []string {
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
