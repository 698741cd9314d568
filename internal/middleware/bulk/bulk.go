// Package bulk implements the bulk-endpoint handler: parse the ID set
// out of a multi-ID GET, fan out per-ID cache lookups concurrently,
// fetch only the misses in one upstream call, and reassemble an ordered
// JSON array.
package bulk

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yelp/casper/internal/keyderiver"
	mw "github.com/yelp/casper/internal/middleware"
	"github.com/yelp/casper/internal/model"
	"github.com/yelp/casper/internal/observability"
	"github.com/yelp/casper/internal/storage"
	"github.com/yelp/casper/internal/upstream"
)

// Middleware implements the bulk fan-out/stitch contract.
type Middleware struct {
	mw.Base
	store    *storage.Store
	upstream *upstream.Client
	sink     observability.Sink
	logger   *zap.Logger
}

// New builds the bulk-endpoint middleware.
func New(store *storage.Store, client *upstream.Client, sink observability.Sink, logger *zap.Logger) *Middleware {
	return &Middleware{store: store, upstream: client, sink: sink, logger: logger}
}

func (*Middleware) Name() string { return "bulk" }

func applies(rc *model.RequestContext) bool {
	info := rc.CacheabilityInfo
	return info.IsCacheable && info.CacheEntry != nil && info.CacheEntry.BulkSupport && rc.Method == http.MethodGet
}

// bulkElement is the reassembly-time representation of one ID's final
// JSON value: an explicit is-null flag rather than an in-band string
// sentinel, so a cached JSON null stays distinguishable from absence.
type bulkElement struct {
	present bool
	isNull  bool
	raw     json.RawMessage
}

// idSlot is one ordinal position's parsed identity: the raw ID string and
// the per-ID URI/primary-key it is looked up (and later stored) under.
type idSlot struct {
	id         string
	primaryKey []string
	surrogates []string
}

// OnRequest resolves the whole bulk request synchronously: fan-out,
// collate, consolidate-miss, assemble. Bulk never short-circuits through
// storage.get the way cacheaside does — the handler itself produces the
// final (possibly upstream-backed) Response. The per-ID join must not
// fail the request; a single slow lookup just becomes a miss.
func (m *Middleware) OnRequest(ctx context.Context, rc *model.RequestContext) (*model.Response, error) {
	if !applies(rc) {
		return nil, nil
	}
	entry := rc.CacheabilityInfo.CacheEntry

	slots, separator, ok := parseIDs(entry, rc.NormalizedURI, rc.Destination, rc.CacheabilityInfo.CacheName, rc.ServiceConfig, rc.Headers)
	if !ok {
		return nil, nil
	}

	results, headerPool, missOrdinals, readFailure := m.fanOut(ctx, slots)
	if readFailure {
		// Failed lookups degrade to misses, but nothing from this request
		// may be written back.
		rc.ReadFailure = true
		m.logger.Warn("bulk: one or more storage reads failed, treating as miss")
	}

	uncacheable := cacheEntryUncacheableHeaders(rc)

	if len(missOrdinals) == 0 {
		rc.CacheStatus = "hit"
		m.sink.Count("casper.cache_hits", observability.Dimensions{
			Namespace: rc.Destination, CacheName: rc.CacheabilityInfo.CacheName, CacheStatus: "hit",
		})
		return &model.Response{
			Status:   http.StatusOK,
			Headers:  upstream.CacheableHeaders(headerPool, uncacheable),
			Body:     assemble(results),
			IsCached: true,
		}, nil
	}

	if shortCircuit := m.consolidateMisses(ctx, rc, entry, slots, missOrdinals, separator, results, uncacheable); shortCircuit != nil {
		return shortCircuit, nil
	}

	rc.CacheStatus = "miss"
	m.sink.Count("casper.cache_misses", observability.Dimensions{
		Namespace: rc.Destination, CacheName: rc.CacheabilityInfo.CacheName, CacheStatus: "miss",
	})
	return &model.Response{
		Status:    http.StatusOK,
		Headers:   upstream.CacheableHeaders(headerPool, uncacheable),
		Body:      assemble(results),
		IsProxied: true,
	}, nil
}

// OnResponse is a no-op: the bulk handler already produced the final
// Response in OnRequest.
func (m *Middleware) OnResponse(context.Context, *model.RequestContext, *model.Response) error {
	return nil
}

// AfterResponse persists every miss ordinal queued during OnRequest,
// without delaying the response already flushed.
func (m *Middleware) AfterResponse(ctx context.Context, rc *model.RequestContext, _ *model.Response) {
	for _, p := range rc.PendingBulkStores {
		m.store.StoreResponse(ctx, p.PrimaryKey, p.SurrogateKeys, p.Response, p.TTL)
	}
}

// fanOut runs storage.Get concurrently for every slot and collates the
// results by ordinal.
func (m *Middleware) fanOut(ctx context.Context, slots []idSlot) ([]bulkElement, http.Header, []int, bool) {
	results := make([]bulkElement, len(slots))
	headerPool := make(http.Header)
	readFailure := false
	var missOrdinals []int

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, slot := range slots {
		wg.Add(1)
		go func(i int, slot idSlot) {
			defer wg.Done()
			resp, err := m.store.Get(ctx, slot.primaryKey)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				readFailure = true
				missOrdinals = append(missOrdinals, i)
			case resp == nil:
				missOrdinals = append(missOrdinals, i)
			default:
				for k, v := range resp.Headers {
					headerPool[k] = v
				}
				elem, isMiss := classifyHit(resp.Body)
				if isMiss {
					missOrdinals = append(missOrdinals, i)
					return
				}
				results[i] = elem
			}
		}(i, slot)
	}
	wg.Wait()

	sort.Ints(missOrdinals)
	return results, headerPool, missOrdinals, readFailure
}

// parseIDs extracts the bulk-ID list from the pattern's second capture
// group and builds one idSlot per ordinal, each carrying the per-ID key
// it is looked up (and later stored) under.
func parseIDs(entry *model.CacheEntry, normalizedURI, destination, cacheName string, svc *model.ServiceConfig, headers http.Header) ([]idSlot, string, bool) {
	pattern := entry.EffectivePattern()
	if pattern == nil || pattern.NumSubexp() < 2 {
		return nil, "", false
	}
	loc := pattern.FindStringSubmatchIndex(normalizedURI)
	if loc == nil || len(loc) < 6 || loc[4] < 0 || loc[5] < 0 {
		return nil, "", false
	}
	idsStart, idsEnd := loc[4], loc[5]
	captured := normalizedURI[idsStart:idsEnd]

	separator, parts := splitIDs(captured)

	slots := make([]idSlot, len(parts))
	for i, id := range parts {
		uri := normalizedURI[:idsStart] + id + normalizedURI[idsEnd:]
		result := keyderiver.Derive(http.MethodGet, uri, destination, cacheName, entry, svc, headers, nil)
		slots[i] = idSlot{id: id, primaryKey: result.PrimaryKey, surrogates: result.SurrogateKeys}
	}
	return slots, separator, true
}

// splitIDs picks whichever of "%2C"/"," actually splits captured into
// more than one piece, preferring "%2C" when both would.
func splitIDs(captured string) (string, []string) {
	if parts := strings.Split(captured, "%2C"); len(parts) > 1 {
		return "%2C", parts
	}
	if parts := strings.Split(captured, ","); len(parts) > 1 {
		return ",", parts
	}
	return ",", []string{captured}
}

// classifyHit interprets a stored hit's body: a literal "null"
// contributes nothing, a one-element JSON array yields that element,
// anything else is re-treated as a miss.
func classifyHit(body []byte) (bulkElement, bool) {
	trimmed := bytes.TrimSpace(body)
	if string(trimmed) == "null" {
		return bulkElement{present: true, isNull: true}, false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(trimmed, &arr); err == nil && len(arr) == 1 {
		return bulkElement{present: true, raw: arr[0]}, false
	}
	return bulkElement{}, true
}

// consolidateMisses rebuilds a single bulk URI for the miss IDs, forwards
// it, and places each returned element (or an explicit null) into
// results by its original ordinal. It returns a non-nil Response only
// when the whole request must short-circuit with an upstream error or
// an unparseable body.
func (m *Middleware) consolidateMisses(ctx context.Context, rc *model.RequestContext, entry *model.CacheEntry, slots []idSlot, missOrdinals []int, separator string, results []bulkElement, uncacheable []string) *model.Response {
	missIDs := make([]string, len(missOrdinals))
	for i, ord := range missOrdinals {
		missIDs[i] = slots[ord].id
	}

	pattern := entry.EffectivePattern()
	loc := pattern.FindStringSubmatchIndex(rc.NormalizedURI)
	idsStart, idsEnd := loc[4], loc[5]
	bulkURI := rc.NormalizedURI[:idsStart] + strings.Join(missIDs, separator) + rc.NormalizedURI[idsEnd:]

	timeout := time.Duration(httpTimeout(rc)) * time.Millisecond
	resp := m.upstream.Forward(ctx, rc.Destination, http.MethodGet, bulkURI, rc.Headers, nil, timeout)

	if resp.Status != http.StatusOK {
		rc.CacheStatus = "non-cacheable-response: status code is " + strconv.Itoa(resp.Status)
		out := *resp
		if out.Headers == nil {
			out.Headers = make(http.Header)
		}
		out.Headers.Set("Spectre-Cache-Status", rc.CacheStatus)
		return &out
	}

	ct := resp.Headers.Get("Content-Type")
	var arr []json.RawMessage
	if !strings.HasPrefix(ct, "application/json") {
		rc.CacheStatus = "unable to process response; content-type is " + ct
		return resp
	}
	if err := json.Unmarshal(resp.Body, &arr); err != nil {
		rc.CacheStatus = "unable to process response; content-type is " + ct
		return resp
	}

	byID := make(map[string]json.RawMessage, len(arr))
	for _, raw := range arr {
		if id, ok := extractID(raw, entry.IDIdentifier); ok {
			byID[url.QueryEscape(id)] = raw
		}
	}

	headers := upstream.CacheableHeaders(resp.Headers, uncacheable)
	for _, ord := range missOrdinals {
		slot := slots[ord]
		raw, found := byID[url.QueryEscape(slot.id)]

		var storeBody []byte
		if found {
			results[ord] = bulkElement{present: true, raw: raw}
			storeBody, _ = json.Marshal([]json.RawMessage{raw})
		} else {
			results[ord] = bulkElement{present: true, isNull: true}
			storeBody = []byte("null")
		}

		if !rc.ReadFailure && (found || !entry.DontCacheMissingIDs) {
			rc.PendingBulkStores = append(rc.PendingBulkStores, model.PendingStore{
				PrimaryKey:    slot.primaryKey,
				SurrogateKeys: slot.surrogates,
				Response:      &model.Response{Status: http.StatusOK, Headers: headers, Body: storeBody},
				TTL:           entry.TTL,
			})
		}
	}
	return nil
}

// extractID reads the id_identifier field out of a JSON element,
// stringifying whatever value it holds.
func extractID(raw json.RawMessage, idField string) (string, bool) {
	if idField == "" {
		return "", false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", false
	}
	val, ok := obj[idField]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(val, &n); err == nil {
		return n.String(), true
	}
	return strings.Trim(string(val), `"`), true
}

// assemble renders results into a compact ordered JSON array, omitting
// nil slots and explicit-null elements.
func assemble(results []bulkElement) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	first := true
	for _, r := range results {
		if !r.present || r.isNull {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(r.raw)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func httpTimeout(rc *model.RequestContext) int {
	if rc.GlobalConfig != nil && rc.GlobalConfig.HTTPTimeoutMs > 0 {
		return rc.GlobalConfig.HTTPTimeoutMs
	}
	return 60000
}

func cacheEntryUncacheableHeaders(rc *model.RequestContext) []string {
	var out []string
	if rc.ServiceConfig != nil {
		out = append(out, rc.ServiceConfig.UncacheableHeaders...)
	}
	if entry := rc.CacheabilityInfo.CacheEntry; entry != nil {
		out = append(out, entry.UncacheableHeaders...)
	}
	return out
}
