// Package internalapi implements the internal endpoints: /status,
// /configs, /purge (and the legacy PURGE verb), and /metrics.
package internalapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/observability"
	"github.com/yelp/casper/internal/storage"
)

func init() {
	// chi only routes methods it knows about; the legacy PURGE verb must
	// be registered before Mount can bind a handler to it.
	chi.RegisterMethod("PURGE")
}

// Handler wires the four internal endpoints onto a chi.Router.
type Handler struct {
	registry *config.Registry
	store    *storage.Store
	sink     *observability.PromSink
	logger   *zap.Logger
}

// New builds the internal-endpoints handler.
func New(registry *config.Registry, store *storage.Store, sink *observability.PromSink, logger *zap.Logger) *Handler {
	return &Handler{registry: registry, store: store, sink: sink, logger: logger}
}

// Mount registers the internal routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Get("/configs", h.handleConfigs)
	r.Delete("/purge", h.handlePurge)
	r.Method("PURGE", "/", http.HandlerFunc(h.handlePurge))
	r.Get("/metrics", h.metricsHandler().ServeHTTP)
}

func (h *Handler) metricsHandler() http.Handler {
	return promhttp.HandlerFor(h.sink.Registry(), promhttp.HandlerOpts{})
}

// statusReport is the `/status` JSON shape.
type statusReport struct {
	OK                bool     `json:"ok"`
	BackendHealthy    *bool    `json:"backend_healthy,omitempty"`
	ConfigsLoaded     bool     `json:"configs_loaded"`
	Destinations      int      `json:"destinations"`
	MissingSmartStack []string `json:"missing_smartstack,omitempty"`
	WorkerID          int      `json:"worker_id"`
}

// handleStatus reports backend health (when ?check_backend=true), whether
// service configs are loaded, and which destinations lack SmartStack
// entries. Returns 500 if any required artifact is missing.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()

	var report statusReport
	if snap != nil {
		report.ConfigsLoaded = len(snap.Destinations) > 0
		report.WorkerID = snap.WorkerID
		report.Destinations = len(snap.Destinations)
		for dest := range snap.Destinations {
			if _, ok := snap.SmartStack[dest]; !ok {
				report.MissingSmartStack = append(report.MissingSmartStack, dest)
			}
		}
	}

	report.OK = report.ConfigsLoaded

	if r.URL.Query().Get("check_backend") == "true" {
		healthy := h.checkBackend(r)
		report.BackendHealthy = &healthy
		report.OK = report.OK && healthy
	}

	status := http.StatusOK
	if !report.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, report)
}

// checkBackend probes storage with a throwaway get, treating a transport
// error as unhealthy and a plain miss as healthy.
func (h *Handler) checkBackend(r *http.Request) bool {
	_, err := h.store.Get(r.Context(), []string{"__casper_status_probe__"})
	return err == nil
}

// configsReport is the `/configs` JSON shape: the loaded configs plus a
// modification-time table and worker id.
type configsReport struct {
	WorkerID     int                    `json:"worker_id"`
	ModTimes     map[string]time.Time   `json:"mod_times"`
	Destinations map[string][]string    `json:"destinations"` // destination -> cache_name list
	Global       map[string]interface{} `json:"global"`
}

func (h *Handler) handleConfigs(w http.ResponseWriter, _ *http.Request) {
	snap := h.registry.Snapshot()
	if snap == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "no configuration snapshot loaded"})
		return
	}

	destinations := make(map[string][]string, len(snap.Destinations))
	for dest, svc := range snap.Destinations {
		destinations[dest] = svc.CacheNameOrder
	}

	report := configsReport{
		WorkerID:     snap.WorkerID,
		ModTimes:     snap.ModTimes,
		Destinations: destinations,
		Global: map[string]interface{}{
			"disable_caching":       snap.Global.DisableCaching,
			"route_through_envoy":   snap.Global.RouteThroughEnvoy,
			"http_timeout_ms":       snap.Global.HTTPTimeoutMs,
			"v2_single_enabled_pct": snap.Global.V2SingleEnabledPct,
			"num_workers":           snap.Global.NumWorkers,
		},
	}
	writeJSON(w, http.StatusOK, report)
}

// handlePurge implements `DELETE /purge?namespace=…&cache_name=…&id=…` and
// the legacy `PURGE /` verb: 400 on missing/unknown namespace or
// cache_name, else builds the narrowest surrogate key and purges it.
func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.URL.Query().Get("namespace"))
	cacheName := strings.TrimSpace(r.URL.Query().Get("cache_name"))
	id := strings.TrimSpace(r.URL.Query().Get("id"))

	if namespace == "" || cacheName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "namespace and cache_name are required"})
		return
	}

	snap := h.registry.Snapshot()
	svc := snap.Destination(namespace)
	if svc == nil || svc.CachedEndpoints[cacheName] == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown namespace or cache_name"})
		return
	}

	surrogate := namespace + "|" + cacheName
	if id != "" {
		surrogate += "|" + id
	}

	count, err := h.store.DeleteBySurrogates(r.Context(), []string{surrogate})
	if err != nil {
		h.logger.Warn("purge: delete_by_surrogates failed", zap.String("surrogate", surrogate), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "purge failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": count, "surrogate": surrogate})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
