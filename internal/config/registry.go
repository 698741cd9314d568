// Package config implements the hot-reload configuration registry:
// per-destination YAML, the SmartStack service registry, the Envoy client
// config, and casper's own internal settings, all served from an
// atomic.Pointer[Snapshot] so readers never see a torn read.
// A background goroutine re-reads the config files every 10s and swaps in
// a new Snapshot only when a file's modification time changed (or a file
// appeared or disappeared). A failure loading the global, SmartStack or
// Envoy file leaves the previous snapshot in place and is logged, never
// panics the worker; a destination file that fails to load is left out of
// the new Snapshot, as on the initial load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yelp/casper/internal/model"
)

// pollInterval is the background reload tick.
const pollInterval = 10 * time.Second

// Paths holds the filesystem locations the registry loads from, sourced
// from the SRV_CONFIGS_PATH/SERVICES_YAML_PATH/ENVOY_CONFIGS_PATH
// environment variables.
type Paths struct {
	SrvConfigsPath   string // SRV_CONFIGS_PATH
	ServicesYAMLPath string // SERVICES_YAML_PATH
	EnvoyConfigsPath string // ENVOY_CONFIGS_PATH
}

// PathsFromEnv builds Paths from the process environment.
func PathsFromEnv() Paths {
	return Paths{
		SrvConfigsPath:   os.Getenv("SRV_CONFIGS_PATH"),
		ServicesYAMLPath: os.Getenv("SERVICES_YAML_PATH"),
		EnvoyConfigsPath: os.Getenv("ENVOY_CONFIGS_PATH"),
	}
}

// SmartStackEntry is one destination's (host, port) registration.
type SmartStackEntry struct {
	Host string
	Port int
}

// EnvoyConfig is the decoded envoy_client.yaml.
type EnvoyConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// Snapshot is the immutable, fully-decoded configuration view handed to
// every component. A request captures one Snapshot pointer at entry and
// reads it for the request's whole lifetime.
type Snapshot struct {
	Global       *model.GlobalConfig
	Destinations map[string]*model.ServiceConfig
	SmartStack   map[string]SmartStackEntry
	Envoy        EnvoyConfig
	ModTimes     map[string]time.Time
	WorkerID     int
}

// Destination returns the ServiceConfig for dest, or nil if unconfigured.
func (s *Snapshot) Destination(dest string) *model.ServiceConfig {
	if s == nil {
		return nil
	}
	return s.Destinations[dest]
}

// Registry is the live configuration registry: a typed Snapshot behind an
// atomic pointer plus a raw, path-keyed YAML tree cache behind
// `Get(path, keys...)`.
type Registry struct {
	paths  Paths
	logger *zap.Logger

	snapshot atomic.Pointer[Snapshot]

	rawMu    sync.Mutex
	raw      map[string]map[string]interface{} // absolute path -> decoded tree
	rawMTime map[string]time.Time

	workerID int

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a Registry and loads an initial Snapshot synchronously.
// Missing files are tolerated (an empty/default Snapshot is built); a
// malformed file fails New outright since there is no previous snapshot
// yet to fall back to.
func New(paths Paths, workerID int, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		paths:    paths,
		logger:   logger,
		raw:      make(map[string]map[string]interface{}),
		rawMTime: make(map[string]time.Time),
		workerID: workerID,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	snap, err := r.load()
	if err != nil {
		return nil, fmt.Errorf("config: initial load: %w", err)
	}
	r.snapshot.Store(snap)
	return r, nil
}

// Snapshot returns the currently active, immutable configuration view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Get traverses the raw YAML tree at path (relative to SrvConfigsPath if
// not absolute) through keys, returning the leaf value and whether it was
// found. On first access for a path the file is loaded synchronously and
// cached; subsequent accesses return the cached tree until the background
// poller reloads it.
func (r *Registry) Get(path string, keys ...string) (interface{}, bool) {
	tree, err := r.rawTree(path)
	if err != nil {
		r.logger.Warn("config: get failed to load path", zap.String("path", path), zap.Error(err))
		return nil, false
	}

	var cur interface{} = tree
	for _, k := range keys {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (r *Registry) rawTree(path string) (map[string]interface{}, error) {
	abs := r.resolvePath(path)

	r.rawMu.Lock()
	if tree, ok := r.raw[abs]; ok {
		r.rawMu.Unlock()
		return tree, nil
	}
	r.rawMu.Unlock()

	tree, mtime, err := loadYAMLTree(abs)
	if err != nil {
		return nil, err
	}

	r.rawMu.Lock()
	r.raw[abs] = tree
	r.rawMTime[abs] = mtime
	r.rawMu.Unlock()

	return tree, nil
}

func (r *Registry) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.paths.SrvConfigsPath, path)
}

func loadYAMLTree(path string) (map[string]interface{}, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, time.Time{}, err
	}
	return v.AllSettings(), info.ModTime(), nil
}

// Start launches the background reload loop. It also starts an fsnotify
// watch over SrvConfigsPath so a newly-created or removed destination
// file is picked up by a directory rescan sooner than the next poll
// tick; that rescan runs the same full reload as a poll tick.
func (r *Registry) Start() {
	go r.pollLoop()

	if r.paths.SrvConfigsPath == "" {
		close(r.done)
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("config: fsnotify unavailable, relying on poll only", zap.Error(err))
		close(r.done)
		return
	}
	if err := watcher.Add(r.paths.SrvConfigsPath); err != nil {
		r.logger.Warn("config: fsnotify add failed", zap.String("path", r.paths.SrvConfigsPath), zap.Error(err))
		watcher.Close()
		close(r.done)
		return
	}
	r.watcher = watcher
	go r.watchLoop()
}

// Stop terminates the background poll/watch goroutines.
func (r *Registry) Stop() {
	close(r.stop)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func (r *Registry) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reloadChanged()
		}
	}
}

func (r *Registry) watchLoop() {
	var rescan *time.Timer
	const debounce = 250 * time.Millisecond
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if rescan != nil {
				rescan.Stop()
			}
			rescan = time.AfterFunc(debounce, r.reloadChanged)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("config: fsnotify watch error", zap.Error(err))
		}
	}
}

// reloadChanged refreshes every cached raw tree whose file's modification
// time changed, then rebuilds a Snapshot from disk (including a directory
// rescan for new/removed destinations) and swaps it in only if the
// modification-time table differs from the current one. A failure loading
// the global, SmartStack or Envoy file leaves the whole prior Snapshot in
// place; a destination file that fails to load is dropped from the new one.
func (r *Registry) reloadChanged() {
	r.rawMu.Lock()
	for path, mtime := range r.rawMTime {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().Equal(mtime) {
			continue
		}
		tree, newMTime, err := loadYAMLTree(path)
		if err != nil {
			r.logger.Warn("config: raw reload failed, keeping previous tree", zap.String("path", path), zap.Error(err))
			continue
		}
		r.raw[path] = tree
		r.rawMTime[path] = newMTime
	}
	r.rawMu.Unlock()

	snap, err := r.load()
	if err != nil {
		r.logger.Warn("config: reload failed, keeping previous snapshot", zap.Error(err))
		return
	}
	prev := r.snapshot.Load()
	if prev != nil && sameModTimes(prev.ModTimes, snap.ModTimes) {
		return
	}
	r.snapshot.Store(snap)
	r.logger.Info("config: snapshot reloaded", zap.Int("destinations", len(snap.Destinations)))
}

func sameModTimes(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !b[k].Equal(v) {
			return false
		}
	}
	return true
}

// load performs a full synchronous (re)build of a Snapshot from disk.
func (r *Registry) load() (*Snapshot, error) {
	modTimes := make(map[string]time.Time)

	global, gMTime, err := loadGlobalConfig(filepath.Join(r.paths.SrvConfigsPath, "casper.internal.yaml"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("global config: %w", err)
	}
	if err == nil {
		modTimes["casper.internal.yaml"] = gMTime
	}
	if global == nil {
		global = &model.GlobalConfig{HTTPTimeoutMs: 60000, NumWorkers: 1}
	}

	destinations, destMTimes, err := loadDestinations(r.paths.SrvConfigsPath)
	if err != nil {
		return nil, fmt.Errorf("destinations: %w", err)
	}
	for k, v := range destMTimes {
		modTimes[k] = v
	}

	smartstack, ssMTime, err := loadSmartStack(r.paths.ServicesYAMLPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("smartstack: %w", err)
	}
	if err == nil {
		modTimes[r.paths.ServicesYAMLPath] = ssMTime
	}

	envoy, envoyMTime, err := loadEnvoyConfig(filepath.Join(r.paths.EnvoyConfigsPath, "envoy_client.yaml"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("envoy config: %w", err)
	}
	if err == nil {
		modTimes["envoy_client.yaml"] = envoyMTime
	}

	return &Snapshot{
		Global:       global,
		Destinations: destinations,
		SmartStack:   smartstack,
		Envoy:        envoy,
		ModTimes:     modTimes,
		WorkerID:     r.workerID,
	}, nil
}

func loadGlobalConfig(path string) (*model.GlobalConfig, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("timeout_ms", 60000)
	if err := v.ReadInConfig(); err != nil {
		return nil, time.Time{}, err
	}

	var root struct {
		Casper struct {
			DisableCaching    bool `mapstructure:"disable_caching"`
			RouteThroughEnvoy bool `mapstructure:"route_through_envoy"`
			HTTP              struct {
				TimeoutMs int `mapstructure:"timeout_ms"`
			} `mapstructure:"http"`
			V2SingleEnabledPct int `mapstructure:"v2_single_enabled_pct"`
			NumWorkers         int `mapstructure:"num_workers"`
		} `mapstructure:"casper"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return nil, time.Time{}, err
	}

	cfg := &model.GlobalConfig{
		DisableCaching:     root.Casper.DisableCaching,
		RouteThroughEnvoy:  root.Casper.RouteThroughEnvoy,
		HTTPTimeoutMs:      root.Casper.HTTP.TimeoutMs,
		V2SingleEnabledPct: root.Casper.V2SingleEnabledPct,
		NumWorkers:         root.Casper.NumWorkers,
	}
	if cfg.HTTPTimeoutMs == 0 {
		cfg.HTTPTimeoutMs = 60000
	}
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = 1
	}
	return cfg, info.ModTime(), nil
}

// loadDestinations reads every <destination>.yaml file directly under
// dir (excluding casper.internal.yaml) into a ServiceConfig.
func loadDestinations(dir string) (map[string]*model.ServiceConfig, map[string]time.Time, error) {
	destinations := make(map[string]*model.ServiceConfig)
	modTimes := make(map[string]time.Time)

	if dir == "" {
		return destinations, modTimes, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return destinations, modTimes, nil
		}
		return nil, nil, err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		if name == "casper.internal.yaml" {
			continue
		}
		dest := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")

		svc, mtime, err := loadServiceConfig(filepath.Join(dir, name), dest)
		if err != nil {
			// A single malformed destination file must not take down the
			// whole registry; skip it and keep the others loaded.
			continue
		}
		destinations[dest] = svc
		modTimes[name] = mtime
	}
	return destinations, modTimes, nil
}

func loadServiceConfig(path, destination string) (*model.ServiceConfig, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, time.Time{}, err
	}

	var decoded struct {
		CachedEndpoints    map[string]*model.CacheEntry `mapstructure:"cached_endpoints"`
		UncacheableHeaders []string                     `mapstructure:"uncacheable_headers"`
		VaryHeaders        []string                     `mapstructure:"vary_headers"`
	}
	if err := v.Unmarshal(&decoded); err != nil {
		return nil, time.Time{}, err
	}

	names := make([]string, 0, len(decoded.CachedEndpoints))
	for name, entry := range decoded.CachedEndpoints {
		entry.Name = name
		if entry.Pattern, err = regexp.Compile(entry.PatternRaw); err != nil {
			return nil, time.Time{}, fmt.Errorf("cached_endpoints.%s.pattern: %w", name, err)
		}
		if entry.PatternV2Raw != "" {
			if entry.PatternV2, err = regexp.Compile(entry.PatternV2Raw); err != nil {
				return nil, time.Time{}, fmt.Errorf("cached_endpoints.%s.pattern_v2: %w", name, err)
			}
		}
		// mapstructure decodes a plain YAML int straight into the
		// time.Duration field as a nanosecond count; cached_endpoints.ttl
		// is a seconds value, so rescale it here rather than asking every
		// destination file to spell "60s".
		if entry.TTL > 0 {
			entry.TTL = entry.TTL * time.Second
		} else {
			entry.TTL = 60 * time.Second
		}
		names = append(names, name)
	}
	// The first-match-wins search order must be deterministic even
	// though Go map iteration isn't; sort by cache_name.
	sort.Strings(names)

	return &model.ServiceConfig{
		Destination:        destination,
		CachedEndpoints:    decoded.CachedEndpoints,
		CacheNameOrder:     names,
		UncacheableHeaders: decoded.UncacheableHeaders,
		VaryHeaders:        decoded.VaryHeaders,
	}, info.ModTime(), nil
}

func loadSmartStack(path string) (map[string]SmartStackEntry, time.Time, error) {
	result := make(map[string]SmartStackEntry)
	if path == "" {
		return result, time.Time{}, os.ErrNotExist
	}
	info, err := os.Stat(path)
	if err != nil {
		return result, time.Time{}, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return result, time.Time{}, err
	}

	var raw map[string]struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return result, time.Time{}, err
	}
	for dest, entry := range raw {
		result[dest] = SmartStackEntry{Host: entry.Host, Port: entry.Port}
	}
	return result, info.ModTime(), nil
}

func loadEnvoyConfig(path string) (EnvoyConfig, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return EnvoyConfig{}, time.Time{}, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return EnvoyConfig{}, time.Time{}, err
	}
	var cfg EnvoyConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return EnvoyConfig{}, time.Time{}, err
	}
	return cfg, info.ModTime(), nil
}

// Resolve implements upstream.Resolver: it looks up destination in the
// SmartStack registry, or returns the Envoy client URL when
// casper.route_through_envoy is set.
func (r *Registry) Resolve(destination string) (string, bool, error) {
	snap := r.Snapshot()
	if snap.Global != nil && snap.Global.RouteThroughEnvoy {
		if snap.Envoy.URL == "" {
			return "", true, fmt.Errorf("config: route_through_envoy set but envoy url is empty")
		}
		return snap.Envoy.URL, true, nil
	}
	entry, ok := snap.SmartStack[destination]
	if !ok {
		return "", false, fmt.Errorf("config: no smartstack entry for destination %q", destination)
	}
	return fmt.Sprintf("http://%s:%d", entry.Host, entry.Port), false, nil
}
