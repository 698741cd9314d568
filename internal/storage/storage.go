// Package storage implements the storage abstraction: get, store, and
// delete_by_surrogates over an opaque key→response mapping, fronted by
// an in-process TTL shim and transparent compression.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yelp/casper/internal/model"
)

// ErrTransport is returned by Backend.Get to distinguish a storage-layer
// transport failure from a plain cache miss: on ErrTransport the caller
// must not write through a fresh copy on the same request.
var ErrTransport = errors.New("storage: transport error")

// Record is the physical form persisted by a Backend: a Response plus the
// surrogate keys it must be reachable from for group deletion.
type Record struct {
	PrimaryKey    string
	SurrogateKeys []string
	Response      *model.Response
	TTL           time.Duration
}

// Backend is the durable storage contract. Implementations (memory,
// redisbackend) need not be safe against tear on individual field reads of
// a Response they return, since Response is a value produced fresh for
// every Get.
type Backend interface {
	// Get returns the stored response for key, or (nil, nil) on a plain
	// miss. A non-nil error (always wrapping ErrTransport) signals a
	// storage-layer failure distinct from a miss.
	Get(ctx context.Context, key string) (*model.Response, error)
	// Store persists resp under key, indexed by surrogateKeys, with ttl.
	Store(ctx context.Context, key string, surrogateKeys []string, resp *model.Response, ttl time.Duration) error
	// DeleteBySurrogates removes every record indexed by any of keys and
	// returns the count removed.
	DeleteBySurrogates(ctx context.Context, keys []string) (int, error)
	// Close releases any held resources (connections, files).
	Close() error
}

// JoinKey turns a primary-key field sequence into the backend's opaque key
// string. Using a separator unlikely to occur in a normalized URI or
// header value keeps keys human-inspectable in /configs-style debugging.
func JoinKey(fields []string) string {
	return strings.Join(fields, "\x1f")
}

// Store is the orchestrator components call: shim-in-front-of-backend,
// transparent compression, and the get/store/delete_by_surrogates
// contract.
type Store struct {
	backend    Backend
	shim       *Shim
	compressor Compressor
	threshold  int
	logger     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithShim installs an in-process LRU shim in front of the backend.
func WithShim(shim *Shim) Option {
	return func(s *Store) { s.shim = shim }
}

// WithCompression sets the codec and the byte-size threshold above which
// bodies are compressed before being handed to the backend.
func WithCompression(c Compressor, thresholdBytes int) Option {
	return func(s *Store) { s.compressor = c; s.threshold = thresholdBytes }
}

// New builds a Store over backend.
func New(backend Backend, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{backend: backend, logger: logger, compressor: NoopCompressor{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get checks the shim first, then the backend, decompressing
// transparently. A transport error is logged and returned as a distinct
// sentinel so callers treat it as "don't write-through", not "miss".
func (s *Store) Get(ctx context.Context, primaryKey []string) (*model.Response, error) {
	key := JoinKey(primaryKey)

	if s.shim != nil {
		if resp, ok := s.shim.Get(key); ok {
			cloned := *resp
			cloned.IsCached = true
			return &cloned, nil
		}
	}

	resp, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn("storage get failed", zap.String("key", key), zap.Error(err))
		return nil, ErrTransport
	}
	if resp == nil {
		return nil, nil
	}

	decoded, derr := s.compressor.Decompress(resp.Body)
	if derr != nil {
		s.logger.Warn("storage decompress failed", zap.String("key", key), zap.Error(derr))
		return nil, ErrTransport
	}
	out := *resp
	out.Body = decoded
	out.IsCached = true

	if s.shim != nil {
		s.shim.Set(key, &out, shimTTL)
	}
	return &out, nil
}

// shimTTL is the in-process shim's fixed per-entry TTL.
const shimTTL = 2 * time.Second

// StoreResponse persists resp with ttl, indexed by
// surrogateKeys, compressing the body above threshold. Failure is logged,
// never propagated.
func (s *Store) StoreResponse(ctx context.Context, primaryKey []string, surrogateKeys []string, resp *model.Response, ttl time.Duration) {
	key := JoinKey(primaryKey)

	// Every persisted record carries the one-byte codec marker, even when
	// the body is too small to be worth compressing.
	stored := *resp
	stored.Body = append([]byte{markerNone}, resp.Body...)
	if s.threshold > 0 && len(resp.Body) > s.threshold {
		compressed, err := s.compressor.Compress(resp.Body)
		if err != nil {
			s.logger.Warn("storage compress failed", zap.String("key", key), zap.Error(err))
		} else {
			stored.Body = compressed
		}
	}

	if err := s.backend.Store(ctx, key, surrogateKeys, &stored, ttl); err != nil {
		s.logger.Warn("storage store failed", zap.String("key", key), zap.Error(err))
	}

	if s.shim != nil {
		cached := *resp
		cached.IsCached = true
		s.shim.SetWithSurrogates(key, surrogateKeys, &cached, shimTTL)
	}
}

// DeleteBySurrogates removes every record reachable from any of
// surrogateKeys, evicting shim entries written by StoreResponse under
// those surrogates too. Shim entries filled in by Get after a backend hit
// carry no surrogate keys, so a purge does not evict them; they are
// served until their shimTTL runs out.
func (s *Store) DeleteBySurrogates(ctx context.Context, surrogateKeys []string) (int, error) {
	if s.shim != nil {
		s.shim.DeleteBySurrogates(surrogateKeys)
	}
	return s.backend.DeleteBySurrogates(ctx, surrogateKeys)
}

// Close releases the backend (and, transitively, any pooled connections).
func (s *Store) Close() error {
	return s.backend.Close()
}
