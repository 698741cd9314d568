// Package memory implements storage.Backend over a process-local map. It
// backs unit tests and can serve as a dependency-free default backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/yelp/casper/internal/model"
)

type entry struct {
	resp          *model.Response
	expiresAt     time.Time
	surrogateKeys []string
}

// Backend is an in-memory storage.Backend implementation with a
// surrogate-key index for group deletion.
type Backend struct {
	mu         sync.Mutex
	entries    map[string]entry
	surrogates map[string]map[string]struct{}
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		entries:    make(map[string]entry),
		surrogates: make(map[string]map[string]struct{}),
	}
}

// Get returns (nil, nil) on miss or expiry; this backend never produces a
// transport error.
func (b *Backend) Get(_ context.Context, key string) (*model.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		b.deleteLocked(key)
		return nil, nil
	}
	cloned := *e.resp
	return &cloned, nil
}

// Store persists resp under key, indexed by surrogateKeys, for ttl.
func (b *Backend) Store(_ context.Context, key string, surrogateKeys []string, resp *model.Response, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.entries[key]; ok {
		b.unindex(key, old.surrogateKeys)
	}
	cloned := *resp
	b.entries[key] = entry{resp: &cloned, expiresAt: time.Now().Add(ttl), surrogateKeys: surrogateKeys}
	b.index(key, surrogateKeys)
	return nil
}

// DeleteBySurrogates removes every entry indexed by any of keys.
func (b *Backend) DeleteBySurrogates(_ context.Context, keys []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	toDelete := make(map[string]struct{})
	for _, sk := range keys {
		for pk := range b.surrogates[sk] {
			toDelete[pk] = struct{}{}
		}
	}
	for pk := range toDelete {
		b.deleteLocked(pk)
	}
	return len(toDelete), nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

func (b *Backend) index(key string, surrogateKeys []string) {
	for _, sk := range surrogateKeys {
		set, ok := b.surrogates[sk]
		if !ok {
			set = make(map[string]struct{})
			b.surrogates[sk] = set
		}
		set[key] = struct{}{}
	}
}

func (b *Backend) unindex(key string, surrogateKeys []string) {
	for _, sk := range surrogateKeys {
		if set, ok := b.surrogates[sk]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(b.surrogates, sk)
			}
		}
	}
}

func (b *Backend) deleteLocked(key string) {
	e, ok := b.entries[key]
	if !ok {
		return
	}
	b.unindex(key, e.surrogateKeys)
	delete(b.entries, key)
}
