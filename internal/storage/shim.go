// The in-process shim: a small LRU with a byte-size cap and a fixed TTL
// fronting the durable backend, extended with a surrogate-key index so
// delete_by_surrogates can evict shim entries without waiting on the
// backend round-trip.
package storage

import (
	"sync"
	"time"

	"github.com/yelp/casper/internal/model"
)

type shimItem struct {
	key           string
	response      *model.Response
	expiresAt     time.Time
	size          int
	surrogateKeys []string
	node          *lruNode
}

type lruNode struct {
	key        string
	prev, next *lruNode
}

// Shim is a thread-safe, size-bounded, TTL-bounded LRU cache keyed by the
// storage layer's opaque primary key string.
type Shim struct {
	mu          sync.Mutex
	items       map[string]*shimItem
	surrogates  map[string]map[string]struct{} // surrogate -> set of primary keys
	head, tail  *lruNode
	maxBytes    int
	currentSize int
}

// NewShim creates a shim capped at maxBytes total response-body size.
func NewShim(maxBytes int) *Shim {
	if maxBytes <= 0 {
		maxBytes = 8 << 20 // 8MiB default
	}
	head, tail := &lruNode{}, &lruNode{}
	head.next, tail.prev = tail, head
	return &Shim{
		items:      make(map[string]*shimItem),
		surrogates: make(map[string]map[string]struct{}),
		head:       head,
		tail:       tail,
		maxBytes:   maxBytes,
	}
}

// Get returns the cached response if present and unexpired.
func (s *Shim) Get(key string) (*model.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		s.deleteLocked(key)
		return nil, false
	}
	s.moveToFront(item.node)
	cloned := *item.response
	return &cloned, true
}

// Set stores resp under key with the given TTL and no surrogate keys, so
// DeleteBySurrogates never evicts it; use SetWithSurrogates when
// group-deletion matters.
func (s *Shim) Set(key string, resp *model.Response, ttl time.Duration) {
	s.SetWithSurrogates(key, nil, resp, ttl)
}

// SetWithSurrogates stores resp under key and indexes it for
// DeleteBySurrogates.
func (s *Shim) SetWithSurrogates(key string, surrogateKeys []string, resp *model.Response, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[key]; ok {
		s.unindexSurrogates(key, existing.surrogateKeys)
		s.currentSize -= existing.size
		s.moveToFront(existing.node)
		existing.response = resp
		existing.expiresAt = time.Now().Add(ttl)
		existing.size = len(resp.Body)
		existing.surrogateKeys = surrogateKeys
		s.currentSize += existing.size
		s.indexSurrogates(key, surrogateKeys)
		s.evict()
		return
	}

	node := &lruNode{key: key}
	item := &shimItem{
		key:           key,
		response:      resp,
		expiresAt:     time.Now().Add(ttl),
		size:          len(resp.Body),
		surrogateKeys: surrogateKeys,
		node:          node,
	}
	s.items[key] = item
	s.currentSize += item.size
	s.addToFront(node)
	s.indexSurrogates(key, surrogateKeys)
	s.evict()
}

// DeleteBySurrogates evicts every shim entry indexed under any of keys.
func (s *Shim) DeleteBySurrogates(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	toDelete := make(map[string]struct{})
	for _, sk := range keys {
		for pk := range s.surrogates[sk] {
			toDelete[pk] = struct{}{}
		}
	}
	for pk := range toDelete {
		s.deleteLocked(pk)
	}
}

func (s *Shim) indexSurrogates(primaryKey string, surrogateKeys []string) {
	for _, sk := range surrogateKeys {
		set, ok := s.surrogates[sk]
		if !ok {
			set = make(map[string]struct{})
			s.surrogates[sk] = set
		}
		set[primaryKey] = struct{}{}
	}
}

func (s *Shim) unindexSurrogates(primaryKey string, surrogateKeys []string) {
	for _, sk := range surrogateKeys {
		if set, ok := s.surrogates[sk]; ok {
			delete(set, primaryKey)
			if len(set) == 0 {
				delete(s.surrogates, sk)
			}
		}
	}
}

func (s *Shim) deleteLocked(key string) {
	item, ok := s.items[key]
	if !ok {
		return
	}
	s.unindexSurrogates(key, item.surrogateKeys)
	s.currentSize -= item.size
	s.removeFromList(item.node)
	delete(s.items, key)
}

func (s *Shim) evict() {
	for s.currentSize > s.maxBytes && s.tail.prev != s.head {
		oldest := s.tail.prev
		s.deleteLocked(oldest.key)
	}
}

func (s *Shim) addToFront(n *lruNode) {
	n.prev = s.head
	n.next = s.head.next
	s.head.next.prev = n
	s.head.next = n
}

func (s *Shim) removeFromList(n *lruNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

func (s *Shim) moveToFront(n *lruNode) {
	s.removeFromList(n)
	s.addToFront(n)
}
