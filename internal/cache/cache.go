// Package cache implements a fingerprint-keyed artifact cache: strict
// insertion-order eviction, synchronous update listeners and
// snappy-compressed storage, kept in-process rather than in an external
// KV store so insertion order is guaranteed.
package cache

import (
	"container/list"
	"encoding/json"
	"strings"
	"sync"

	"github.com/golang/snappy"
)

// Entry is one stored artifact: compressed bytes plus caller-supplied
// metadata (e.g. content type, fetched_at) kept alongside it.
type Entry struct {
	Bytes []byte
	Meta  map[string]string
}

// Fingerprint identifies a cache slot; Parsed splits it back into its
// constituent parts for update-listener notifications.
type Fingerprint string

// Parsed is the {namespace, url_hash, fingerprint} tuple passed to update
// listeners.
type Parsed struct {
	Namespace   string
	URLHash     string
	Fingerprint string
}

// Parse splits a fingerprint of the form "namespace:url_hash[:variation]"
// into its parts.
func (f Fingerprint) Parse() Parsed {
	parts := strings.SplitN(string(f), ":", 3)
	p := Parsed{Fingerprint: string(f)}
	if len(parts) > 0 {
		p.Namespace = parts[0]
	}
	if len(parts) > 1 {
		p.URLHash = parts[1]
	}
	return p
}

// Listener is invoked synchronously on every set/delete.
type Listener func(Parsed)

type node struct {
	key   Fingerprint
	value Entry
}

// Cache is a FIFO-evicted, fingerprint-keyed artifact store. The zero value
// is not usable; construct with New.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List // of *node, front = oldest
	index      map[Fingerprint]*list.Element
	listeners  []Listener
}

// New builds a Cache that evicts its least-recently-inserted entry once it
// holds more than maxEntries. maxEntries <= 0 means unbounded.
func New(maxEntries int) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[Fingerprint]*list.Element),
	}
}

// AddListener registers a listener invoked on every subsequent Set/Delete.
func (c *Cache) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Get retrieves fp's entry without affecting insertion order.
func (c *Cache) Get(fp Fingerprint) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[fp]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(*node).value, true
}

// SetOptions controls Set's overwrite behavior.
type SetOptions struct {
	// Force evicts-then-reinserts fp if it is already present, moving it
	// to the back (newest) of the insertion order instead of updating it
	// in place.
	Force bool
}

// Set stores raw under fp, compressing it with snappy, and notifies
// listeners. When |entries| exceeds maxEntries after insertion, the oldest
// entry is evicted first.
func (c *Cache) Set(fp Fingerprint, raw []byte, meta map[string]string, opts SetOptions) {
	c.mu.Lock()
	compressed := snappy.Encode(nil, raw)
	if el, exists := c.index[fp]; exists {
		if opts.Force {
			c.order.Remove(el)
			delete(c.index, fp)
		} else {
			el.Value.(*node).value = Entry{Bytes: compressed, Meta: meta}
			c.mu.Unlock()
			c.notify(fp)
			return
		}
	}
	el := c.order.PushBack(&node{key: fp, value: Entry{Bytes: compressed, Meta: meta}})
	c.index[fp] = el
	c.evictIfNeeded()
	c.mu.Unlock()
	c.notify(fp)
}

// Delete removes fp's entry, if any, and notifies listeners.
func (c *Cache) Delete(fp Fingerprint) {
	c.mu.Lock()
	el, ok := c.index[fp]
	if ok {
		c.order.Remove(el)
		delete(c.index, fp)
	}
	c.mu.Unlock()
	if ok {
		c.notify(fp)
	}
}

// Clear empties the cache without notifying listeners.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[Fingerprint]*list.Element)
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Decode is a convenience helper for the snappy.Decode+json.Unmarshal
// cache-hit path.
func Decode(e Entry, v any) error {
	raw, err := snappy.Decode(nil, e.Bytes)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Encode JSON-marshals v for storage; Set applies the snappy compression.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Cache) evictIfNeeded() {
	if c.maxEntries <= 0 {
		return
	}
	for len(c.index) > c.maxEntries {
		oldest := c.order.Front()
		if oldest == nil {
			return
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*node).key)
	}
}

func (c *Cache) notify(fp Fingerprint) {
	c.mu.Lock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	parsed := fp.Parse()
	for _, l := range listeners {
		l(parsed)
	}
}
