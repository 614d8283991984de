// Package cache holds computed results keyed by operation and input fingerprint.
package cache

import (
	"bytes"
	"reflect"
	"slices"
	"sync"

	"github.com/jinzhu/copier"

	"github.com/fxnlabs/adaptive-compute/internal/metrics"
)

// DefaultMaxEntries is the capacity used when New is given zero.
const DefaultMaxEntries = 50

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries    int    `json:"entries"`
	MaxEntries int    `json:"maxEntries"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
}

type entry[V any] struct {
	data  []byte
	value V
}

// FIFO is a bounded cache that evicts the oldest inserted key first. Values
// are copied on the way in and on the way out, so callers never share memory
// with a cached result.
type FIFO[V any] struct {
	mu      sync.Mutex
	max     int
	entries map[string]entry[V]
	order   []string
	stats   Stats
}

// New creates a cache holding at most maxEntries values.
func New[V any](maxEntries int) *FIFO[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &FIFO[V]{
		max:     maxEntries,
		entries: make(map[string]entry[V], maxEntries),
	}
}

// Get returns a copy of the value stored under fp.
func (c *FIFO[V]) Get(fp Fingerprint) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[fp.Key]
	// a hash collision with different input bytes is a miss
	if ok && !bytes.Equal(e.data, fp.Data) {
		ok = false
	}
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()

	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		var zero V
		return zero, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return clone(e.value), true
}

// Set stores a copy of v under fp, evicting the oldest entry when full.
func (c *FIFO[V]) Set(fp Fingerprint, v V) {
	e := entry[V]{data: slices.Clone(fp.Data), value: clone(v)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fp.Key]; exists {
		c.entries[fp.Key] = e
		return
	}
	for len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		c.stats.Evictions++
	}
	c.entries[fp.Key] = e
	c.order = append(c.order, fp.Key)
}

// Len returns the number of cached entries.
func (c *FIFO[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry. Counters are kept.
func (c *FIFO[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V], c.max)
	c.order = nil
}

// Stats returns a snapshot of the cache counters.
func (c *FIFO[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.MaxEntries = c.max
	return s
}

func clone[V any](v V) V {
	switch x := any(v).(type) {
	case nil:
		return v
	case []float32:
		return any(slices.Clone(x)).(V)
	case []byte:
		return any(slices.Clone(x)).(V)
	case float32, float64, int, bool, string:
		return v
	}
	src := any(v)
	dst := reflect.New(reflect.TypeOf(src))
	if err := copier.CopyWithOption(dst.Interface(), src, copier.Option{DeepCopy: true}); err != nil {
		return v
	}
	return dst.Elem().Interface().(V)
}
