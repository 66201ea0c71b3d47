// Package cache provides the bounded in-memory TTL caches used for
// transcripts, grounded responses and the processed-video directory.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Toggle switches a set of caches on or off at once. A nil *Toggle is always on.
type Toggle struct {
	off atomic.Bool
}

// NewToggle returns a toggle in the given state.
func NewToggle(enabled bool) *Toggle {
	t := &Toggle{}
	t.off.Store(!enabled)
	return t
}

func (t *Toggle) Enabled() bool {
	return t == nil || !t.off.Load()
}

func (t *Toggle) Set(enabled bool) {
	if t != nil {
		t.off.Store(!enabled)
	}
}

// Observer receives hit/miss notifications. Implemented by the metrics package.
type Observer interface {
	CacheHit(name string)
	CacheMiss(name string)
}

// Config configures a TTL cache.
type Config struct {
	Name       string
	MaxEntries int
	DefaultTTL time.Duration
	Toggle     *Toggle          // nil = always enabled
	Clock      func() time.Time // nil = time.Now
	Observer   Observer
}

type entry[V any] struct {
	value  V
	expiry time.Time
}

// Stats is a point-in-time view of a cache.
type Stats struct {
	TotalEntries int `json:"total_entries"`
	ValidEntries int `json:"valid_entries"`
	MaxSize      int `json:"max_size"`
}

// TTL is a size-bounded map whose entries expire after a per-entry TTL.
// Expired entries are dropped lazily when read. When a new key is inserted
// into a full cache, the entry with the soonest expiry is evicted.
type TTL[V any] struct {
	mu      sync.Mutex
	items   map[string]entry[V]
	name    string
	max     int
	ttl     time.Duration
	toggle  *Toggle
	now     func() time.Time
	observe Observer
}

// New creates a TTL cache with defaults for unset fields.
func New[V any](cfg Config) *TTL[V] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 256
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &TTL[V]{
		items:   make(map[string]entry[V]),
		name:    cfg.Name,
		max:     cfg.MaxEntries,
		ttl:     cfg.DefaultTTL,
		toggle:  cfg.Toggle,
		now:     cfg.Clock,
		observe: cfg.Observer,
	}
}

func (c *TTL[V]) Name() string { return c.name }

// Get returns the value for key if present and not expired.
// An entry is still valid at exactly its expiry instant.
func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V
	if !c.toggle.Enabled() {
		return zero, false
	}

	c.mu.Lock()
	e, ok := c.items[key]
	if ok && c.now().After(e.expiry) {
		delete(c.items, key)
		ok = false
	}
	c.mu.Unlock()

	if c.observe != nil {
		if ok {
			c.observe.CacheHit(c.name)
		} else {
			c.observe.CacheMiss(c.name)
		}
	}
	if !ok {
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key. Overwriting an existing key never evicts.
// A non-positive ttl falls back to the default.
func (c *TTL[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if !c.toggle.Enabled() {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.max {
		c.evictSoonestLocked()
	}
	c.items[key] = entry[V]{value: value, expiry: c.now().Add(ttl)}
}

func (c *TTL[V]) evictSoonestLocked() {
	var (
		victim  string
		soonest time.Time
		found   bool
	)
	for k, e := range c.items {
		if !found || e.expiry.Before(soonest) {
			victim, soonest, found = k, e.expiry, true
		}
	}
	if found {
		delete(c.items, victim)
	}
}

// Delete removes key and reports whether it was present.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	delete(c.items, key)
	return ok
}

// Clear removes every entry.
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]entry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *TTL[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	valid := 0
	for _, e := range c.items {
		if !now.After(e.expiry) {
			valid++
		}
	}
	return Stats{TotalEntries: len(c.items), ValidEntries: valid, MaxSize: c.max}
}

// Entries returns a snapshot of the unexpired entries.
func (c *TTL[V]) Entries() map[string]V {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[string]V, len(c.items))
	for k, e := range c.items {
		if !now.After(e.expiry) {
			out[k] = e.value
		}
	}
	return out
}
