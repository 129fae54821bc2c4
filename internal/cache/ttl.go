// Package cache provides a TTL-bound memoization layer with explicit
// invalidation and collapsed concurrent misses.
package cache

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Observer receives hit and miss notifications
type Observer interface {
	CacheHit(cache string)
	CacheMiss(cache string)
}

// LoadFunc computes the value for a key on a miss
type LoadFunc[V any] func() (V, error)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

type settings struct {
	name     string
	now      func() time.Time
	observer Observer
}

// Option configures a TTL cache
type Option func(*settings)

// WithName labels the cache for observers
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithClock overrides the clock used for expiry
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithObserver reports hits and misses to o
func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

// TTL is a keyed cache whose entries expire ttl after they were stored.
//
// Each key carries a generation counter that Invalidate bumps. A load
// that started before an invalidation never overwrites the entry, and the
// singleflight key includes the generation so callers arriving after an
// invalidation never join a stale load.
type TTL[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	gens    map[string]uint64
	epoch   uint64

	ttl    time.Duration
	flight singleflight.Group
	opts   settings
}

// NewTTL creates a cache with the given entry lifetime
func NewTTL[V any](ttl time.Duration, opts ...Option) *TTL[V] {
	s := settings{name: "default", now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return &TTL[V]{
		entries: make(map[string]entry[V]),
		gens:    make(map[string]uint64),
		ttl:     ttl,
		opts:    s,
	}
}

// Get returns the cached value for key if present and unexpired
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && !c.expired(e) {
		c.hit()
		return e.value, true
	}
	c.miss()
	var zero V
	return zero, false
}

// GetOrLoad returns the cached value for key, calling load synchronously on
// a miss. Concurrent misses for the same key share one load.
func (c *TTL[V]) GetOrLoad(key string, load LoadFunc[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.RLock()
	epoch, gen := c.epoch, c.gens[key]
	c.mu.RUnlock()

	flightKey := fmt.Sprintf("%s@%d.%d", key, epoch, gen)
	v, err, _ := c.flight.Do(flightKey, func() (any, error) {
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && !c.expired(e) {
			return e.value, nil
		}

		value, err := load()
		if err != nil {
			return nil, err
		}
		c.storeIfCurrent(key, value, epoch, gen)
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Set stores value under key, replacing any previous entry
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, storedAt: c.opts.now()}
}

// Invalidate drops key and fences out any load already in flight for it
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.gens[key]++
}

// InvalidateAll drops every entry
func (c *TTL[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
	c.epoch++
}

// Len returns the number of stored entries, expired ones included
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *TTL[V]) storeIfCurrent(key string, value V, epoch, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.gens[key] != gen {
		return
	}
	c.entries[key] = entry[V]{value: value, storedAt: c.opts.now()}
}

func (c *TTL[V]) expired(e entry[V]) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.opts.now().Sub(e.storedAt) >= c.ttl
}

func (c *TTL[V]) hit() {
	if c.opts.observer != nil {
		c.opts.observer.CacheHit(c.opts.name)
	}
}

func (c *TTL[V]) miss() {
	if c.opts.observer != nil {
		c.opts.observer.CacheMiss(c.opts.name)
	}
}
