// Package cache provides an idle-expiring key/value cache with a background
// sweeper, plus string stores for the general-purpose cache surface.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config tunes a TTL cache. Zero values take the defaults.
type Config struct {
	TTL           time.Duration // idle time after which an entry is evicted (10m)
	SweepInterval time.Duration // period of the background sweep (5m)
	Now           func() time.Time
}

type entry[V any] struct {
	value      V
	lastAccess atomic.Int64 // unix nanos
}

// TTL evicts entries that have not been read or written for longer than the
// configured TTL. It takes no locks: entries live in a sync.Map and each one
// carries its own atomic access stamp. Eviction decisions are per entry, so a
// Get racing a sweep of the same key may see either the value or a miss.
type TTL[K comparable, V any] struct {
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time

	entries sync.Map // K -> *entry[V]
	size    atomic.Int64
}

// New returns an empty cache. Call Run to start sweeping.
func New[K comparable, V any](cfg Config) *TTL[K, V] {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TTL[K, V]{ttl: cfg.TTL, interval: cfg.SweepInterval, now: cfg.Now}
}

// Put upserts value and stamps the access time.
func (c *TTL[K, V]) Put(key K, value V) {
	e := &entry[V]{value: value}
	e.lastAccess.Store(c.now().UnixNano())
	if _, loaded := c.entries.Swap(key, e); !loaded {
		c.size.Add(1)
	}
}

// Get returns the value for key and refreshes its access time.
// A miss has no side effects.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	e := v.(*entry[V])
	e.lastAccess.Store(c.now().UnixNano())
	return e.value, true
}

// Remove deletes key and its access record.
func (c *TTL[K, V]) Remove(key K) {
	if _, loaded := c.entries.LoadAndDelete(key); loaded {
		c.size.Add(-1)
	}
}

// Len reports the number of cached entries.
func (c *TTL[K, V]) Len() int {
	return int(c.size.Load())
}

// Sweep evicts every entry idle for longer than the TTL and returns how many
// it removed. An entry replaced by Put after it was examined is kept.
func (c *TTL[K, V]) Sweep() int {
	now := c.now().UnixNano()
	limit := int64(c.ttl)
	evicted := 0
	c.entries.Range(func(k, v any) bool {
		e := v.(*entry[V])
		if now-e.lastAccess.Load() > limit && c.entries.CompareAndDelete(k, e) {
			c.size.Add(-1)
			evicted++
		}
		return true
	})
	return evicted
}

// Run sweeps on every interval until ctx is cancelled.
func (c *TTL[K, V]) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}
