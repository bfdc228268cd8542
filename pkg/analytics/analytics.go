// Package analytics keeps periodically refreshed sales statistics that any
// goroutine can read without locking.
package analytics

import (
	"context"
	"maps"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"storefront/pkg/logger"
)

// DefaultCategories are tracked when Config.Categories is empty.
var DefaultCategories = []string{"Electronics", "Clothing", "Books", "Home", "Sports"}

// Snapshot is one published state of the statistics. It is never mutated
// after publication.
type Snapshot struct {
	Revenue    decimal.Decimal
	Categories map[string]int64
	Version    uint64
	UpdatedAt  time.Time
}

// Summary is the read model returned to callers.
type Summary struct {
	TotalRevenue  decimal.Decimal  `json:"totalRevenue"`
	CategoryStats map[string]int64 `json:"categoryStats"`
	QueueSize     int              `json:"queueSize"`
	Version       uint64           `json:"version"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// QueueSizer reports the order pipeline's backlog.
type QueueSizer interface {
	QueueSize() int
}

// Config tunes an Aggregator. Zero values take the defaults.
type Config struct {
	Interval   time.Duration // 30s
	Categories []string
	Seed       int64
	Now        func() time.Time
}

// Aggregator publishes a new Snapshot on every Update by swapping an atomic
// pointer. Readers load the pointer once and so always see a whole snapshot.
type Aggregator struct {
	snap     atomic.Pointer[Snapshot]
	queue    QueueSizer
	interval time.Duration
	now      func() time.Time
	log      *logger.Logger

	mu            sync.Mutex // serialises writers; guards rnd
	rnd           *rand.Rand
	revenueDelta  func() int64 // cents
	categoryDelta func() int64
}

// New returns an aggregator with zeroed statistics.
func New(queue QueueSizer, log *logger.Logger, cfg Config) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	a := &Aggregator{
		queue:    queue,
		interval: cfg.Interval,
		now:      cfg.Now,
		log:      log,
		rnd:      rand.New(rand.NewSource(cfg.Seed)),
	}
	a.revenueDelta = func() int64 { return 10000 + a.rnd.Int63n(90000) }
	a.categoryDelta = func() int64 { return 1 + a.rnd.Int63n(9) }

	cats := make(map[string]int64, len(cfg.Categories))
	for _, c := range cfg.Categories {
		cats[c] = 0
	}
	a.snap.Store(&Snapshot{Revenue: decimal.Zero, Categories: cats, UpdatedAt: cfg.Now()})
	return a
}

// Snapshot returns the current published snapshot. Callers must not modify it.
func (a *Aggregator) Snapshot() *Snapshot {
	return a.snap.Load()
}

// Summary returns the current statistics together with the order queue depth.
func (a *Aggregator) Summary() Summary {
	s := a.snap.Load()
	sum := Summary{
		TotalRevenue:  s.Revenue,
		CategoryStats: maps.Clone(s.Categories),
		Version:       s.Version,
		UpdatedAt:     s.UpdatedAt,
	}
	if a.queue != nil {
		sum.QueueSize = a.queue.QueueSize()
	}
	return sum
}

// CategoryStats returns a copy of the per-category counts.
func (a *Aggregator) CategoryStats() map[string]int64 {
	return maps.Clone(a.snap.Load().Categories)
}

// Update adds a revenue increment in [100, 1000) and a count increment in
// [1, 10) to every tracked category, then publishes the result.
func (a *Aggregator) Update() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.snap.Load()
	next := &Snapshot{
		Revenue:    cur.Revenue.Add(decimal.New(a.revenueDelta(), -2)),
		Categories: make(map[string]int64, len(cur.Categories)),
		Version:    cur.Version + 1,
		UpdatedAt:  a.now(),
	}
	for c, n := range cur.Categories {
		next.Categories[c] = n + a.categoryDelta()
	}
	a.snap.Store(next)
}

// Run calls Update every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Update()
			a.log.Debug(ctx, "analytics updated", "version", a.snap.Load().Version)
		}
	}
}
