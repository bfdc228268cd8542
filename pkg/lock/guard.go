// Package lock provides read/write mutual exclusion per aggregate type.
//
// A Coarse guard serialises every writer of an aggregate type behind one
// lock, which gives a total order over mutations and no per-id parallelism.
// A Striped guard spreads keys over a fixed set of locks so writers of
// different ids rarely contend; it is the opt-in alternative for
// write-heavy deployments.
package lock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Guard runs fn while holding a shared or exclusive lock for key.
// The lock is released on every exit path of fn, including panics.
type Guard interface {
	WithRead(key string, fn func() error) error
	WithWrite(key string, fn func() error) error
}

// Coarse is a single RW lock for a whole aggregate type. The key is ignored.
type Coarse struct {
	mu sync.RWMutex
}

// NewCoarse returns a Coarse guard.
func NewCoarse() *Coarse {
	return &Coarse{}
}

// WithRead runs fn under the shared lock.
func (g *Coarse) WithRead(_ string, fn func() error) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn()
}

// WithWrite runs fn under the exclusive lock.
func (g *Coarse) WithWrite(_ string, fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn()
}

// Striped hashes keys onto a fixed number of RW locks.
type Striped struct {
	stripes []sync.RWMutex
}

// NewStriped returns a guard with n stripes (at least 1).
func NewStriped(n int) *Striped {
	if n < 1 {
		n = 1
	}
	return &Striped{stripes: make([]sync.RWMutex, n)}
}

// WithRead runs fn under the shared lock of key's stripe.
func (g *Striped) WithRead(key string, fn func() error) error {
	mu := g.stripe(key)
	mu.RLock()
	defer mu.RUnlock()
	return fn()
}

// WithWrite runs fn under the exclusive lock of key's stripe.
func (g *Striped) WithWrite(key string, fn func() error) error {
	mu := g.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (g *Striped) stripe(key string) *sync.RWMutex {
	return &g.stripes[xxhash.Sum64String(key)%uint64(len(g.stripes))]
}

// New returns a Striped guard when stripes > 0 and a Coarse guard otherwise.
func New(stripes int) Guard {
	if stripes > 0 {
		return NewStriped(stripes)
	}
	return NewCoarse()
}
