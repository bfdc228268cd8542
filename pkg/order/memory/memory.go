// Package memory implements an in-memory order repository.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"storefront/pkg/order"
)

// Repository provides an in-memory implementation of order.Repository.
type Repository struct {
	mu     sync.RWMutex
	orders map[string]order.Order
	now    func() time.Time
}

// New creates a new in-memory repository.
func New() *Repository {
	return &Repository{orders: make(map[string]order.Order), now: time.Now}
}

// Create stores the order with version 0. An id already in use fails with
// order.ErrAlreadyExists.
func (r *Repository) Create(ctx context.Context, o order.Order) (order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return order.Order{}, order.ErrAlreadyExists
	}
	now := r.now()
	o.Version = 0
	o.CreatedAt, o.UpdatedAt = now, now
	r.orders[o.ID] = o
	return o, nil
}

// Get retrieves an order by ID.
func (r *Repository) Get(ctx context.Context, id string) (order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

// Find returns the orders matching f, oldest first.
func (r *Repository) Find(ctx context.Context, f order.Filter) ([]order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]order.Order, 0, len(r.orders))
	for _, o := range r.orders {
		if f.Match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update replaces an existing order if its version is current.
func (r *Repository) Update(ctx context.Context, o order.Order) (order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[o.ID]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	if cur.Version != o.Version {
		return order.Order{}, order.ErrVersionConflict
	}
	o.Version++
	o.CreatedAt = cur.CreatedAt
	o.UpdatedAt = r.now()
	r.orders[o.ID] = o
	return o, nil
}

// Delete removes an order by ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[id]; !ok {
		return order.ErrNotFound
	}
	delete(r.orders, id)
	return nil
}

// Exists reports whether an order with id is stored.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.orders[id]
	return ok, nil
}
