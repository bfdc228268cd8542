// Package memory implements an in-memory product repository.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"storefront/pkg/product"
)

// Repository provides an in-memory implementation of product.Repository.
// Row locks for ForUpdate are one mutex per product id.
type Repository struct {
	mu       sync.RWMutex
	products map[string]product.Product
	rows     sync.Map // id -> *sync.Mutex
	now      func() time.Time
}

// New creates a new in-memory repository.
func New() *Repository {
	return &Repository{products: make(map[string]product.Product), now: time.Now}
}

func (r *Repository) row(id string) *sync.Mutex {
	m, _ := r.rows.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Create stores the product with version 0. An id already in use fails with
// product.ErrAlreadyExists.
func (r *Repository) Create(ctx context.Context, p product.Product) (product.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[p.ID]; ok {
		return product.Product{}, product.ErrAlreadyExists
	}
	now := r.now()
	p.Version = 0
	p.CreatedAt, p.UpdatedAt = now, now
	r.products[p.ID] = p
	return p, nil
}

// Get retrieves a product by ID.
func (r *Repository) Get(ctx context.Context, id string) (product.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[id]
	if !ok {
		return product.Product{}, product.ErrNotFound
	}
	return p, nil
}

// Find returns the products matching f ordered by name.
func (r *Repository) Find(ctx context.Context, f product.Filter) ([]product.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]product.Product, 0, len(r.products))
	for _, p := range r.products {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Update replaces a product if its version is current. It waits for a row
// lock held by ForUpdate.
func (r *Repository) Update(ctx context.Context, p product.Product) (product.Product, error) {
	row := r.row(p.ID)
	row.Lock()
	defer row.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(p)
}

func (r *Repository) update(p product.Product) (product.Product, error) {
	cur, ok := r.products[p.ID]
	if !ok {
		return product.Product{}, product.ErrNotFound
	}
	if cur.Version != p.Version {
		return product.Product{}, product.ErrVersionConflict
	}
	p.Version++
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = r.now()
	r.products[p.ID] = p
	return p, nil
}

// ForUpdate locks the row for id, hands the current product to fn and stores
// the result. The row stays locked until the write completes.
func (r *Repository) ForUpdate(ctx context.Context, id string, fn func(product.Product) (product.Product, error)) (product.Product, error) {
	row := r.row(id)
	row.Lock()
	defer row.Unlock()

	cur, err := r.Get(ctx, id)
	if err != nil {
		return product.Product{}, err
	}
	next, err := fn(cur)
	if err != nil {
		return product.Product{}, err
	}
	next.ID, next.Version = cur.ID, cur.Version

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(next)
}

// Delete removes a product by ID together with its row lock.
func (r *Repository) Delete(ctx context.Context, id string) error {
	row := r.row(id)
	row.Lock()
	defer row.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.rows.Delete(id)
	if _, ok := r.products[id]; !ok {
		return product.ErrNotFound
	}
	delete(r.products, id)
	return nil
}

// Exists reports whether a product with id is stored.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.products[id]
	return ok, nil
}
