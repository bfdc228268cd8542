// Package memory implements an in-memory customer repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront/pkg/customer"
)

// Repository provides an in-memory implementation of customer.Repository.
type Repository struct {
	mu        sync.RWMutex
	customers map[string]customer.Customer
}

// New creates a new in-memory repository.
func New() *Repository {
	return &Repository{customers: make(map[string]customer.Customer)}
}

func (r *Repository) emailTaken(email, except string) bool {
	for id, c := range r.customers {
		if id != except && c.Email == email {
			return true
		}
	}
	return false
}

// Create stores the customer. Ids and emails are unique; a clash fails with
// customer.ErrAlreadyExists.
func (r *Repository) Create(ctx context.Context, c customer.Customer) (customer.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.customers[c.ID]; ok {
		return customer.Customer{}, fmt.Errorf("%w: id %s", customer.ErrAlreadyExists, c.ID)
	}
	if r.emailTaken(c.Email, "") {
		return customer.Customer{}, fmt.Errorf("%w: %s", customer.ErrAlreadyExists, c.Email)
	}
	now := time.Now()
	c.Version = 0
	c.CreatedAt, c.UpdatedAt = now, now
	r.customers[c.ID] = c
	return c, nil
}

// Get retrieves a customer by ID.
func (r *Repository) Get(ctx context.Context, id string) (customer.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.customers[id]
	if !ok {
		return customer.Customer{}, customer.ErrNotFound
	}
	return c, nil
}

// Find returns the customers matching f ordered by last then first name.
func (r *Repository) Find(ctx context.Context, f customer.Filter) ([]customer.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]customer.Customer, 0)
	for _, c := range r.customers {
		if f.Match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].FirstName < out[j].FirstName
	})
	return out, nil
}

// Update replaces an existing customer and bumps its version.
func (r *Repository) Update(ctx context.Context, c customer.Customer) (customer.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.customers[c.ID]
	if !ok {
		return customer.Customer{}, customer.ErrNotFound
	}
	if r.emailTaken(c.Email, c.ID) {
		return customer.Customer{}, fmt.Errorf("%w: %s", customer.ErrAlreadyExists, c.Email)
	}
	c.Version = cur.Version + 1
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = time.Now()
	r.customers[c.ID] = c
	return c, nil
}

// Delete removes a customer by ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.customers[id]; !ok {
		return customer.ErrNotFound
	}
	delete(r.customers, id)
	return nil
}
