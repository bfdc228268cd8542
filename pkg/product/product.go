package product

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalogue item with stock on hand.
type Product struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stockQuantity"`
	Category      string          `json:"category"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Patch carries the field edits of an optimistic update. Nil fields are left as is.
type Patch struct {
	Name        *string          `json:"name,omitempty"`
	Description *string          `json:"description,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Category    *string          `json:"category,omitempty"`
}

// Apply returns p with the non-nil fields of the patch set.
func (pt Patch) Apply(p Product) Product {
	if pt.Name != nil {
		p.Name = *pt.Name
	}
	if pt.Description != nil {
		p.Description = *pt.Description
	}
	if pt.Price != nil {
		p.Price = *pt.Price
	}
	if pt.Category != nil {
		p.Category = *pt.Category
	}
	return p
}

// Filter selects products. Zero fields match everything.
type Filter struct {
	Category string
	// MaxStock, when set, keeps products with StockQuantity below it.
	MaxStock *int
}

// Match reports whether p satisfies f.
func (f Filter) Match(p Product) bool {
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.MaxStock != nil && p.StockQuantity >= *f.MaxStock {
		return false
	}
	return true
}

// Repository defines behavior for persisting products.
//
// Update is conflict-checked: it fails with ErrVersionConflict unless the
// stored version equals p.Version, and returns the product with the version
// incremented. ForUpdate holds an exclusive row lock on id while fn runs and
// persists the product fn returns in the same unit of work.
type Repository interface {
	Create(ctx context.Context, p Product) (Product, error)
	Get(ctx context.Context, id string) (Product, error)
	Find(ctx context.Context, f Filter) ([]Product, error)
	Update(ctx context.Context, p Product) (Product, error)
	ForUpdate(ctx context.Context, id string, fn func(Product) (Product, error)) (Product, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}

var (
	// ErrNotFound indicates the requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrVersionConflict indicates the product changed since it was read.
	ErrVersionConflict = errors.New("product version conflict")
	// ErrAlreadyExists indicates a product with the same id is already stored.
	ErrAlreadyExists = errors.New("product already exists")
)
