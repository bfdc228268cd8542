package customer

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Customer is a registered buyer. Email is unique.
type Customer struct {
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	Address   string    `json:"address"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Filter selects customers. Zero fields match everything.
type Filter struct {
	Email string
	// Name matches customers whose first or last name contains it.
	Name string
}

// Match reports whether c satisfies f.
func (f Filter) Match(c Customer) bool {
	if f.Email != "" && c.Email != f.Email {
		return false
	}
	if f.Name != "" && !strings.Contains(c.FirstName, f.Name) && !strings.Contains(c.LastName, f.Name) {
		return false
	}
	return true
}

// Repository defines behavior for persisting customers.
type Repository interface {
	Create(ctx context.Context, c Customer) (Customer, error)
	Get(ctx context.Context, id string) (Customer, error)
	Find(ctx context.Context, f Filter) ([]Customer, error)
	Update(ctx context.Context, c Customer) (Customer, error)
	Delete(ctx context.Context, id string) error
}

var (
	// ErrNotFound indicates the requested customer does not exist.
	ErrNotFound = errors.New("customer not found")
	// ErrAlreadyExists indicates another customer already uses the email.
	ErrAlreadyExists = errors.New("customer already exists")
	// ErrInvalid indicates a required field is missing.
	ErrInvalid = errors.New("first name and email are required")
)
