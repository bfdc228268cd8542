package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle stage of an order.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions lists the allowed target states per source state. Delivered and
// cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusDelivered},
	StatusProcessing: {StatusShipped, StatusCancelled, StatusDelivered},
	StatusShipped:    {StatusDelivered},
}

// ParseStatus validates s as a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// CanTransition reports whether an order in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Order represents a customer purchase order.
type Order struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customerId"`
	OrderDate   time.Time       `json:"orderDate"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Status      Status          `json:"status"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Filter selects orders. Zero fields match everything.
type Filter struct {
	CustomerID string
	Status     Status
}

// Match reports whether o satisfies f.
func (f Filter) Match(o Order) bool {
	if f.CustomerID != "" && o.CustomerID != f.CustomerID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	return true
}

// Repository defines behavior for persisting orders. Update fails with
// ErrVersionConflict unless the stored version equals o.Version and returns
// the order with the version incremented.
type Repository interface {
	Create(ctx context.Context, o Order) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	Find(ctx context.Context, f Filter) ([]Order, error)
	Update(ctx context.Context, o Order) (Order, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}

var (
	// ErrNotFound indicates the requested order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrVersionConflict indicates the order changed since it was read.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrAlreadyExists indicates an order with the same id is already stored.
	ErrAlreadyExists = errors.New("order already exists")
	// ErrInvalidTransition indicates a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid order status transition")
)
