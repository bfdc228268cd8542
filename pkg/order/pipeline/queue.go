package pipeline

import (
	"context"
	"time"

	"storefront/pkg/order"
)

// OfferResult is the outcome of a bounded-wait enqueue.
type OfferResult int

const (
	// Accepted means the order is now owned by the queue.
	Accepted OfferResult = iota
	// Rejected means the queue stayed full for the whole wait.
	Rejected
	// Cancelled means the caller's context ended first.
	Cancelled
)

func (r OfferResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Queue is a bounded FIFO of orders awaiting processing.
type Queue struct {
	items chan order.Order
}

// NewQueue returns a queue holding at most capacity orders.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{items: make(chan order.Order, capacity)}
}

// TryOffer enqueues o, waiting up to wait for room.
func (q *Queue) TryOffer(ctx context.Context, o order.Order, wait time.Duration) OfferResult {
	if ctx.Err() != nil {
		return Cancelled
	}
	select {
	case q.items <- o:
		return Accepted
	default:
	}
	if wait <= 0 {
		return Rejected
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case q.items <- o:
		return Accepted
	case <-t.C:
		return Rejected
	case <-ctx.Done():
		return Cancelled
	}
}

// Take blocks until an order is available or ctx is done.
func (q *Queue) Take(ctx context.Context) (order.Order, error) {
	select {
	case o := <-q.items:
		return o, nil
	case <-ctx.Done():
		return order.Order{}, ctx.Err()
	}
}

// Len reports the number of queued orders.
func (q *Queue) Len() int { return len(q.items) }

// Cap reports the queue capacity.
func (q *Queue) Cap() int { return cap(q.items) }
