package pipeline

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storefront/pkg/lock"
	"storefront/pkg/logger"
	"storefront/pkg/order"
	"storefront/pkg/order/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) StatusChanged(_ context.Context, o order.Order, from order.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, o.ID+":"+string(from)+">"+string(o.Status))
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newPipeline(cfg Config, opts ...Option) (*Pipeline, *memory.Repository) {
	repo := memory.New()
	return New(repo, lock.NewCoarse(), logger.Nop(), cfg, opts...), repo
}

func newOrder(customer string) order.Order {
	return order.Order{CustomerID: customer, TotalAmount: decimal.RequireFromString("19.99")}
}

func TestQueueFIFOAndBounded(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()
	assert.Equal(t, Accepted, q.TryOffer(ctx, order.Order{ID: "a"}, 0))
	assert.Equal(t, Accepted, q.TryOffer(ctx, order.Order{ID: "b"}, 0))
	assert.Equal(t, Rejected, q.TryOffer(ctx, order.Order{ID: "c"}, 10*time.Millisecond))
	assert.Equal(t, 2, q.Len())

	first, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)
	second, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", second.ID)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, Cancelled, q.TryOffer(cancelled, order.Order{ID: "d"}, time.Second))
	_, err = q.Take(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmitSaturatesWhenWorkersStalled(t *testing.T) {
	// Workers are never started, so nothing drains the queue.
	p, repo := newPipeline(Config{QueueCapacity: 1000, OfferTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		_, err := p.Submit(ctx, newOrder("c"+strconv.Itoa(i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 1000, p.QueueSize())

	start := time.Now()
	o, err := p.Submit(ctx, newOrder("late"))
	require.ErrorIs(t, err, ErrQueueSaturated)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 1000, p.QueueSize())

	stored, err := repo.Get(ctx, o.ID)
	require.NoError(t, err, "saturated order is still persisted")
	assert.Equal(t, order.StatusPending, stored.Status)
}

func TestSubmitCancelledWhileWaiting(t *testing.T) {
	p, _ := newPipeline(Config{QueueCapacity: 1, OfferTimeout: time.Hour})
	ctx := context.Background()
	_, err := p.Submit(ctx, newOrder("a"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	o, err := p.Submit(ctx, newOrder("b"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, order.StatusPending, o.Status)
}

func TestWorkersAdvanceOrdersToShipped(t *testing.T) {
	rec := &recorder{}
	p, repo := newPipeline(Config{ProcessingDelay: 5 * time.Millisecond, ShippingDelay: 5 * time.Millisecond}, WithNotifier(rec))
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop()

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		o, err := p.Submit(ctx, newOrder("c1"))
		require.NoError(t, err)
		assert.Equal(t, order.StatusPending, o.Status)
		assert.NotEmpty(t, o.ID)
		ids = append(ids, o.ID)
	}

	require.Eventually(t, func() bool {
		shipped, _ := p.OrdersByStatus(ctx, order.StatusShipped)
		return len(shipped) == len(ids)
	}, 2*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		o, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), o.Version)
	}
	assert.Equal(t, 2*len(ids), rec.count())

	byCustomer, err := p.OrdersByCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, byCustomer, len(ids))
}

func TestCancelledOrderIsLeftAlone(t *testing.T) {
	p, _ := newPipeline(Config{ProcessingDelay: 50 * time.Millisecond, ShippingDelay: 5 * time.Millisecond})
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop()

	o, err := p.Submit(ctx, newOrder("c1"))
	require.NoError(t, err)
	_, err = p.UpdateOrderStatus(ctx, o.ID, order.StatusCancelled)
	require.NoError(t, err)

	assert.Never(t, func() bool {
		got, err := p.GetOrder(ctx, o.ID)
		return err != nil || got.Status != order.StatusCancelled
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestStopAbandonsInFlightOrders(t *testing.T) {
	p, _ := newPipeline(Config{ProcessingDelay: time.Hour})
	ctx := context.Background()
	p.Start(ctx)

	o, err := p.Submit(ctx, newOrder("c1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.QueueSize() == 0 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	got, err := p.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
}

func TestUpdateOrderStatus(t *testing.T) {
	p, _ := newPipeline(Config{})
	ctx := context.Background()
	o, err := p.Submit(ctx, newOrder("c1"))
	require.NoError(t, err)

	delivered, err := p.UpdateOrderStatus(ctx, o.ID, order.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, delivered.Status)

	_, err = p.UpdateOrderStatus(ctx, o.ID, order.StatusCancelled)
	assert.ErrorIs(t, err, order.ErrInvalidTransition)

	_, err = p.UpdateOrderStatus(ctx, "missing", order.StatusCancelled)
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestSubmitRejectsExistingID(t *testing.T) {
	p, _ := newPipeline(Config{})
	ctx := context.Background()
	o, err := p.Submit(ctx, newOrder("c1"))
	require.NoError(t, err)
	_, err = p.UpdateOrderStatus(ctx, o.ID, order.StatusDelivered)
	require.NoError(t, err)

	again := newOrder("someone-else")
	again.ID = o.ID
	_, err = p.Submit(ctx, again)
	assert.ErrorIs(t, err, order.ErrAlreadyExists)

	got, err := p.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, got.Status)
	assert.Equal(t, "c1", got.CustomerID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 1, p.QueueSize(), "rejected order is not queued")
}

func TestDeleteOrder(t *testing.T) {
	p, _ := newPipeline(Config{})
	ctx := context.Background()
	o, err := p.Submit(ctx, newOrder("c1"))
	require.NoError(t, err)

	require.NoError(t, p.DeleteOrder(ctx, o.ID))
	assert.ErrorIs(t, p.DeleteOrder(ctx, o.ID), order.ErrNotFound)
	_, err = p.GetOrder(ctx, o.ID)
	assert.ErrorIs(t, err, order.ErrNotFound)

	all, err := p.ListOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
