// Package pipeline persists submitted orders and drives them through
// PENDING -> PROCESSING -> SHIPPED on a fixed pool of background workers.
//
// All order mutations, synchronous or worker driven, go through one lock.Guard.
// With the coarse guard this serialises every order write in the process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"storefront/pkg/lock"
	"storefront/pkg/logger"
	"storefront/pkg/order"
	"storefront/pkg/otel"
	"storefront/pkg/retry"
)

// ErrQueueSaturated is returned by Submit when the queue stayed full for the
// whole offer timeout. The order has already been persisted as PENDING.
var ErrQueueSaturated = errors.New("order queue saturated")

// Config sizes the pipeline. Zero values take the defaults.
type Config struct {
	QueueCapacity   int           // 1000
	Workers         int           // 3
	OfferTimeout    time.Duration // 5s
	ProcessingDelay time.Duration // 2s
	ShippingDelay   time.Duration // 3s
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 5 * time.Second
	}
	if c.ProcessingDelay <= 0 {
		c.ProcessingDelay = 2 * time.Second
	}
	if c.ShippingDelay <= 0 {
		c.ShippingDelay = 3 * time.Second
	}
	return c
}

// Notifier is told about every committed status change.
type Notifier interface {
	StatusChanged(ctx context.Context, o order.Order, from order.Status) error
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithNotifier publishes status changes to n.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithClock overrides the clock used for order dates.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline owns the pending-order queue and its workers.
type Pipeline struct {
	repo     order.Repository
	guard    lock.Guard
	queue    *Queue
	cfg      Config
	log      *logger.Logger
	notifier Notifier
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pipeline. Workers do not run until Start.
func New(repo order.Repository, guard lock.Guard, log *logger.Logger, cfg Config, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		repo:  repo,
		guard: guard,
		queue: NewQueue(cfg.QueueCapacity),
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. They run until ctx is cancelled or Stop is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.log.Info(ctx, "order pipeline started", "workers", p.cfg.Workers, "capacity", p.queue.Cap())
}

// Stop cancels the workers and waits for them to exit. Queued orders and
// orders mid-progression are abandoned where they stand.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// QueueSize reports how many orders await a worker.
func (p *Pipeline) QueueSize() int {
	return p.queue.Len()
}

// Submit persists o as PENDING and hands it to the workers. On
// ErrQueueSaturated or a cancelled ctx the persisted order is returned with
// the error and stays PENDING; nothing will process it.
func (p *Pipeline) Submit(ctx context.Context, o order.Order) (order.Order, error) {
	ctx, span := otel.AddSpan(ctx, "pipeline.Submit")
	defer span.End()

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.OrderDate.IsZero() {
		o.OrderDate = p.now()
	}
	o.Status = order.StatusPending

	var saved order.Order
	err := p.guard.WithWrite(o.ID, func() error {
		var err error
		saved, err = p.repo.Create(ctx, o)
		return err
	})
	if err != nil {
		return order.Order{}, fmt.Errorf("persist order: %w", err)
	}
	span.SetAttributes(attribute.String("order.id", saved.ID))

	switch res := p.queue.TryOffer(ctx, saved, p.cfg.OfferTimeout); res {
	case Accepted:
		p.log.Debug(ctx, "order queued", "order_id", saved.ID, "queue_size", p.queue.Len())
		return saved, nil
	case Rejected:
		p.log.Warn(ctx, "order queue saturated, order left pending", "order_id", saved.ID, "wait", p.cfg.OfferTimeout)
		return saved, ErrQueueSaturated
	default:
		return saved, ctx.Err()
	}
}

func (p *Pipeline) work(ctx context.Context, n int) {
	defer p.wg.Done()
	for {
		o, err := p.queue.Take(ctx)
		if err != nil {
			p.log.Debug(ctx, "order worker stopped", "worker", n)
			return
		}
		p.process(ctx, o)
	}
}

type step struct {
	delay    time.Duration
	from, to order.Status
}

func (p *Pipeline) process(ctx context.Context, o order.Order) {
	ctx, span := otel.AddSpan(ctx, "pipeline.process", attribute.String("order.id", o.ID))
	defer span.End()

	steps := []step{
		{p.cfg.ProcessingDelay, order.StatusPending, order.StatusProcessing},
		{p.cfg.ShippingDelay, order.StatusProcessing, order.StatusShipped},
	}
	for _, s := range steps {
		if err := retry.Sleep(ctx, s.delay); err != nil {
			p.log.Debug(ctx, "order processing abandoned", "order_id", o.ID, "status", s.from)
			return
		}
		advanced, err := p.advance(ctx, o.ID, s.from, s.to)
		if err != nil {
			p.log.Error(ctx, "advance order", "order_id", o.ID, "to", s.to, "error", err)
			return
		}
		if !advanced {
			p.log.Info(ctx, "order changed outside the pipeline, stopping", "order_id", o.ID)
			return
		}
	}
}

// advance moves the order from one status to the next only if it is still in
// the expected source status. A deleted or externally moved order is skipped.
func (p *Pipeline) advance(ctx context.Context, id string, from, to order.Status) (bool, error) {
	var (
		saved    order.Order
		advanced bool
	)
	err := p.guard.WithWrite(id, func() error {
		cur, err := p.repo.Get(ctx, id)
		if errors.Is(err, order.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Status != from {
			return nil
		}
		cur.Status = to
		saved, err = p.repo.Update(ctx, cur)
		if err != nil {
			return err
		}
		advanced = true
		return nil
	})
	if err != nil || !advanced {
		return false, err
	}
	p.log.Info(ctx, "order status advanced", "order_id", id, "from", from, "to", to)
	p.notify(ctx, saved, from)
	return true, nil
}

func (p *Pipeline) notify(ctx context.Context, o order.Order, from order.Status) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.StatusChanged(ctx, o, from); err != nil {
		p.log.Warn(ctx, "publish status change", "order_id", o.ID, "error", err)
	}
}

// GetOrder returns the order with id.
func (p *Pipeline) GetOrder(ctx context.Context, id string) (order.Order, error) {
	var o order.Order
	err := p.guard.WithRead(id, func() error {
		var err error
		o, err = p.repo.Get(ctx, id)
		return err
	})
	return o, err
}

// ListOrders returns every order.
func (p *Pipeline) ListOrders(ctx context.Context) ([]order.Order, error) {
	return p.find(ctx, order.Filter{})
}

// OrdersByCustomer returns the orders placed by customerID.
func (p *Pipeline) OrdersByCustomer(ctx context.Context, customerID string) ([]order.Order, error) {
	return p.find(ctx, order.Filter{CustomerID: customerID})
}

// OrdersByStatus returns the orders currently in status.
func (p *Pipeline) OrdersByStatus(ctx context.Context, status order.Status) ([]order.Order, error) {
	return p.find(ctx, order.Filter{Status: status})
}

func (p *Pipeline) find(ctx context.Context, f order.Filter) ([]order.Order, error) {
	var orders []order.Order
	err := p.guard.WithRead("", func() error {
		var err error
		orders, err = p.repo.Find(ctx, f)
		return err
	})
	return orders, err
}

// UpdateOrderStatus applies an explicit status change. Transitions the order
// lifecycle forbids fail with order.ErrInvalidTransition.
func (p *Pipeline) UpdateOrderStatus(ctx context.Context, id string, status order.Status) (order.Order, error) {
	ctx, span := otel.AddSpan(ctx, "pipeline.UpdateOrderStatus",
		attribute.String("order.id", id), attribute.String("order.status", string(status)))
	defer span.End()

	var (
		saved order.Order
		from  order.Status
	)
	err := p.guard.WithWrite(id, func() error {
		cur, err := p.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s to %s", order.ErrInvalidTransition, cur.Status, status)
		}
		from = cur.Status
		cur.Status = status
		saved, err = p.repo.Update(ctx, cur)
		return err
	})
	if err != nil {
		return order.Order{}, err
	}
	p.log.Info(ctx, "order status updated", "order_id", id, "from", from, "to", status)
	p.notify(ctx, saved, from)
	return saved, nil
}

// DeleteOrder removes the order with id.
func (p *Pipeline) DeleteOrder(ctx context.Context, id string) error {
	return p.guard.WithWrite(id, func() error {
		ok, err := p.repo.Exists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return order.ErrNotFound
		}
		return p.repo.Delete(ctx, id)
	})
}
