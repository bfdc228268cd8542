// Package inventory guards product state with two update strategies: field
// edits commit optimistically against the version token and retry on
// conflict, stock changes take an exclusive row lock and never retry.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"storefront/pkg/cache"
	"storefront/pkg/lock"
	"storefront/pkg/logger"
	"storefront/pkg/otel"
	"storefront/pkg/product"
	"storefront/pkg/retry"
)

// batchConcurrency bounds the goroutines of one BatchUpdatePrices call.
const batchConcurrency = 5

var (
	// ErrConcurrencyConflict is returned when optimistic retries are exhausted.
	ErrConcurrencyConflict = errors.New("concurrent modification")
	// ErrInsufficientStock is matched by *InsufficientStockError.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrNegativeStock rejects a product created with negative stock.
	ErrNegativeStock = errors.New("stock quantity must not be negative")
)

// InsufficientStockError reports a stock adjustment that would go below zero.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

// Is makes errors.Is(err, ErrInsufficientStock) hold.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// PriceUpdateResult summarises a BatchUpdatePrices call.
type PriceUpdateResult struct {
	Requested int `json:"requested"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
}

// Controller serialises product mutations through a lock.Guard and keeps a
// read-through cache of committed products keyed by id.
type Controller struct {
	repo   product.Repository
	guard  lock.Guard
	cache  *cache.TTL[string, product.Product]
	policy retry.Policy
	log    *logger.Logger

	loads singleflight.Group
	ops   atomic.Int64
}

// New returns a controller. The caller owns the cache's sweep loop.
func New(repo product.Repository, guard lock.Guard, c *cache.TTL[string, product.Product], policy retry.Policy, log *logger.Logger) *Controller {
	return &Controller{repo: repo, guard: guard, cache: c, policy: policy, log: log}
}

// OperationCount reports the number of committed create, update and delete operations.
func (c *Controller) OperationCount() int64 {
	return c.ops.Load()
}

// GetProduct returns the product, from cache when possible. Concurrent misses
// for one id share a single store read that outlives any one caller's ctx;
// failed lookups are not cached.
func (c *Controller) GetProduct(ctx context.Context, id string) (product.Product, error) {
	if p, ok := c.cache.Get(id); ok {
		return p, nil
	}
	load := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(id, func() (any, error) {
		var p product.Product
		err := c.guard.WithRead(id, func() error {
			var err error
			if p, err = c.repo.Get(load, id); err != nil {
				return err
			}
			// Populated under the read lock so a writer's newer entry cannot be overwritten.
			c.cache.Put(id, p)
			return nil
		})
		return p, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return product.Product{}, res.Err
		}
		return res.Val.(product.Product), nil
	case <-ctx.Done():
		return product.Product{}, ctx.Err()
	}
}

// CreateProduct stores p with a fresh id when it has none.
func (c *Controller) CreateProduct(ctx context.Context, p product.Product) (product.Product, error) {
	ctx, span := otel.AddSpan(ctx, "inventory.CreateProduct")
	defer span.End()

	if p.StockQuantity < 0 {
		return product.Product{}, ErrNegativeStock
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var created product.Product
	err := c.guard.WithWrite(p.ID, func() error {
		var err error
		if created, err = c.repo.Create(ctx, p); err != nil {
			return err
		}
		c.cache.Put(created.ID, created)
		return nil
	})
	if err != nil {
		return product.Product{}, fmt.Errorf("create product: %w", err)
	}
	c.ops.Add(1)
	c.log.Info(ctx, "product created", "product_id", created.ID)
	return created, nil
}

// UpdateProduct applies the non-nil fields of patch optimistically.
func (c *Controller) UpdateProduct(ctx context.Context, id string, patch product.Patch) (product.Product, error) {
	ctx, span := otel.AddSpan(ctx, "inventory.UpdateProduct", attribute.String("product.id", id))
	defer span.End()
	return c.update(ctx, id, patch.Apply)
}

// update is the optimistic path. Each attempt reads and commits under the
// write lock; the lock is never held across the backoff.
func (c *Controller) update(ctx context.Context, id string, edit func(product.Product) product.Product) (product.Product, error) {
	var updated product.Product
	attempts, err := c.policy.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			c.log.Debug(ctx, "retrying product update", "product_id", id, "attempt", attempt)
		}
		return c.guard.WithWrite(id, func() error {
			cur, err := c.repo.Get(ctx, id)
			if err != nil {
				return err
			}
			next, err := c.repo.Update(ctx, edit(cur))
			if err != nil {
				return err
			}
			c.cache.Put(id, next)
			updated = next
			return nil
		})
	}, func(err error) bool {
		return errors.Is(err, product.ErrVersionConflict)
	})
	if errors.Is(err, product.ErrVersionConflict) {
		c.log.Warn(ctx, "product update gave up", "product_id", id, "attempts", attempts)
		return product.Product{}, fmt.Errorf("%w: product %s after %d attempts: %w", ErrConcurrencyConflict, id, attempts, err)
	}
	if err != nil {
		return product.Product{}, err
	}
	c.ops.Add(1)
	return updated, nil
}

// AdjustStock adds delta to the product's stock under an exclusive row lock.
// A result below zero fails with *InsufficientStockError and changes nothing.
func (c *Controller) AdjustStock(ctx context.Context, id string, delta int) (product.Product, error) {
	ctx, span := otel.AddSpan(ctx, "inventory.AdjustStock",
		attribute.String("product.id", id), attribute.Int("stock.delta", delta))
	defer span.End()

	var updated product.Product
	err := c.guard.WithWrite(id, func() error {
		next, err := c.repo.ForUpdate(ctx, id, func(p product.Product) (product.Product, error) {
			n := p.StockQuantity + delta
			if n < 0 {
				return p, &InsufficientStockError{ProductID: id, Available: p.StockQuantity, Requested: -delta}
			}
			p.StockQuantity = n
			return p, nil
		})
		if err != nil {
			return err
		}
		c.cache.Put(id, next)
		updated = next
		return nil
	})
	if err != nil {
		return product.Product{}, err
	}
	c.log.Debug(ctx, "stock adjusted", "product_id", id, "delta", delta, "stock", updated.StockQuantity)
	return updated, nil
}

// DeleteProduct removes the product and its cache entry.
func (c *Controller) DeleteProduct(ctx context.Context, id string) error {
	err := c.guard.WithWrite(id, func() error {
		ok, err := c.repo.Exists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return product.ErrNotFound
		}
		if err := c.repo.Delete(ctx, id); err != nil {
			return err
		}
		c.cache.Remove(id)
		return nil
	})
	if err != nil {
		return err
	}
	c.ops.Add(1)
	c.log.Info(ctx, "product deleted", "product_id", id)
	return nil
}

// BatchUpdatePrices multiplies the price of every product in ids, each through
// the optimistic path. Per-product failures are logged and counted; the
// returned error is only set when ctx ends before the batch does.
func (c *Controller) BatchUpdatePrices(ctx context.Context, ids []string, multiplier decimal.Decimal) (PriceUpdateResult, error) {
	ctx, span := otel.AddSpan(ctx, "inventory.BatchUpdatePrices", attribute.Int("batch.size", len(ids)))
	defer span.End()

	var (
		g               errgroup.Group
		updated, failed atomic.Int64
	)
	g.SetLimit(batchConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				failed.Add(1)
				return err
			}
			_, err := c.update(ctx, id, func(p product.Product) product.Product {
				p.Price = p.Price.Mul(multiplier).Round(2)
				return p
			})
			if err != nil {
				failed.Add(1)
				c.log.Warn(ctx, "price update failed", "product_id", id, "error", err)
				return nil
			}
			updated.Add(1)
			return nil
		})
	}
	err := g.Wait()
	res := PriceUpdateResult{Requested: len(ids), Updated: int(updated.Load()), Failed: int(failed.Load())}
	c.log.Info(ctx, "batch price update finished", "requested", res.Requested, "updated", res.Updated, "failed", res.Failed)
	return res, err
}

// ListProducts returns every product.
func (c *Controller) ListProducts(ctx context.Context) ([]product.Product, error) {
	return c.find(ctx, product.Filter{})
}

// ProductsByCategory returns the products in category.
func (c *Controller) ProductsByCategory(ctx context.Context, category string) ([]product.Product, error) {
	return c.find(ctx, product.Filter{Category: category})
}

// LowStockProducts returns the products with fewer than threshold units.
func (c *Controller) LowStockProducts(ctx context.Context, threshold int) ([]product.Product, error) {
	return c.find(ctx, product.Filter{MaxStock: &threshold})
}

func (c *Controller) find(ctx context.Context, f product.Filter) ([]product.Product, error) {
	var products []product.Product
	err := c.guard.WithRead("", func() error {
		var err error
		products, err = c.repo.Find(ctx, f)
		return err
	})
	return products, err
}
