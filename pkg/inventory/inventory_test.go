package inventory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/pkg/cache"
	"storefront/pkg/lock"
	"storefront/pkg/logger"
	"storefront/pkg/product"
	"storefront/pkg/product/memory"
	"storefront/pkg/retry"
)

// conflictingRepo lets another writer commit just before each of the next
// `conflicts` updates, so those updates carry a stale version.
type conflictingRepo struct {
	*memory.Repository

	mu        sync.Mutex
	conflicts int
	updates   int
	gets      atomic.Int64
	release   chan struct{}
}

func (r *conflictingRepo) Get(ctx context.Context, id string) (product.Product, error) {
	r.gets.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return product.Product{}, ctx.Err()
		}
	}
	return r.Repository.Get(ctx, id)
}

func (r *conflictingRepo) Update(ctx context.Context, p product.Product) (product.Product, error) {
	r.mu.Lock()
	r.updates++
	inject := r.conflicts > 0
	if inject {
		r.conflicts--
	}
	r.mu.Unlock()

	if inject {
		cur, err := r.Repository.Get(ctx, p.ID)
		if err != nil {
			return product.Product{}, err
		}
		cur.Description = "edited elsewhere"
		if _, err := r.Repository.Update(ctx, cur); err != nil {
			return product.Product{}, err
		}
	}
	return r.Repository.Update(ctx, p)
}

func (r *conflictingRepo) updateCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

type fixture struct {
	ctl   *Controller
	repo  *conflictingRepo
	cache *cache.TTL[string, product.Product]
	slept []time.Duration
}

func newFixture(t *testing.T, guard lock.Guard) *fixture {
	t.Helper()
	f := &fixture{
		repo:  &conflictingRepo{Repository: memory.New()},
		cache: cache.New[string, product.Product](cache.Config{}),
	}
	policy := retry.Policy{
		MaxAttempts: 3,
		Backoff:     retry.Linear(100 * time.Millisecond),
		Sleep: func(_ context.Context, d time.Duration) error {
			f.slept = append(f.slept, d)
			return nil
		},
	}
	f.ctl = New(f.repo, guard, f.cache, policy, logger.Nop())
	return f
}

func (f *fixture) create(t *testing.T, stock int) product.Product {
	t.Helper()
	p, err := f.ctl.CreateProduct(context.Background(), product.Product{
		Name:          "Keyboard",
		Price:         decimal.RequireFromString("10.00"),
		StockQuantity: stock,
		Category:      "Electronics",
	})
	require.NoError(t, err)
	return p
}

func TestConcurrentStockAdjustments(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	p := f.create(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, delta := range []int{-5, -3} {
		wg.Add(1)
		go func(i, delta int) {
			defer wg.Done()
			_, errs[i] = f.ctl.AdjustStock(ctx, p.ID, delta)
		}(i, delta)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	got, err := f.ctl.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.StockQuantity)
}

func TestAdjustStockRejectsOversell(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	p := f.create(t, 10)
	ctx := context.Background()

	_, err := f.ctl.AdjustStock(ctx, p.ID, -20)
	require.ErrorIs(t, err, ErrInsufficientStock)
	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 10, stockErr.Available)
	assert.Equal(t, 20, stockErr.Requested)

	stored, err := f.repo.Repository.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.StockQuantity)
	assert.Equal(t, p.Version, stored.Version)
	cached, err := f.ctl.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, cached.StockQuantity)

	_, err = f.ctl.AdjustStock(ctx, "missing", 1)
	assert.ErrorIs(t, err, product.ErrNotFound)
}

func TestStockNeverNegativeUnderContention(t *testing.T) {
	for name, guard := range map[string]lock.Guard{"coarse": lock.NewCoarse(), "striped": lock.NewStriped(8)} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, guard)
			p := f.create(t, 50)
			ctx := context.Background()

			var (
				wg       sync.WaitGroup
				accepted atomic.Int64
			)
			for i := 0; i < 200; i++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					delta := rand.New(rand.NewSource(seed)).Intn(21) - 12
					got, err := f.ctl.AdjustStock(ctx, p.ID, delta)
					switch {
					case err == nil:
						accepted.Add(int64(delta))
						assert.GreaterOrEqual(t, got.StockQuantity, 0)
					case !errors.Is(err, ErrInsufficientStock):
						t.Errorf("unexpected error: %v", err)
					}
				}(int64(i))
			}
			wg.Wait()

			got, err := f.repo.Repository.Get(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, 50+int(accepted.Load()), got.StockQuantity)
			assert.GreaterOrEqual(t, got.StockQuantity, 0)
		})
	}
}

func TestUpdateProductRetriesOnConflict(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	p := f.create(t, 1)
	f.repo.conflicts = 1
	name := "Mechanical keyboard"

	got, err := f.ctl.UpdateProduct(context.Background(), p.ID, product.Patch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)
	assert.Equal(t, "edited elsewhere", got.Description, "the concurrent edit must survive")
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 2, f.repo.updateCalls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, f.slept)

	cached, ok := f.cache.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, got, cached)
}

func TestUpdateProductGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	p := f.create(t, 1)
	f.repo.conflicts = 100
	price := decimal.RequireFromString("12.50")
	before := f.ctl.OperationCount()

	_, err := f.ctl.UpdateProduct(context.Background(), p.ID, product.Patch{Price: &price})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.ErrorIs(t, err, product.ErrVersionConflict)
	assert.Equal(t, 3, f.repo.updateCalls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.slept)
	assert.Equal(t, before, f.ctl.OperationCount())
}

func TestRacingUpdatesBothCommit(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	p := f.create(t, 1)
	ctx := context.Background()
	name, desc := "Renamed", "Described"

	var wg sync.WaitGroup
	for _, patch := range []product.Patch{{Name: &name}, {Description: &desc}} {
		wg.Add(1)
		go func(patch product.Patch) {
			defer wg.Done()
			_, err := f.ctl.UpdateProduct(ctx, p.ID, patch)
			assert.NoError(t, err)
		}(patch)
	}
	wg.Wait()

	got, err := f.repo.Repository.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)
	assert.Equal(t, desc, got.Description)
	assert.Equal(t, int64(2), got.Version)
}

func TestGetProductReadThrough(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	ctx := context.Background()

	_, err := f.ctl.GetProduct(ctx, "missing")
	require.ErrorIs(t, err, product.ErrNotFound)
	assert.Equal(t, 0, f.cache.Len(), "failed lookups are not cached")

	p, err := f.repo.Repository.Create(ctx, product.Product{ID: "p1", Name: "Mouse"})
	require.NoError(t, err)
	f.repo.gets.Store(0)

	for i := 0; i < 3; i++ {
		got, err := f.ctl.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Mouse", got.Name)
	}
	assert.Equal(t, int64(1), f.repo.gets.Load())
}

func TestGetProductCollapsesConcurrentMisses(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	ctx := context.Background()
	_, err := f.repo.Repository.Create(ctx, product.Product{ID: "p1", Name: "Mouse"})
	require.NoError(t, err)
	f.repo.release = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ctl.GetProduct(ctx, "p1")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.repo.release)
	wg.Wait()

	assert.Equal(t, int64(1), f.repo.gets.Load())
}

func TestGetProductSharedLoadOutlivesCancelledCaller(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	_, err := f.repo.Repository.Create(context.Background(), product.Product{ID: "p1", Name: "Mouse"})
	require.NoError(t, err)
	f.repo.release = make(chan struct{})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.ctl.GetProduct(first, "p1")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.repo.gets.Load() == 1 }, time.Second, time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := f.ctl.GetProduct(context.Background(), "p1")
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(f.repo.release)
	assert.NoError(t, <-secondErr, "joined reader must not see the first caller's cancellation")
	assert.Equal(t, int64(1), f.repo.gets.Load())
	assert.Equal(t, 1, f.cache.Len())
}

func TestCreateProductRejectsDuplicateID(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	ctx := context.Background()
	p := f.create(t, 5)
	_, err := f.ctl.AdjustStock(ctx, p.ID, -2)
	require.NoError(t, err)

	_, err = f.ctl.CreateProduct(ctx, product.Product{ID: p.ID, Name: "Impostor", StockQuantity: 100})
	assert.ErrorIs(t, err, product.ErrAlreadyExists)

	got, err := f.repo.Repository.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.StockQuantity)
	assert.Equal(t, int64(1), got.Version)
	assert.NotEqual(t, "Impostor", got.Name)
}

func TestDeleteProductEvictsCache(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	p := f.create(t, 1)
	ctx := context.Background()
	assert.Equal(t, 1, f.cache.Len())

	require.NoError(t, f.ctl.DeleteProduct(ctx, p.ID))
	assert.Equal(t, 0, f.cache.Len())
	_, err := f.ctl.GetProduct(ctx, p.ID)
	assert.ErrorIs(t, err, product.ErrNotFound)
	assert.ErrorIs(t, f.ctl.DeleteProduct(ctx, p.ID), product.ErrNotFound)
	assert.Equal(t, int64(2), f.ctl.OperationCount())
}

func TestCreateProductRejectsNegativeStock(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	_, err := f.ctl.CreateProduct(context.Background(), product.Product{Name: "x", StockQuantity: -1})
	assert.ErrorIs(t, err, ErrNegativeStock)
	assert.Equal(t, int64(0), f.ctl.OperationCount())
}

func TestBatchUpdatePrices(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	ctx := context.Background()
	ids := []string{"missing"}
	for i := 0; i < 12; i++ {
		ids = append(ids, f.create(t, 1).ID)
	}

	res, err := f.ctl.BatchUpdatePrices(ctx, ids, decimal.RequireFromString("1.1"))
	require.NoError(t, err)
	assert.Equal(t, PriceUpdateResult{Requested: 13, Updated: 12, Failed: 1}, res)

	for _, id := range ids[1:] {
		p, err := f.ctl.GetProduct(ctx, id)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("11.00").Equal(p.Price), "price %s", p.Price)
	}
	assert.Equal(t, int64(24), f.ctl.OperationCount())
}

func TestBatchUpdatePricesCancelled(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	ids := []string{f.create(t, 1).ID, f.create(t, 1).ID}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.ctl.BatchUpdatePrices(ctx, ids, decimal.NewFromInt(2))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, res.Updated)
}

func TestQueries(t *testing.T) {
	f := newFixture(t, lock.NewCoarse())
	ctx := context.Background()
	f.create(t, 2)
	f.create(t, 40)
	_, err := f.ctl.CreateProduct(ctx, product.Product{Name: "Novel", Category: "Books", StockQuantity: 3})
	require.NoError(t, err)

	all, err := f.ctl.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	electronics, err := f.ctl.ProductsByCategory(ctx, "Electronics")
	require.NoError(t, err)
	assert.Len(t, electronics, 2)

	low, err := f.ctl.LowStockProducts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, low, 2)
}
