package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.opentelemetry.io/otel/trace"

	"storefront/pkg/analytics"
	"storefront/pkg/batch"
	"storefront/pkg/cache"
	"storefront/pkg/customer"
	"storefront/pkg/inventory"
	"storefront/pkg/logger"
	"storefront/pkg/order"
	"storefront/pkg/order/pipeline"
	"storefront/pkg/otel"
	"storefront/pkg/product"
)

type api struct {
	inventory *inventory.Controller
	orders    *pipeline.Pipeline
	customers *customer.Service
	analytics *analytics.Aggregator
	batch     *batch.Dispatcher
	cache     cache.Store
	log       *logger.Logger
}

func (a *api) routes(tracer trace.Tracer) http.Handler {
	r := mux.NewRouter()
	r.Use(traceMiddleware(tracer))

	o := r.PathPrefix("/api/orders").Subrouter()
	o.HandleFunc("", a.createOrder).Methods(http.MethodPost)
	o.HandleFunc("", a.listOrders).Methods(http.MethodGet)
	o.HandleFunc("/queue/size", a.queueSize).Methods(http.MethodGet)
	o.HandleFunc("/customer/{customerId}", a.ordersByCustomer).Methods(http.MethodGet)
	o.HandleFunc("/status/{status}", a.ordersByStatus).Methods(http.MethodGet)
	o.HandleFunc("/{id}", a.getOrder).Methods(http.MethodGet)
	o.HandleFunc("/{id}/status", a.updateOrderStatus).Methods(http.MethodPut)
	o.HandleFunc("/{id}", a.deleteOrder).Methods(http.MethodDelete)

	p := r.PathPrefix("/api/products").Subrouter()
	p.HandleFunc("", a.createProduct).Methods(http.MethodPost)
	p.HandleFunc("", a.listProducts).Methods(http.MethodGet)
	p.HandleFunc("/batch-update-prices", a.batchUpdatePrices).Methods(http.MethodPost)
	p.HandleFunc("/category/{category}", a.productsByCategory).Methods(http.MethodGet)
	p.HandleFunc("/low-stock", a.lowStock).Methods(http.MethodGet)
	p.HandleFunc("/stats/operations", a.operationCount).Methods(http.MethodGet)
	p.HandleFunc("/{id}", a.getProduct).Methods(http.MethodGet)
	p.HandleFunc("/{id}", a.updateProduct).Methods(http.MethodPatch)
	p.HandleFunc("/{id}", a.deleteProduct).Methods(http.MethodDelete)
	p.HandleFunc("/{id}/stock", a.adjustStock).Methods(http.MethodPut)

	c := r.PathPrefix("/api/customers").Subrouter()
	c.HandleFunc("", a.createCustomer).Methods(http.MethodPost)
	c.HandleFunc("", a.listCustomers).Methods(http.MethodGet)
	c.HandleFunc("/search", a.searchCustomers).Methods(http.MethodGet)
	c.HandleFunc("/email/{email}", a.customerByEmail).Methods(http.MethodGet)
	c.HandleFunc("/{id}", a.getCustomer).Methods(http.MethodGet)
	c.HandleFunc("/{id}", a.updateCustomer).Methods(http.MethodPut)
	c.HandleFunc("/{id}", a.deleteCustomer).Methods(http.MethodDelete)

	m := r.PathPrefix("/api/monitoring").Subrouter()
	m.HandleFunc("/analytics", a.analyticsSummary).Methods(http.MethodGet)
	m.HandleFunc("/analytics/categories", a.categoryStats).Methods(http.MethodGet)
	m.HandleFunc("/cache/size", a.cacheSize).Methods(http.MethodGet)
	m.HandleFunc("/cache/{key}", a.cachePut).Methods(http.MethodPost)
	m.HandleFunc("/cache/{key}", a.cacheGet).Methods(http.MethodGet)
	m.HandleFunc("/cache/{key}", a.cacheRemove).Methods(http.MethodDelete)
	m.HandleFunc("/thread-info", a.runtimeInfo).Methods(http.MethodGet)
	m.HandleFunc("/memory-info", a.memoryInfo).Methods(http.MethodGet)

	l := r.PathPrefix("/api/load-test").Subrouter()
	l.HandleFunc("/batch-operations/{count}", a.loadTestBatch).Methods(http.MethodPost)
	l.HandleFunc("/concurrent-reads/{goroutines}/{iterations}", a.loadTestReads).Methods(http.MethodPost)

	r.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)
	return r
}

func traceMiddleware(tracer trace.Tracer) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.InjectTracing(r.Context(), tracer)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, order.ErrNotFound), errors.Is(err, product.ErrNotFound), errors.Is(err, customer.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, inventory.ErrConcurrencyConflict), errors.Is(err, customer.ErrAlreadyExists),
		errors.Is(err, order.ErrAlreadyExists), errors.Is(err, product.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, inventory.ErrInsufficientStock), errors.Is(err, inventory.ErrNegativeStock),
		errors.Is(err, order.ErrInvalidTransition), errors.Is(err, customer.ErrInvalid):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrQueueSaturated):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	if status == http.StatusInternalServerError {
		a.log.Error(r.Context(), op, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	return pathIntMax(w, r, name, math.MaxInt)
}

// maxLoadTestSize bounds every load-test dimension taken from the path.
const maxLoadTestSize = 10000

func pathIntMax(w http.ResponseWriter, r *http.Request, name string, max int) (int, bool) {
	n, err := strconv.Atoi(mux.Vars(r)[name])
	if err != nil || n < 0 || n > max {
		http.Error(w, fmt.Sprintf("invalid %s", name), http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// createOrder persists an order and queues it for processing.
// @Summary Create order
// @Accept json
// @Produce json
// @Param order body order.Order true "Order"
// @Success 201 {object} order.Order
// @Failure 503 "queue saturated, order persisted as PENDING"
// @Router /orders [post]
func (a *api) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "createOrder")
	defer span.End()

	var o order.Order
	if !decode(w, r, &o) {
		return
	}
	saved, err := a.orders.Submit(ctx, o)
	if err != nil {
		a.writeError(w, r, "create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (a *api) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := a.orders.ListOrders(r.Context())
	if err != nil {
		a.writeError(w, r, "list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// getOrder retrieves an order by ID.
// @Summary Get order
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} order.Order
// @Router /orders/{id} [get]
func (a *api) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.orders.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// updateOrderStatus applies an explicit status change.
// @Summary Update order status
// @Produce json
// @Param id path string true "Order ID"
// @Param status query string true "New status"
// @Success 200 {object} order.Order
// @Router /orders/{id}/status [put]
func (a *api) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "updateOrderStatus")
	defer span.End()

	status, err := order.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o, err := a.orders.UpdateOrderStatus(ctx, mux.Vars(r)["id"], status)
	if err != nil {
		a.writeError(w, r, "update order status", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *api) deleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := a.orders.DeleteOrder(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeError(w, r, "delete order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) ordersByCustomer(w http.ResponseWriter, r *http.Request) {
	orders, err := a.orders.OrdersByCustomer(r.Context(), mux.Vars(r)["customerId"])
	if err != nil {
		a.writeError(w, r, "orders by customer", err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (a *api) ordersByStatus(w http.ResponseWriter, r *http.Request) {
	status, err := order.ParseStatus(mux.Vars(r)["status"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	orders, err := a.orders.OrdersByStatus(r.Context(), status)
	if err != nil {
		a.writeError(w, r, "orders by status", err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (a *api) queueSize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.orders.QueueSize())
}

// createProduct adds a product to the catalogue.
// @Summary Create product
// @Accept json
// @Produce json
// @Param product body product.Product true "Product"
// @Success 201 {object} product.Product
// @Router /products [post]
func (a *api) createProduct(w http.ResponseWriter, r *http.Request) {
	var p product.Product
	if !decode(w, r, &p) {
		return
	}
	created, err := a.inventory.CreateProduct(r.Context(), p)
	if err != nil {
		a.writeError(w, r, "create product", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *api) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.inventory.ListProducts(r.Context())
	if err != nil {
		a.writeError(w, r, "list products", err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *api) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := a.inventory.GetProduct(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, "get product", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// updateProduct edits product fields with optimistic retries.
// @Summary Update product
// @Accept json
// @Produce json
// @Param id path string true "Product ID"
// @Param patch body product.Patch true "Fields to change"
// @Success 200 {object} product.Product
// @Failure 409 "retries exhausted"
// @Router /products/{id} [patch]
func (a *api) updateProduct(w http.ResponseWriter, r *http.Request) {
	var patch product.Patch
	if !decode(w, r, &patch) {
		return
	}
	p, err := a.inventory.UpdateProduct(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		a.writeError(w, r, "update product", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := a.inventory.DeleteProduct(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeError(w, r, "delete product", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// adjustStock adds quantity (which may be negative) to the product's stock.
// @Summary Adjust stock
// @Produce json
// @Param id path string true "Product ID"
// @Param quantity query int true "Stock delta"
// @Success 200 {object} product.Product
// @Failure 422 "insufficient stock"
// @Router /products/{id}/stock [put]
func (a *api) adjustStock(w http.ResponseWriter, r *http.Request) {
	delta, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil {
		http.Error(w, "invalid quantity", http.StatusBadRequest)
		return
	}
	p, err := a.inventory.AdjustStock(r.Context(), mux.Vars(r)["id"], delta)
	if err != nil {
		a.writeError(w, r, "adjust stock", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) batchUpdatePrices(w http.ResponseWriter, r *http.Request) {
	multiplier, err := decimal.NewFromString(r.URL.Query().Get("multiplier"))
	if err != nil || !multiplier.IsPositive() {
		http.Error(w, "invalid multiplier", http.StatusBadRequest)
		return
	}
	var ids []string
	if !decode(w, r, &ids) {
		return
	}
	res, err := a.inventory.BatchUpdatePrices(r.Context(), ids, multiplier)
	if err != nil {
		a.writeError(w, r, "batch update prices", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) productsByCategory(w http.ResponseWriter, r *http.Request) {
	products, err := a.inventory.ProductsByCategory(r.Context(), mux.Vars(r)["category"])
	if err != nil {
		a.writeError(w, r, "products by category", err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *api) lowStock(w http.ResponseWriter, r *http.Request) {
	threshold := 10
	if s := r.URL.Query().Get("threshold"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "invalid threshold", http.StatusBadRequest)
			return
		}
		threshold = n
	}
	products, err := a.inventory.LowStockProducts(r.Context(), threshold)
	if err != nil {
		a.writeError(w, r, "low stock products", err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *api) operationCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.inventory.OperationCount())
}

func (a *api) createCustomer(w http.ResponseWriter, r *http.Request) {
	var c customer.Customer
	if !decode(w, r, &c) {
		return
	}
	created, err := a.customers.Create(r.Context(), c)
	if err != nil {
		a.writeError(w, r, "create customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *api) listCustomers(w http.ResponseWriter, r *http.Request) {
	cs, err := a.customers.List(r.Context())
	if err != nil {
		a.writeError(w, r, "list customers", err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (a *api) searchCustomers(w http.ResponseWriter, r *http.Request) {
	cs, err := a.customers.Search(r.Context(), r.URL.Query().Get("term"))
	if err != nil {
		a.writeError(w, r, "search customers", err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (a *api) customerByEmail(w http.ResponseWriter, r *http.Request) {
	c, err := a.customers.GetByEmail(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		a.writeError(w, r, "customer by email", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *api) getCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := a.customers.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, "get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *api) updateCustomer(w http.ResponseWriter, r *http.Request) {
	var c customer.Customer
	if !decode(w, r, &c) {
		return
	}
	saved, err := a.customers.Update(r.Context(), mux.Vars(r)["id"], c)
	if err != nil {
		a.writeError(w, r, "update customer", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *api) deleteCustomer(w http.ResponseWriter, r *http.Request) {
	if err := a.customers.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeError(w, r, "delete customer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) analyticsSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.analytics.Summary())
}

func (a *api) categoryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.analytics.CategoryStats())
}

func (a *api) cacheSize(w http.ResponseWriter, r *http.Request) {
	n, err := a.cache.Size(r.Context())
	if err != nil {
		a.writeError(w, r, "cache size", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// cachePut stores the raw request body under key.
func (a *api) cachePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.cache.Put(r.Context(), mux.Vars(r)["key"], string(body)); err != nil {
		a.writeError(w, r, "cache put", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) cacheGet(w http.ResponseWriter, r *http.Request) {
	v, ok, err := a.cache.Get(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		a.writeError(w, r, "cache get", err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": v})
}

func (a *api) cacheRemove(w http.ResponseWriter, r *http.Request) {
	if err := a.cache.Remove(r.Context(), mux.Vars(r)["key"]); err != nil {
		a.writeError(w, r, "cache remove", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) runtimeInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"goroutines": runtime.NumGoroutine(),
		"cpus":       runtime.NumCPU(),
		"gomaxprocs": runtime.GOMAXPROCS(0),
		"queueSize":  a.orders.QueueSize(),
	})
}

func (a *api) memoryInfo(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	writeJSON(w, http.StatusOK, map[string]uint64{
		"heapAlloc": ms.HeapAlloc,
		"heapSys":   ms.HeapSys,
		"sys":       ms.Sys,
		"numGC":     uint64(ms.NumGC),
	})
}

// loadTestBatch dispatches count product reads through the batch dispatcher.
func (a *api) loadTestBatch(w http.ResponseWriter, r *http.Request) {
	count, ok := pathIntMax(w, r, "count", maxLoadTestSize)
	if !ok {
		return
	}
	ids, err := a.productIDs(r)
	if err != nil {
		a.writeError(w, r, "load test batch", err)
		return
	}
	ops := make([]batch.Operation, count)
	for i := range ops {
		ops[i] = func(ctx context.Context) error {
			if len(ids) == 0 {
				return product.ErrNotFound
			}
			if _, err := a.inventory.GetProduct(ctx, ids[i%len(ids)]); err != nil {
				return err
			}
			select {
			case <-time.After(10 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	writeJSON(w, http.StatusOK, <-a.batch.Dispatch(r.Context(), ops))
}

type readTestResult struct {
	Goroutines   int     `json:"goroutines"`
	Iterations   int     `json:"iterations"`
	Successful   int64   `json:"successful"`
	ElapsedMs    int64   `json:"elapsedMs"`
	AvgPerReadMs float64 `json:"avgPerReadMs"`
}

// loadTestReads hammers the product read path from n goroutines released together.
func (a *api) loadTestReads(w http.ResponseWriter, r *http.Request) {
	n, ok := pathIntMax(w, r, "goroutines", maxLoadTestSize)
	if !ok {
		return
	}
	iterations, ok := pathIntMax(w, r, "iterations", maxLoadTestSize)
	if !ok {
		return
	}
	ids, err := a.productIDs(r)
	if err != nil {
		a.writeError(w, r, "load test reads", err)
		return
	}

	var (
		wg      sync.WaitGroup
		success atomic.Int64
		start   = make(chan struct{})
	)
	for g := 0; g < n; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < iterations && len(ids) > 0; i++ {
				if _, err := a.inventory.GetProduct(r.Context(), ids[g%len(ids)]); err == nil {
					success.Add(1)
				}
			}
		}()
	}
	began := time.Now()
	close(start)
	wg.Wait()
	elapsed := time.Since(began)

	res := readTestResult{Goroutines: n, Iterations: iterations, Successful: success.Load(), ElapsedMs: elapsed.Milliseconds()}
	if res.Successful > 0 {
		res.AvgPerReadMs = float64(elapsed.Microseconds()) / 1000 / float64(res.Successful)
	}
	writeJSON(w, http.StatusOK, res)
}

// productIDs returns up to ten product ids to spread load-test reads over.
func (a *api) productIDs(r *http.Request) ([]string, error) {
	products, err := a.inventory.ListProducts(r.Context())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, 10)
	for _, p := range products {
		if len(ids) == cap(ids) {
			break
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}
