package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"storefront/pkg/analytics"
	"storefront/pkg/batch"
	"storefront/pkg/cache"
	"storefront/pkg/config"
	"storefront/pkg/customer"
	custmem "storefront/pkg/customer/memory"
	custpg "storefront/pkg/customer/postgres"
	"storefront/pkg/inventory"
	"storefront/pkg/lock"
	"storefront/pkg/logger"
	"storefront/pkg/order"
	"storefront/pkg/order/amqp"
	ordermem "storefront/pkg/order/memory"
	"storefront/pkg/order/pipeline"
	orderpg "storefront/pkg/order/postgres"
	"storefront/pkg/otel"
	"storefront/pkg/product"
	prodmem "storefront/pkg/product/memory"
	prodpg "storefront/pkg/product/postgres"
	"storefront/pkg/retry"
)

// @title Storefront API
// @version 1.0
// @description Orders, inventory and monitoring over the storefront concurrency core
// @host localhost:8080
// @BasePath /api
func main() {
	cfg := config.Load()
	log := logger.New(os.Stdout, logger.ParseLevel(cfg.LogLevel), "storefront", otel.GetTraceID)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "storefront stopped", "error", err)
		os.Exit(1)
	}
}

type repositories struct {
	orders    order.Repository
	products  product.Repository
	customers customer.Repository
	close     func() error
}

// openRepositories returns PostgreSQL repositories when DATABASE_URL is set
// and in-memory ones otherwise.
func openRepositories(ctx context.Context, cfg config.Config, log *logger.Logger) (repositories, error) {
	if cfg.DatabaseURL == "" {
		log.Info(ctx, "using in-memory repositories")
		return repositories{
			orders:    ordermem.New(),
			products:  prodmem.New(),
			customers: custmem.New(),
			close:     func() error { return nil },
		}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return repositories{}, err
	}
	for _, schema := range []string{orderpg.Schema, prodpg.Schema, custpg.Schema} {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			db.Close()
			return repositories{}, err
		}
	}
	return repositories{
		orders:    orderpg.New(db),
		products:  prodpg.New(db),
		customers: custpg.New(db),
		close:     db.Close,
	}, nil
}

// servesTLS reports whether both certificate and key are configured.
func servesTLS(cfg config.Config) bool {
	return cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	tp, shutdown, err := otel.InitTracing(log, otel.Config{ServiceName: "storefront", Host: cfg.OTELHost, Probability: 1.0})
	if err != nil {
		return err
	}
	defer shutdown(context.Background())
	tracer := tp.Tracer("storefront")

	repos, err := openRepositories(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer repos.close()

	g, gctx := errgroup.WithContext(ctx)
	cacheCfg := cache.Config{TTL: cfg.CacheTTL, SweepInterval: cfg.CacheSweepInterval}

	var store cache.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		store = cache.NewRedis(rdb, "storefront:cache:", cfg.CacheTTL)
	} else {
		local := cache.New[string, string](cacheCfg)
		g.Go(func() error { local.Run(gctx); return nil })
		store = cache.NewLocal(local)
	}

	var opts []pipeline.Option
	if cfg.AMQPURL != "" {
		n, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer n.Close()
		opts = append(opts, pipeline.WithNotifier(n))
	}

	productCache := cache.New[string, product.Product](cacheCfg)
	emailCache := cache.New[string, customer.Customer](cacheCfg)
	policy := retry.Policy{MaxAttempts: cfg.RetryAttempts, Backoff: retry.Linear(cfg.RetryBackoff)}

	pipe := pipeline.New(repos.orders, lock.New(cfg.LockStripes), log, pipeline.Config{
		QueueCapacity:   cfg.QueueCapacity,
		Workers:         cfg.PipelineWorkers,
		OfferTimeout:    cfg.OfferTimeout,
		ProcessingDelay: cfg.ProcessingDelay,
		ShippingDelay:   cfg.ShippingDelay,
	}, opts...)
	disp := batch.New(log, batch.Config{Workers: cfg.BatchWorkers, MaxWait: cfg.BatchMaxWait})
	agg := analytics.New(pipe, log, analytics.Config{Interval: cfg.AnalyticsInterval})

	a := &api{
		inventory: inventory.New(repos.products, lock.New(cfg.LockStripes), productCache, policy, log),
		orders:    pipe,
		customers: customer.NewService(repos.customers, lock.New(cfg.LockStripes), emailCache, log),
		analytics: agg,
		batch:     disp,
		cache:     store,
		log:       log,
	}

	pipe.Start(gctx)
	disp.Start(gctx)
	g.Go(func() error { productCache.Run(gctx); return nil })
	g.Go(func() error { emailCache.Run(gctx); return nil })
	g.Go(func() error { agg.Run(gctx); return nil })

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: a.routes(tracer), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		useTLS := servesTLS(cfg)
		log.Info(gctx, "listening", "addr", cfg.HTTPAddr, "tls", useTLS)
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		pipe.Stop()
		disp.Close()
		log.Info(sctx, "shutdown complete", "queued_orders_abandoned", pipe.QueueSize())
		return err
	})
	return g.Wait()
}
