// Package batch runs independent operations on a fixed worker pool and
// reports how many succeeded and failed.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"storefront/pkg/logger"
	"storefront/pkg/otel"
)

// Operation is one unit of a batch. It receives the dispatcher's lifetime
// context, not the caller's, so it keeps running if the caller stops waiting.
type Operation func(ctx context.Context) error

// Summary reports the counts observed when the wait for a batch ended.
// With TimedOut or Interrupted set, operations may still be running and
// Succeeded+Failed can be less than Submitted.
type Summary struct {
	Submitted   int           `json:"submitted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	TimedOut    bool          `json:"timedOut"`
	Interrupted bool          `json:"interrupted"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Config sizes a dispatcher. Zero values take the defaults.
type Config struct {
	Workers int           // 4
	MaxWait time.Duration // 30s
}

// Dispatcher owns the worker pool. Batches are fed to the pool by one
// goroutine each, so a batch larger than the pool waits in its own slice.
type Dispatcher struct {
	tasks   chan func()
	workers int
	maxWait time.Duration
	log     *logger.Logger

	mu     sync.Mutex
	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a dispatcher. Nothing runs until Start.
func New(log *logger.Logger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	return &Dispatcher{
		tasks:   make(chan func()),
		workers: cfg.Workers,
		maxWait: cfg.MaxWait,
		log:     log,
	}
}

// Start launches the pool. It runs until ctx is cancelled or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.life != nil {
		return
	}
	d.life, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(d.life)
	}
}

// Close cancels the lifetime context and waits for every goroutine the
// dispatcher started. Operations must honour their context for Close to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return
	}
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.tasks:
			task()
		}
	}
}

type run struct {
	remaining atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	done      chan struct{}
}

func (r *run) complete() {
	if r.remaining.Add(-1) == 0 {
		close(r.done)
	}
}

func (d *Dispatcher) exec(ctx context.Context, r *run, op Operation) {
	defer r.complete()
	defer func() {
		if p := recover(); p != nil {
			r.failed.Add(1)
			d.log.Error(ctx, "batch operation panicked", "panic", fmt.Sprint(p))
		}
	}()
	if err := op(ctx); err != nil {
		r.failed.Add(1)
		return
	}
	r.succeeded.Add(1)
}

// Dispatch submits ops and returns a channel that receives exactly one
// Summary: when every operation has completed, when MaxWait elapses, or when
// ctx or the dispatcher's lifetime ends, whichever comes first. Operations
// still running at that point are not cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, ops []Operation) <-chan Summary {
	out := make(chan Summary, 1)
	d.mu.Lock()
	life := d.life
	if life == nil || life.Err() != nil {
		d.mu.Unlock()
		out <- Summary{Submitted: len(ops), Interrupted: true}
		return out
	}
	d.wg.Add(2)
	d.mu.Unlock()

	ctx, span := otel.AddSpan(ctx, "batch.Dispatch", attribute.Int("batch.size", len(ops)))
	start := time.Now()
	r := &run{done: make(chan struct{})}
	r.remaining.Store(int64(len(ops)))
	if len(ops) == 0 {
		close(r.done)
	}

	go func() {
		defer d.wg.Done()
		for _, op := range ops {
			select {
			case d.tasks <- func() { d.exec(life, r, op) }:
			case <-life.Done():
				return
			}
		}
	}()

	go func() {
		defer d.wg.Done()
		defer span.End()
		t := time.NewTimer(d.maxWait)
		defer t.Stop()

		s := Summary{Submitted: len(ops)}
		select {
		case <-r.done:
		case <-t.C:
			s.TimedOut = true
		case <-ctx.Done():
			s.Interrupted = true
		case <-life.Done():
			s.Interrupted = true
		}
		s.Succeeded = int(r.succeeded.Load())
		s.Failed = int(r.failed.Load())
		s.Elapsed = time.Since(start)

		if s.TimedOut {
			d.log.Warn(ctx, "batch wait timed out, operations left running",
				"submitted", s.Submitted, "succeeded", s.Succeeded, "failed", s.Failed)
		} else {
			d.log.Info(ctx, "batch finished", "submitted", s.Submitted, "succeeded", s.Succeeded,
				"failed", s.Failed, "interrupted", s.Interrupted)
		}
		out <- s
	}()
	return out
}
