// Package engine implements the Event Queue Processor and the
// Orchestrator: a fixed pool of worker slots, each pinned to its own
// V8 isolate and handler cache, draining the event queue in batches and
// fanning each batch out across the pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pardalotus/metabeak/internal/handlercache"
	"github.com/pardalotus/metabeak/internal/jsengine"
	"github.com/pardalotus/metabeak/internal/storage"
)

// Defaults for Config fields left at zero value.
const (
	DefaultBatchSize       = 64
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultShutdownTimeout = 30 * time.Second
	DefaultBatchesPerSec   = 4
)

// Config tunes pool size and batch pacing. Zero values fall back to the
// Default* constants; WorkerCount falls back to runtime.NumCPU().
type Config struct {
	WorkerCount      int
	BatchSize        int
	PollInterval     time.Duration
	ShutdownTimeout  time.Duration
	BatchesPerSecond float64
	CachePerWorker   int
	FailureThreshold int
	JSEngine         jsengine.Config
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = runtime.NumCPU()
	}

	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.BatchesPerSecond <= 0 {
		c.BatchesPerSecond = DefaultBatchesPerSec
	}

	if c.CachePerWorker <= 0 {
		c.CachePerWorker = handlercache.DefaultSize
	}

	return c
}

// Orchestrator owns the worker pool and drives the claim/fan-out/ack loop.
// Exactly one Orchestrator should run against a given database at a time
// per logical consumer group; multiple processes may run concurrently
// against the same queue since SKIP LOCKED makes batch claims disjoint.
type Orchestrator struct {
	queue    *storage.QueueStore
	results  *storage.ResultStore
	handlers *storage.HandlerStore
	failures *FailureCounter

	cfg        Config
	limiter    *rate.Limiter
	logger     *slog.Logger
	jsAdapters []*jsengine.Adapter
	caches     []*handlercache.Cache

	slots chan int

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds an Orchestrator with one isolate and one handler cache per
// worker slot. Call Close after Run's context is done to release every
// isolate.
func New(
	queue *storage.QueueStore,
	results *storage.ResultStore,
	handlers *storage.HandlerStore,
	cfg Config,
	logger *slog.Logger,
) (*Orchestrator, error) {
	cfg = cfg.withDefaults()

	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		queue:    queue,
		results:  results,
		handlers: handlers,
		failures: NewFailureCounter(cfg.FailureThreshold),
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.BatchesPerSecond), 1),
		logger:   logger,
		slots:    make(chan int, cfg.WorkerCount),
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		adapter, err := jsengine.NewAdapter(cfg.JSEngine)
		if err != nil {
			o.closeIsolates()

			return nil, fmt.Errorf("engine: create isolate %d: %w", i, err)
		}

		cache, err := handlercache.New(adapter, handlers, cfg.CachePerWorker, logger)
		if err != nil {
			adapter.Close()
			o.closeIsolates()

			return nil, fmt.Errorf("engine: create cache %d: %w", i, err)
		}

		o.jsAdapters = append(o.jsAdapters, adapter)
		o.caches = append(o.caches, cache)
		o.slots <- i
	}

	return o, nil
}

func (o *Orchestrator) acquireSlot() int {
	return <-o.slots
}

func (o *Orchestrator) releaseSlot(slot int) {
	o.slots <- slot
}

func (o *Orchestrator) closeIsolates() {
	for _, c := range o.caches {
		c.Close()
	}

	o.caches = nil
	o.jsAdapters = nil
}

// Close tears down every worker's isolate. Call once, after Run returns.
func (o *Orchestrator) Close() {
	o.closeIsolates()
}

// Run polls the queue until ctx is cancelled, processing one batch per
// tick, rate-limited to smooth out bursty enqueue spikes. It returns nil on a clean shutdown and a non-nil error
// only if the poll loop itself cannot continue (e.g. a non-transient
// database error).
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()

		return errors.New("engine: orchestrator already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.logger.Info("orchestrator started",
		slog.Int("workers", o.cfg.WorkerCount),
		slog.Int("batch_size", o.cfg.BatchSize),
	)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			o.logger.Info("orchestrator stopped")

			return nil
		case <-ticker.C:
			if err := o.limiter.Wait(runCtx); err != nil {
				continue
			}

			if err := o.processBatch(runCtx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}

				if storage.IsTransient(err) {
					o.logger.Warn("transient error processing batch, retrying next tick",
						slog.String("error", err.Error()))

					continue
				}

				o.logger.Error("non-transient error processing batch", slog.String("error", err.Error()))

				return err
			}
		}
	}
}

// Stop cancels the run loop. Run returns once the in-flight batch, if any,
// finishes or the batch's own context-derived calls unwind; there is no
// separate shutdown-timeout wait because every blocking call inside a
// batch already takes runCtx and aborts promptly on cancellation.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel == nil {
		return
	}

	o.cancel()
	o.cancel = nil
}

// RunForGroup adapts Run to the errgroup.Group.Go signature: it starts Run,
// and once ctx is cancelled, bounds the wait for Run to return by
// Config.ShutdownTimeout before giving up and reporting an error (the
// caller has already lost the isolates at that point and should treat the
// process as needing a hard restart).
func (o *Orchestrator) RunForGroup(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)

		go func() {
			errCh <- o.Run(ctx)
		}()

		select {
		case <-ctx.Done():
			o.Stop()

			select {
			case err := <-errCh:
				return err
			case <-time.After(o.cfg.ShutdownTimeout):
				return fmt.Errorf("engine: shutdown timeout exceeded after %s", o.cfg.ShutdownTimeout)
			}
		case err := <-errCh:
			return err
		}
	}
}
