// Package handlercache implements the Handler Cache: a per-worker,
// bounded LRU of compiled jsengine.ContextHandle values keyed by handler id,
// so a hot handler is parsed once and reused across many invocations on the
// same worker. Eviction disposes the evicted context immediately
// so V8 memory is reclaimed deterministically rather than waiting on GC.
package handlercache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pardalotus/metabeak/internal/jsengine"
)

// DefaultSize is the number of compiled handlers kept resident per worker.
const DefaultSize = 128

// CodeSource resolves a handler id to its current source code. Implemented
// by *storage.HandlerStore in production and a map in tests.
type CodeSource interface {
	GetCode(ctx context.Context, id int64) (string, error)
}

// Cache wraps one jsengine.Adapter (one V8 isolate) with an LRU of its
// compiled contexts. A Cache is bound to exactly one worker and must never
// be shared across goroutines.
type Cache struct {
	mu      sync.Mutex
	adapter *jsengine.Adapter
	source  CodeSource
	lru     *lru.Cache[int64, *jsengine.ContextHandle]
	logger  *slog.Logger
}

// New builds a Cache of the given size backed by adapter and source. A
// non-positive size is replaced with DefaultSize.
func New(adapter *jsengine.Adapter, source CodeSource, size int, logger *slog.Logger) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{adapter: adapter, source: source, logger: logger}

	evictCache, err := lru.NewWithEvict[int64, *jsengine.ContextHandle](size, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("handlercache: new lru: %w", err)
	}

	c.lru = evictCache

	return c, nil
}

func (c *Cache) onEvict(id int64, handle *jsengine.ContextHandle) {
	c.adapter.Dispose(handle)
	c.logger.Debug("handler evicted from cache", slog.Int64("handler_id", id))
}

// Get returns a ready-to-invoke context for id, compiling it on first use
// (or after eviction/invalidation) and caching the result thereafter.
// Compile failures are never cached: a handler that fails to parse is
// reported to the caller every time until its code changes or it is marked
// Broken.
func (c *Cache) Get(ctx context.Context, id int64) (*jsengine.ContextHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if handle, ok := c.lru.Get(id); ok {
		return handle, nil
	}

	code, err := c.source.GetCode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("handlercache: load code for handler %d: %w", id, err)
	}

	handle, err := c.adapter.Prepare(code)
	if err != nil {
		return nil, fmt.Errorf("handlercache: compile handler %d: %w", id, err)
	}

	c.lru.Add(id, handle)

	return handle, nil
}

// Invalidate evicts id's cached context, if present, disposing it. The
// engine calls it after every failed invocation and, on every worker, when
// a handler is marked Broken, so that context is never invoked again.
func (c *Cache) Invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(id)
}

// Close disposes every cached context and the underlying isolate. Call once
// when the owning worker shuts down.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.adapter.Close()
}

// Len reports the number of currently cached contexts, for metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}
