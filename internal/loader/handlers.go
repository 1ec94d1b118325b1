// Package loader implements the `--load-handlers` and `--load-events`
// operator CLI loaders: directory walks that
// seed the engine's tables without the external Source adapters or Event
// Analyzer running.
package loader

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pardalotus/metabeak/internal/handler"
	"github.com/pardalotus/metabeak/internal/jsengine"
)

// HandlersResult summarizes one --load-handlers run.
type HandlersResult struct {
	Inserted int
	Reused   int
	Rejected int
}

// LoadHandlers walks dir for *.js files, rejects any that fail to compile
// by reusing the adapter's Prepare (the same check the engine applies
// lazily at runtime, performed eagerly here so a malformed handler never
// reaches the store), and upserts the rest, deduplicating identical
// content by hash.
func LoadHandlers(
	ctx context.Context,
	dir string,
	ownerID int32,
	store handler.Store,
	adapter *jsengine.Adapter,
	logger *slog.Logger,
) (HandlersResult, error) {
	var result HandlersResult

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("loader: walk %s: %w", path, err)
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), ".js") {
			return nil
		}

		code, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("loader: read %s: %w", path, err)
		}

		loadOneHandler(ctx, path, string(code), ownerID, store, adapter, logger, &result)

		return nil
	})
	if err != nil {
		return result, err
	}

	return result, nil
}

func loadOneHandler(
	ctx context.Context,
	path, code string,
	ownerID int32,
	store handler.Store,
	adapter *jsengine.Adapter,
	logger *slog.Logger,
	result *HandlersResult,
) {
	handle, err := adapter.Prepare(code)
	if err != nil {
		result.Rejected++
		logger.Warn("handler rejected: failed to compile",
			slog.String("file", path), slog.String("error", err.Error()))

		return
	}

	adapter.Dispose(handle)

	id, created, err := store.Upsert(ctx, ownerID, code)
	if err != nil {
		result.Rejected++
		logger.Error("handler rejected: store upsert failed",
			slog.String("file", path), slog.String("error", err.Error()))

		return
	}

	if created {
		result.Inserted++
		logger.Info("handler loaded", slog.String("file", path), slog.Int64("handler_id", id))
	} else {
		result.Reused++
		logger.Info("handler already present", slog.String("file", path), slog.Int64("handler_id", id))
	}
}
