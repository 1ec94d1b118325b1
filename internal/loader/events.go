package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pardalotus/metabeak/internal/event"
)

// EventInserter is the subset of *storage.EventStore the loader needs.
type EventInserter interface {
	Insert(ctx context.Context, sourceID, analyzerID int, raw string) (int64, error)
}

// EventsResult summarizes one --load-events run.
type EventsResult struct {
	Inserted int
	Rejected int
}

// LoadEvents walks dir for *.json files, each holding a JSON array of Event
// objects, validates and inserts every element. The
// `source`/`analyzer` string fields identify the provenance label (spec
// GLOSSARY); the engine's event table stores them as small integers
// (assigned by the real Source adapters and Event Analyzer in production),
// so this loader derives a stable per-label integer by hashing the label —
// good enough for local seeding and bulk backfill, not meant to collide
// with ids the real collaborators assign in a shared database.
func LoadEvents(ctx context.Context, dir string, store EventInserter, logger *slog.Logger) (EventsResult, error) {
	var result EventsResult

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("loader: walk %s: %w", path, err)
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		loadOneEventFile(ctx, path, store, logger, &result)

		return nil
	})
	if err != nil {
		return result, err
	}

	return result, nil
}

func loadOneEventFile(ctx context.Context, path string, store EventInserter, logger *slog.Logger, result *EventsResult) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("event file rejected: read failed", slog.String("file", path), slog.String("error", err.Error()))
		result.Rejected++

		return
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		logger.Error("event file rejected: not a JSON array",
			slog.String("file", path), slog.String("error", err.Error()))
		result.Rejected++

		return
	}

	for i, raw := range raws {
		text := string(raw)

		if err := event.ValidateJSON(text); err != nil {
			logger.Warn("event rejected: schema validation failed",
				slog.String("file", path), slog.Int("index", i), slog.String("error", err.Error()))
			result.Rejected++

			continue
		}

		sourceID, analyzerID := labelIDs(text)

		id, err := store.Insert(ctx, sourceID, analyzerID, text)
		if err != nil {
			logger.Error("event rejected: insert failed",
				slog.String("file", path), slog.Int("index", i), slog.String("error", err.Error()))
			result.Rejected++

			continue
		}

		result.Inserted++
		logger.Debug("event loaded", slog.String("file", path), slog.Int64("event_id", id))
	}
}

// minimalLabels mirrors just the two fields needed to derive source_id and
// analyzer_id; full schema validation already happened via event.ValidateJSON.
type minimalLabels struct {
	Source   string `json:"source"`
	Analyzer string `json:"analyzer"`
}

func labelIDs(raw string) (sourceID, analyzerID int) {
	var labels minimalLabels

	_ = json.Unmarshal([]byte(raw), &labels)

	return hashLabel(labels.Source), hashLabel(labels.Analyzer)
}

func hashLabel(label string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(label))

	// Mask to stay within a positive int32 range regardless of platform int width.
	return int(h.Sum32() & 0x7fffffff)
}
