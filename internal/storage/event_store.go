package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pardalotus/metabeak/internal/event"
)

// EventStore inserts Event rows. Production Events are normally written by
// the external Event Analyzer; this gateway exists
// so the `--load-events` operator loader has a way to
// seed events for local testing and bulk backfill without that collaborator
// running.
type EventStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewEventStore wraps a shared connection.
func NewEventStore(conn *Connection, logger *slog.Logger) *EventStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventStore{conn: conn, logger: logger}
}

// Insert validates raw against the minimal Event JSON schema
// and stores it. The insert trigger on `event` populates `event_queue`
// automatically, so callers need not touch
// the queue directly. assertion_id and the entity references are left
// null: a loader-seeded event has no originating Metadata Assertion.
func (s *EventStore) Insert(ctx context.Context, sourceID, analyzerID int, raw string) (int64, error) {
	if err := event.ValidateJSON(raw); err != nil {
		return 0, fmt.Errorf("event store: validate: %w", err)
	}

	const query = `
		INSERT INTO event (json, status, source_id, analyzer_id, created)
		VALUES ($1, 0, $2, $3, now())
		RETURNING event_id
	`

	var id int64

	if err := s.conn.QueryRowContext(ctx, query, raw, sourceID, analyzerID).Scan(&id); err != nil {
		return 0, fmt.Errorf("event store: insert: %w", err)
	}

	return id, nil
}
