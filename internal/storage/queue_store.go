package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pardalotus/metabeak/internal/event"
)

// QueueStore implements the read/ack side of the Event Queue Processor:
// claiming a batch of event_queue rows, materializing their Events, and
// deleting the batch once fan-out has been durably persisted. event_id is a
// weak reference throughout: a missing event is an expired event,
// not corruption.
type QueueStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewQueueStore wraps a shared connection.
func NewQueueStore(conn *Connection, logger *slog.Logger) *QueueStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &QueueStore{conn: conn, logger: logger}
}

// ErrEmptyBatch names an empty batch. ClaimBatch does not return it: a
// failure to start the transaction comes back as the wrapped BeginTx error,
// and an empty result (no rows) is not an error, it just yields a nil slice.
var ErrEmptyBatch = errors.New("queue store: empty batch")

// ClaimedItem pairs a queue row with the resolved Event payload, or nil if
// the Event had already expired.
type ClaimedItem struct {
	QueueItem event.QueueItem
	Event     *event.Event
}

// ClaimBatch selects up to batchSize queue rows ordered by event_queue_id
// ascending, using SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers
// never contend for the same rows.
// The returned transaction stays open and holds the row locks until the
// caller ends it with CompleteBatch (commit) or Abort (rollback), so the
// lock is released once fan-out for the batch durably completes.
func (s *QueueStore) ClaimBatch(ctx context.Context, batchSize int) (*sql.Tx, []ClaimedItem, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("queue store: begin claim tx: %w", err)
	}

	const selectQuery = `
		SELECT event_queue_id, event_id, created
		FROM event_queue
		ORDER BY event_queue_id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.QueryContext(ctx, selectQuery, batchSize)
	if err != nil {
		_ = tx.Rollback()

		return nil, nil, fmt.Errorf("queue store: claim batch: %w", err)
	}

	var items []ClaimedItem

	for rows.Next() {
		var qi event.QueueItem

		var eventID sql.NullInt64

		if err := rows.Scan(&qi.EventQueueID, &eventID, &qi.Created); err != nil {
			rows.Close()
			_ = tx.Rollback()

			return nil, nil, fmt.Errorf("queue store: scan queue row: %w", err)
		}

		if eventID.Valid {
			id := eventID.Int64
			qi.EventID = &id
		}

		items = append(items, ClaimedItem{QueueItem: qi})
	}

	if err := rows.Err(); err != nil {
		_ = tx.Rollback()

		return nil, nil, fmt.Errorf("queue store: iterate queue rows: %w", err)
	}

	if err := s.resolveEvents(ctx, tx, items); err != nil {
		_ = tx.Rollback()

		return nil, nil, err
	}

	return tx, items, nil
}

// resolveEvents loads the Event payload for each claimed item within the
// same transaction (so locked rows and their events are read consistently).
// A missing event means it already expired; the item's Event stays nil and
// the caller discards the queue row without fan-out.
func (s *QueueStore) resolveEvents(ctx context.Context, tx *sql.Tx, items []ClaimedItem) error {
	ids := make([]int64, 0, len(items))

	for i := range items {
		if items[i].QueueItem.EventID != nil {
			ids = append(ids, *items[i].QueueItem.EventID)
		}
	}

	if len(ids) == 0 {
		return nil
	}

	events, err := fetchEventsByID(ctx, tx, ids)
	if err != nil {
		return err
	}

	for i := range items {
		if items[i].QueueItem.EventID == nil {
			continue
		}

		if ev, ok := events[*items[i].QueueItem.EventID]; ok {
			e := ev
			items[i].Event = &e
		}
	}

	return nil
}

func fetchEventsByID(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]event.Event, error) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))

	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT event_id, json, status, source_id, analyzer_id, assertion_id,
		       subject_entity_id, object_entity_id, created
		FROM event
		WHERE event_id IN (%s)
	`, strings.Join(placeholders, ", "))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue store: fetch events by id: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]event.Event, len(ids))

	for rows.Next() {
		var (
			e               event.Event
			assertionID     sql.NullInt64
			subjectEntityID sql.NullInt64
			objectEntityID  sql.NullInt64
		)

		if err := rows.Scan(&e.ID, &e.JSON, &e.Status, &e.SourceID, &e.AnalyzerID, &assertionID,
			&subjectEntityID, &objectEntityID, &e.Created); err != nil {
			return nil, fmt.Errorf("queue store: scan event: %w", err)
		}

		// A loader-seeded event has a NULL assertion_id; it reads back as 0.
		e.AssertionID = assertionID.Int64

		if subjectEntityID.Valid {
			v := subjectEntityID.Int64
			e.SubjectEntityID = &v
		}

		if objectEntityID.Valid {
			v := objectEntityID.Int64
			e.ObjectEntityID = &v
		}

		result[e.ID] = e
	}

	return result, rows.Err()
}

// CompleteBatch deletes the given queue rows within the same transaction
// that claimed them, acknowledging fan-out. Callers must
// only call this after every (event, handler) pair's result has been
// durably persisted via the Result Sink — otherwise a crash between
// persisting results and this delete is indistinguishable from never having
// run, which is fine (at-least-once), but persisting after the delete would
// silently lose acknowledgement tracking for nothing gained.
func (s *QueueStore) CompleteBatch(ctx context.Context, tx *sql.Tx, items []ClaimedItem) error {
	if len(items) == 0 {
		return tx.Commit() //nolint:wrapcheck
	}

	ids := make([]interface{}, len(items))
	placeholders := make([]string, len(items))

	for i, item := range items {
		ids[i] = item.QueueItem.EventQueueID
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`DELETE FROM event_queue WHERE event_queue_id IN (%s)`, strings.Join(placeholders, ", "))

	if _, err := tx.ExecContext(ctx, query, ids...); err != nil {
		return fmt.Errorf("queue store: delete processed batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue store: commit batch completion: %w", err)
	}

	return nil
}

// Abort releases the batch's row locks without deleting anything (used when
// the orchestrator is shutting down mid-batch, or a storage error makes
// completion unsafe). The rows become claimable again by the next poll.
func (s *QueueStore) Abort(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.Warn("queue store: rollback failed", slog.String("error", err.Error()))
	}
}
