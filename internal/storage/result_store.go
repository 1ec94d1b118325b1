package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pardalotus/metabeak/internal/event"
)

// ResultStore implements the Result Sink: persists one execution_result
// row per (handler_id, event_id) invocation. Writes are batched per fan-out
// batch to amortize round-trips; all rows in a batch must commit
// before the caller deletes the corresponding queue rows.
type ResultStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewResultStore wraps a shared connection.
func NewResultStore(conn *Connection, logger *slog.Logger) *ResultStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &ResultStore{conn: conn, logger: logger}
}

// emptyArrayResult is the sentinel text stored when a handler legitimately
// matched nothing: an empty array, not an error.
const emptyArrayResult = "[]"

// WriteBatch inserts every outcome in a single multi-row statement. Rows are
// split into chunks bounded by maxBatchRows to stay well under PostgreSQL's
// parameter limit for very large fan-outs.
func (s *ResultStore) WriteBatch(ctx context.Context, outcomes []event.ExecutionResult) error {
	const maxBatchRows = 500

	for start := 0; start < len(outcomes); start += maxBatchRows {
		end := min(start+maxBatchRows, len(outcomes))

		if err := s.writeChunk(ctx, outcomes[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (s *ResultStore) writeChunk(ctx context.Context, outcomes []event.ExecutionResult) error {
	if len(outcomes) == 0 {
		return nil
	}

	const columnsPerRow = 5

	placeholders := make([]string, 0, len(outcomes))
	args := make([]interface{}, 0, len(outcomes)*columnsPerRow)

	for i, o := range outcomes {
		base := i*columnsPerRow + 1
		placeholders = append(placeholders,
			fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, now())", base, base+1, base+2, base+3, base+4))
		args = append(args, o.HandlerID, o.EventID, nullableText(o.Result), nullableText(o.Error), nullableText(o.Console))
	}

	query := fmt.Sprintf(`
		INSERT INTO execution_result (handler_id, event_id, result, error, console, created)
		VALUES %s
	`, strings.Join(placeholders, ", "))

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("result store: write batch: %w", err)
	}

	return nil
}

func nullableText(s *string) interface{} {
	if s == nil {
		return nil
	}

	return *s
}

// LatestForEvent returns every (handler_id, event_id) result for eventID,
// deduplicated to the newest `created` per handler_id, matching the
// "newest wins" read protocol required by at-least-once re-processing.
// Exposed for API/browsing consumers and exercised by tests verifying
// idempotence.
func (s *ResultStore) LatestForEvent(ctx context.Context, eventID int64) ([]event.ExecutionResult, error) {
	const query = `
		SELECT DISTINCT ON (handler_id) result_id, handler_id, event_id, result, error, console, created
		FROM execution_result
		WHERE event_id = $1
		ORDER BY handler_id, created DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("result store: latest for event: %w", err)
	}
	defer rows.Close()

	var results []event.ExecutionResult

	for rows.Next() {
		var (
			r       event.ExecutionResult
			result  sql.NullString
			errStr  sql.NullString
			console sql.NullString
		)

		if err := rows.Scan(&r.ResultID, &r.HandlerID, &r.EventID, &result, &errStr, &console, &r.Created); err != nil {
			return nil, fmt.Errorf("result store: scan result: %w", err)
		}

		if result.Valid {
			v := result.String
			r.Result = &v
		}

		if errStr.Valid {
			v := errStr.String
			r.Error = &v
		}

		if console.Valid {
			v := console.String
			r.Console = &v
		}

		results = append(results, r)
	}

	return results, rows.Err()
}
