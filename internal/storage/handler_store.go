package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/pardalotus/metabeak/internal/handler"
)

// HandlerStore implements handler.Store with a
// PostgreSQL backend. No method ever issues an UPDATE against handler.code:
// Upsert either returns an existing id or inserts a brand new Enabled row.
type HandlerStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewHandlerStore wraps a shared connection. conn must not be nil.
func NewHandlerStore(conn *Connection, logger *slog.Logger) *HandlerStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &HandlerStore{conn: conn, logger: logger}
}

var _ handler.Store = (*HandlerStore)(nil)

// Upsert computes the content hash of code and either reuses the id of an
// existing row with that hash, or inserts a new Enabled row. The unique
// index on handler.hash is what makes the insert race-safe: a concurrent
// insert of identical code loses the race gracefully and falls back to a
// lookup.
func (s *HandlerStore) Upsert(ctx context.Context, ownerID int32, code string) (int64, bool, error) {
	contentHash := handler.ContentHash(code)

	if id, found, err := s.findByHash(ctx, contentHash); err != nil {
		return 0, false, err
	} else if found {
		return id, false, nil
	}

	const insertQuery = `
		INSERT INTO handler (owner_id, hash, code, status, created)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (hash) DO NOTHING
		RETURNING handler_id
	`

	var id int64

	err := s.conn.QueryRowContext(ctx, insertQuery, ownerID, contentHash, code, handler.Enabled).Scan(&id)

	switch {
	case err == nil:
		return id, true, nil
	case errors.Is(err, sql.ErrNoRows):
		// Lost the insert race: another caller's identical upload committed
		// first. Their row is what the hash now points to.
		id, found, lookupErr := s.findByHash(ctx, contentHash)
		if lookupErr != nil {
			return 0, false, lookupErr
		}

		if !found {
			return 0, false, fmt.Errorf("handler store: upsert race with no winner for hash %s", contentHash)
		}

		return id, false, nil
	default:
		return 0, false, fmt.Errorf("handler store: insert: %w", err)
	}
}

func (s *HandlerStore) findByHash(ctx context.Context, contentHash string) (int64, bool, error) {
	const query = `SELECT handler_id FROM handler WHERE hash = $1`

	var id int64

	err := s.conn.QueryRowContext(ctx, query, contentHash).Scan(&id)

	switch {
	case err == nil:
		return id, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("handler store: lookup by hash: %w", err)
	}
}

// ListEnabled returns every currently Enabled handler id, used once per
// batch by the Event Queue Processor.
func (s *HandlerStore) ListEnabled(ctx context.Context) ([]int64, error) {
	const query = `SELECT handler_id FROM handler WHERE status = $1 ORDER BY handler_id`

	rows, err := s.conn.QueryContext(ctx, query, handler.Enabled)
	if err != nil {
		return nil, fmt.Errorf("handler store: list enabled: %w", err)
	}
	defer rows.Close()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("handler store: scan enabled id: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// GetCode returns the source for id, or handler.ErrNotFound.
func (s *HandlerStore) GetCode(ctx context.Context, id int64) (string, error) {
	const query = `SELECT code FROM handler WHERE handler_id = $1`

	var code string

	err := s.conn.QueryRowContext(ctx, query, id).Scan(&code)

	switch {
	case err == nil:
		return code, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", handler.ErrNotFound
	default:
		return "", fmt.Errorf("handler store: get code: %w", err)
	}
}

// SetStatus applies a validated transition, unless force is true.
func (s *HandlerStore) SetStatus(ctx context.Context, id int64, status handler.Status, force bool) error {
	if !force {
		current, err := s.getStatus(ctx, id)
		if err != nil {
			return err
		}

		if err := handler.ValidateTransition(current, status); err != nil {
			return err
		}
	}

	const query = `UPDATE handler SET status = $1 WHERE handler_id = $2`

	res, err := s.conn.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("handler store: set status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("handler store: set status rows affected: %w", err)
	}

	if n == 0 {
		return handler.ErrNotFound
	}

	s.logger.Info("handler status changed",
		slog.Int64("handler_id", id),
		slog.String("status", status.String()),
		slog.Bool("forced", force),
	)

	return nil
}

func (s *HandlerStore) getStatus(ctx context.Context, id int64) (handler.Status, error) {
	const query = `SELECT status FROM handler WHERE handler_id = $1`

	var status handler.Status

	err := s.conn.QueryRowContext(ctx, query, id).Scan(&status)

	switch {
	case err == nil:
		return status, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, handler.ErrNotFound
	default:
		return 0, fmt.Errorf("handler store: get status: %w", err)
	}
}

// ResetBroken is the admin path: transitions a Broken handler back to Enabled,
// bypassing the normal terminal-state rule. It is the only caller of
// SetStatus with force=true.
func (s *HandlerStore) ResetBroken(ctx context.Context, id int64) error {
	current, err := s.getStatus(ctx, id)
	if err != nil {
		return err
	}

	if current != handler.Broken {
		return fmt.Errorf("handler store: reset: handler %d is not Broken (status=%s)", id, current.String())
	}

	return s.SetStatus(ctx, id, handler.Enabled, true)
}

// IncrementFailureAndMaybeBreak is kept for parity with the consecutive
// failure counter maintained in-memory by the orchestrator. This helper
// only performs the final state transition once that counter trips.
func (s *HandlerStore) IncrementFailureAndMaybeBreak(ctx context.Context, id int64) error {
	return s.SetStatus(ctx, id, handler.Broken, false)
}

// pqErrorCode extracts the Postgres error code, used by callers that need to
// distinguish transient errors (deadlock, connection failure) from
// constraint violations for retry policy.
func pqErrorCode(err error) (pq.ErrorCode, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code, true
	}

	return "", false
}

// IsTransient classifies a database error: connection failures, deadlocks,
// and serialization failures are retried; constraint violations and syntax
// errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	code, ok := pqErrorCode(err)
	if !ok {
		return false
	}

	switch code.Class() {
	case "08", "40", "53", "57": // connection, transaction rollback, insufficient resources, admin shutdown
		return true
	default:
		return false
	}
}
