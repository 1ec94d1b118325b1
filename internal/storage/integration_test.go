package storage_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pardalotus/metabeak/internal/event"
	"github.com/pardalotus/metabeak/internal/handler"
	"github.com/pardalotus/metabeak/internal/storage"
)

// schema mirrors cmd/migrator's 001-005 migrations: this package cannot
// import that (unexported) main package, so the tables this gateway talks
// to are recreated directly here for a known-good integration fixture.
const schema = `
CREATE TABLE IF NOT EXISTS handler (
	handler_id BIGSERIAL PRIMARY KEY,
	owner_id   INT NOT NULL,
	hash       TEXT NOT NULL,
	code       TEXT NOT NULL,
	status     INT NOT NULL DEFAULT 0,
	created    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS handler_hash_idx ON handler (hash);

CREATE TABLE IF NOT EXISTS event (
	event_id          BIGSERIAL PRIMARY KEY,
	json              TEXT NOT NULL,
	status            INT NOT NULL DEFAULT 0,
	source_id         INT NOT NULL,
	analyzer_id       INT NOT NULL,
	assertion_id      BIGINT,
	subject_entity_id BIGINT,
	object_entity_id  BIGINT,
	created           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS event_queue (
	event_queue_id BIGSERIAL PRIMARY KEY,
	event_id       BIGINT,
	created        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION enqueue_event() RETURNS TRIGGER AS $$
BEGIN
	INSERT INTO event_queue (event_id) VALUES (NEW.event_id);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

CREATE TRIGGER event_enqueue_trigger
	AFTER INSERT ON event
	FOR EACH ROW
	EXECUTE FUNCTION enqueue_event();

CREATE TABLE IF NOT EXISTS execution_result (
	result_id  BIGSERIAL PRIMARY KEY,
	handler_id BIGINT NOT NULL,
	event_id   BIGINT NOT NULL,
	result     TEXT,
	error      TEXT,
	console    TEXT,
	created    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func setupDatabase(ctx context.Context, t *testing.T) *storage.Connection {
	t.Helper()

	pgContainer, err := postgrescontainer.Run(ctx,
		"postgres:15-alpine",
		postgrescontainer.WithDatabase("metabeak_test"),
		postgrescontainer.WithUsername("testuser"),
		postgrescontainer.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = pgContainer.Terminate(ctx)
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, schema)
	require.NoError(t, err)

	cfg := storage.LoadConfig().WithDatabaseURL(connStr)

	connection, err := storage.NewConnection(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = connection.Close() })

	return connection
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestHandlerStore_UpsertDeduplicatesByHash(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupDatabase(ctx, t)
	store := storage.NewHandlerStore(conn, discardLogger())

	id1, created1, err := store.Upsert(ctx, 1, "function f(e) { return [e]; }")
	require.NoError(t, err)
	require.True(t, created1)

	id2, created2, err := store.Upsert(ctx, 1, "function f(e) { return [e]; }")
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, id1, id2)
}

func TestHandlerStore_ListEnabledAndStatusTransitions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupDatabase(ctx, t)
	store := storage.NewHandlerStore(conn, discardLogger())

	id, _, err := store.Upsert(ctx, 1, "function f(e) { return null; }")
	require.NoError(t, err)

	ids, err := store.ListEnabled(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, id)

	require.NoError(t, store.SetStatus(ctx, id, handler.Disabled, false))

	ids, err = store.ListEnabled(ctx)
	require.NoError(t, err)
	require.NotContains(t, ids, id)

	require.Error(t, store.SetStatus(ctx, id, handler.Broken, false), "disabled->broken is not a valid transition")
}

func TestHandlerStore_ResetBroken(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupDatabase(ctx, t)
	store := storage.NewHandlerStore(conn, discardLogger())

	id, _, err := store.Upsert(ctx, 1, "function f(e) { return null; }")
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(ctx, id, handler.Broken, true))
	require.NoError(t, store.ResetBroken(ctx, id))

	ids, err := store.ListEnabled(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, id)
}

func TestEventInsertTriggersQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupDatabase(ctx, t)
	events := storage.NewEventStore(conn, discardLogger())

	raw := `{"source":"crossref","analyzer":"funder-match","type":"funder","subject":"10.1/abc"}`

	eventID, err := events.Insert(ctx, 1, 1, raw)
	require.NoError(t, err)

	var count int
	err = conn.QueryRowContext(ctx, `SELECT count(*) FROM event_queue WHERE event_id = $1`, eventID).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count, "inserting an event must enqueue it via the trigger")
}

func TestQueueStoreClaimAndCompleteBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupDatabase(ctx, t)
	events := storage.NewEventStore(conn, discardLogger())
	queue := storage.NewQueueStore(conn, discardLogger())

	raw := `{"source":"crossref","analyzer":"funder-match","type":"funder","subject":"10.1/abc"}`

	eventID, err := events.Insert(ctx, 1, 1, raw)
	require.NoError(t, err)

	tx, items, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Event)
	require.Equal(t, eventID, items[0].Event.ID)

	require.NoError(t, queue.CompleteBatch(ctx, tx, items))

	tx2, items2, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items2)
	require.NoError(t, tx2.Commit())
}

func TestResultStoreWriteBatchAndLatestForEvent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupDatabase(ctx, t)
	events := storage.NewEventStore(conn, discardLogger())
	handlers := storage.NewHandlerStore(conn, discardLogger())
	results := storage.NewResultStore(conn, discardLogger())

	eventID, err := events.Insert(ctx, 1, 1,
		`{"source":"crossref","analyzer":"funder-match","type":"funder","subject":"10.1/abc"}`)
	require.NoError(t, err)

	handlerID, _, err := handlers.Upsert(ctx, 1, "function f(e) { return [e]; }")
	require.NoError(t, err)

	resultText := `[{"matched":true}]`

	require.NoError(t, results.WriteBatch(ctx, []event.ExecutionResult{
		{HandlerID: handlerID, EventID: eventID, Result: &resultText},
	}))

	// A second write for the same (handler, event) pair simulates re-processing
	// after an at-least-once retry; the newest row must win on read.
	newerResult := `[{"matched":true,"retry":true}]`

	require.NoError(t, results.WriteBatch(ctx, []event.ExecutionResult{
		{HandlerID: handlerID, EventID: eventID, Result: &newerResult},
	}))

	latest, err := results.LatestForEvent(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.NotNil(t, latest[0].Result)
	require.Contains(t, *latest[0].Result, "retry")
}
