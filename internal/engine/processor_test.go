package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pardalotus/metabeak/internal/event"
	"github.com/pardalotus/metabeak/internal/handlercache"
	"github.com/pardalotus/metabeak/internal/jsengine"
	"github.com/pardalotus/metabeak/internal/storage"
)

type fakeCodeSource struct {
	code map[int64]string
}

func (f *fakeCodeSource) GetCode(_ context.Context, id int64) (string, error) {
	code, ok := f.code[id]
	if !ok {
		return "", errors.New("not found")
	}

	return code, nil
}

func newTestOrchestrator(t *testing.T, code string) *Orchestrator {
	t.Helper()

	adapter, err := jsengine.NewAdapter(jsengine.Config{})
	require.NoError(t, err)

	t.Cleanup(adapter.Close)

	source := &fakeCodeSource{code: map[int64]string{1: code}}

	cache, err := handlercache.New(adapter, source, handlercache.DefaultSize, nil)
	require.NoError(t, err)

	t.Cleanup(cache.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))

	return &Orchestrator{
		failures:   NewFailureCounter(0),
		logger:     logger,
		jsAdapters: []*jsengine.Adapter{adapter},
		caches:     []*handlercache.Cache{cache},
	}
}

func TestConsoleSection_NoOutputIsNil(t *testing.T) {
	got := consoleSection("", "")

	assert.Nil(t, got)
}

func TestConsoleSection_AppendsStdoutAndStderr(t *testing.T) {
	got := consoleSection("hello", "uh oh")

	require.NotNil(t, got)
	assert.Contains(t, *got, "stdout:\nhello")
	assert.Contains(t, *got, "stderr:\nuh oh")
}

func TestConsoleSection_SuccessWithConsoleOutputIsNotNil(t *testing.T) {
	got := consoleSection("hello", "")

	require.NotNil(t, got, "a successful invocation's console output must still be retrievable")
	assert.Contains(t, *got, "stdout:\nhello")
	assert.NotContains(t, *got, "stderr:")
}

func TestRunOne_SuccessWithConsoleOutputDoesNotSetError(t *testing.T) {
	o := newTestOrchestrator(t, `function f(e) { console.log("seen", e.id); return [e]; }`)

	result := o.runOne(context.Background(), 0, job{eventID: 1, eventJSON: `{"id":1}`, handlerID: 1})

	require.NotNil(t, result.Result)
	assert.Contains(t, *result.Result, `"id":1`)
	require.NotNil(t, result.Console)
	assert.Contains(t, *result.Console, "stdout:\nseen 1")
	assert.Nil(t, result.Error, "a successful invocation must never populate Error, console output or not")
}

func TestRunOne_FailureSetsErrorNotResult(t *testing.T) {
	o := newTestOrchestrator(t, `function f(e) { throw new Error("boom"); }`)

	result := o.runOne(context.Background(), 0, job{eventID: 1, eventJSON: `{"id":1}`, handlerID: 1})

	require.NotNil(t, result.Error)
	assert.Contains(t, *result.Error, "boom")
	assert.Nil(t, result.Result)
}

func TestBuildJobs_SkipsExpiredEvents(t *testing.T) {
	items := []storage.ClaimedItem{
		{Event: &event.Event{ID: 1, JSON: `{"a":1}`}},
		{Event: nil},
	}

	jobs := buildJobs(items, []int64{10, 20})

	assert.Len(t, jobs, 2)

	for _, j := range jobs {
		assert.Equal(t, int64(1), j.eventID)
	}
}
