package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pardalotus/metabeak/internal/event"
	"github.com/pardalotus/metabeak/internal/storage"
)

// job is one (event, handler) pair to invoke, the unit of work fanned out
// across the worker pool for a single claimed batch.
type job struct {
	eventID   int64
	eventJSON string
	handlerID int64
}

// RunOnce processes exactly one batch and returns, for the `--execute-one`
// CLI flag: claim, fan out, persist, acknowledge,
// then return without polling again.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	return o.processBatch(ctx)
}

// processBatch resolves the batch's enabled-handler snapshot once, fans out
// every (event, handler) pair across the orchestrator's worker slots,
// persists every outcome, then acknowledges the batch. It never partially
// acknowledges: either every row in items is deleted, or none are (the
// caller's transaction is rolled back on any unrecoverable error), so a
// crash mid-batch always looks like "never processed" to the next poll.
func (o *Orchestrator) processBatch(ctx context.Context) error {
	tx, items, err := o.queue.ClaimBatch(ctx, o.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("engine: claim batch: %w", err)
	}

	if len(items) == 0 {
		return tx.Commit() //nolint:wrapcheck
	}

	handlerIDs, err := o.handlers.ListEnabled(ctx)
	if err != nil {
		o.queue.Abort(tx)

		return fmt.Errorf("engine: list enabled handlers: %w", err)
	}

	jobs := buildJobs(items, handlerIDs)
	if len(jobs) == 0 {
		return o.queue.CompleteBatch(ctx, tx, items)
	}

	outcomes := o.runJobs(ctx, jobs)

	if err := o.results.WriteBatch(ctx, outcomes); err != nil {
		o.queue.Abort(tx)

		return fmt.Errorf("engine: write batch results: %w", err)
	}

	if err := o.queue.CompleteBatch(ctx, tx, items); err != nil {
		return fmt.Errorf("engine: complete batch: %w", err)
	}

	o.logger.Info("batch processed",
		slog.Int("queue_items", len(items)),
		slog.Int("handlers", len(handlerIDs)),
		slog.Int("invocations", len(jobs)),
	)

	return nil
}

func buildJobs(items []storage.ClaimedItem, handlerIDs []int64) []job {
	jobs := make([]job, 0, len(items)*len(handlerIDs))

	for _, item := range items {
		if item.Event == nil {
			// Event already expired between enqueue and claim; the queue
			// row is still discarded by CompleteBatch.
			continue
		}

		for _, handlerID := range handlerIDs {
			jobs = append(jobs, job{
				eventID:   item.Event.ID,
				eventJSON: item.Event.JSON,
				handlerID: handlerID,
			})
		}
	}

	return jobs
}

// runJobs fans jobs out across the orchestrator's fixed worker slots and
// blocks until every one has produced an outcome.
func (o *Orchestrator) runJobs(ctx context.Context, jobs []job) []event.ExecutionResult {
	outcomes := make([]event.ExecutionResult, len(jobs))

	var wg sync.WaitGroup

	for i, j := range jobs {
		wg.Add(1)

		slot := o.acquireSlot()

		go func(i int, j job, slot int) {
			defer wg.Done()
			defer o.releaseSlot(slot)

			outcomes[i] = o.runOne(ctx, slot, j)
		}(i, j, slot)
	}

	wg.Wait()

	return outcomes
}

func (o *Orchestrator) runOne(ctx context.Context, slot int, j job) event.ExecutionResult {
	cache := o.caches[slot]

	handle, err := cache.Get(ctx, j.handlerID)
	if err != nil {
		o.onInvocationFailure(ctx, j.handlerID, j.eventID, err.Error())

		errText := err.Error()

		return event.ExecutionResult{HandlerID: j.handlerID, EventID: j.eventID, Error: &errText}
	}

	outcome := o.jsAdapters[slot].Invoke(ctx, handle, j.eventJSON)

	result := event.ExecutionResult{HandlerID: j.handlerID, EventID: j.eventID}

	if outcome.Error != nil {
		o.onInvocationFailure(ctx, j.handlerID, j.eventID, *outcome.Error)
		cache.Invalidate(j.handlerID)
		result.Error = outcome.Error
	} else {
		result.Result = outcome.ResultJSON
		o.failures.RecordSuccess(j.handlerID)
	}

	result.Console = consoleSection(outcome.Stdout, outcome.Stderr)

	if outcome.Stdout != "" || outcome.Stderr != "" {
		o.logger.Debug("handler console output",
			slog.Int64("handler_id", j.handlerID),
			slog.Int64("event_id", j.eventID),
			slog.String("stdout", outcome.Stdout),
			slog.String("stderr", outcome.Stderr),
		)
	}

	return result
}

// consoleSection formats captured console.log/console.error output into
// execution_result.console, independent of the invocation's outcome: a
// successful invocation that also logs must not populate error, so console
// output never shares a column with the success/failure invariant.
func consoleSection(stdout, stderr string) *string {
	if stdout == "" && stderr == "" {
		return nil
	}

	var b strings.Builder

	if stdout != "" {
		b.WriteString("stdout:\n")
		b.WriteString(stdout)
		b.WriteByte('\n')
	}

	if stderr != "" {
		b.WriteString("stderr:\n")
		b.WriteString(stderr)
		b.WriteByte('\n')
	}

	text := b.String()

	return &text
}

// onInvocationFailure records the failure against the shared counter,
// keyed by the distinct event that triggered it, and once a handler
// crosses the threshold, marks it Broken and evicts it from every worker's
// cache so no slot invokes it again. Retrying the same event id (as
// at-least-once redelivery does after a crash) never grows the streak on
// its own.
func (o *Orchestrator) onInvocationFailure(ctx context.Context, handlerID, eventID int64, reason string) {
	if !o.failures.RecordFailure(handlerID, eventID) {
		return
	}

	if err := o.handlers.IncrementFailureAndMaybeBreak(ctx, handlerID); err != nil {
		o.logger.Error("failed to mark handler broken",
			slog.Int64("handler_id", handlerID),
			slog.String("error", err.Error()),
		)

		return
	}

	for _, c := range o.caches {
		c.Invalidate(handlerID)
	}

	o.logger.Warn("handler marked broken after repeated failures",
		slog.Int64("handler_id", handlerID),
		slog.String("last_error", reason),
	)
}
