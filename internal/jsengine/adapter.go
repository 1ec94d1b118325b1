// Package jsengine implements the JS Runtime Adapter: one embedded V8
// isolate per worker, reused across many handler invocations, with each
// Handler occupying its own context so different handlers never share
// globals while repeated invocations of the same handler on the same
// worker do.
package jsengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v8 "rogchap.com/v8go"
)

const (
	// DefaultMaxSourceBytes bounds handler source size, enforced before
	// compilation.
	DefaultMaxSourceBytes = 64 * 1024
	// DefaultInvocationTimeout is the per-invocation wall-clock budget.
	DefaultInvocationTimeout = 1 * time.Second
	// DefaultHeapLimitBytes is the per-isolate heap cap.
	DefaultHeapLimitBytes = 64 * 1024 * 1024
	// DefaultConsoleBufferBytes bounds captured console.log/console.error
	// output, per stream, per invocation.
	DefaultConsoleBufferBytes = 8 * 1024

	entryFunctionName = "f"

	heapPollInterval = 10 * time.Millisecond

	consoleTruncationMarker = "\n...[truncated]"
)

var (
	// ErrSourceTooLarge is returned by Prepare when code exceeds
	// Config.MaxSourceBytes.
	ErrSourceTooLarge = errors.New("jsengine: handler source exceeds size limit")
	// ErrCompileFailed wraps a V8 parse/top-level-throw error.
	ErrCompileFailed = errors.New("jsengine: handler failed to load")
	// ErrMissingEntryFunction is returned when the script does not leave a
	// callable global function named "f".
	ErrMissingEntryFunction = errors.New("jsengine: handler does not define a callable function f")
	// ErrInvalidReturn is the failure outcome recorded when the handler's
	// return value is neither nullish nor an array.
	ErrInvalidReturn = errors.New("handler must return array or null")
	// ErrTimeout is the failure outcome recorded when an invocation is
	// interrupted for exceeding its wall-clock budget.
	ErrTimeout = errors.New("execution time limit exceeded")
	// ErrMemoryLimit is the failure outcome recorded when an invocation is
	// interrupted for exceeding the isolate's heap cap.
	ErrMemoryLimit = errors.New("memory limit exceeded")
)

// Config tunes the resource limits enforced by an Adapter. Zero values are
// replaced with the Default* constants.
type Config struct {
	MaxSourceBytes     int
	InvocationTimeout  time.Duration
	HeapLimitBytes     uint64
	ConsoleBufferBytes int
}

func (c Config) withDefaults() Config {
	if c.MaxSourceBytes <= 0 {
		c.MaxSourceBytes = DefaultMaxSourceBytes
	}

	if c.InvocationTimeout <= 0 {
		c.InvocationTimeout = DefaultInvocationTimeout
	}

	if c.HeapLimitBytes == 0 {
		c.HeapLimitBytes = DefaultHeapLimitBytes
	}

	if c.ConsoleBufferBytes <= 0 {
		c.ConsoleBufferBytes = DefaultConsoleBufferBytes
	}

	return c
}

// Outcome is the result of one Invoke call: a successful run is recorded by
// ResultJSON (possibly nil for "no match"), a failed one by Error.
// Stdout/Stderr hold captured console output regardless of outcome.
type Outcome struct {
	ResultJSON *string
	Error      *string
	Stdout     string
	Stderr     string
}

// ContextHandle is a compiled, initialized V8 context for one Handler. It is
// not safe for concurrent use: an isolate (and every context inside it) is
// pinned to a single worker.
type ContextHandle struct {
	ctx     *v8.Context
	entry   *v8.Function
	console *consoleBuffer
}

// Adapter owns one V8 isolate. Create one per worker and reuse it for every
// handler that worker invokes; do not share an Adapter across goroutines.
type Adapter struct {
	iso    *v8.Isolate
	cfg    Config
	global *v8.ObjectTemplate

	mu     sync.Mutex // guards closed
	closed bool

	heapExceeded atomic.Bool // set by pollHeap when it terminates for exceeding HeapLimitBytes
}

// NewAdapter creates a fresh isolate. The console.log/error bindings are
// installed per context by Prepare, each with its own capture buffer.
func NewAdapter(cfg Config) (*Adapter, error) {
	cfg = cfg.withDefaults()

	iso := v8.NewIsolate()

	global := v8.NewObjectTemplate(iso)

	a := &Adapter{iso: iso, cfg: cfg, global: global}

	return a, nil
}

// Prepare compiles and executes code in a fresh context. Success requires a
// callable global function named f to exist afterward.
func (a *Adapter) Prepare(code string) (*ContextHandle, error) {
	if len(code) > a.cfg.MaxSourceBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrSourceTooLarge, len(code), a.cfg.MaxSourceBytes)
	}

	console := newConsoleBuffer(a.cfg.ConsoleBufferBytes)

	global := v8.NewObjectTemplate(a.iso)
	if err := installConsole(a.iso, global, console); err != nil {
		return nil, fmt.Errorf("jsengine: install console bindings: %w", err)
	}

	v8ctx := v8.NewContext(a.iso, global)

	if _, err := v8ctx.RunScript(code, "handler.js"); err != nil {
		v8ctx.Close()

		return nil, fmt.Errorf("%w: %w", ErrCompileFailed, wrapJSError(err))
	}

	entryVal, err := v8ctx.Global().Get(entryFunctionName)
	if err != nil || entryVal == nil || !entryVal.IsFunction() {
		v8ctx.Close()

		return nil, ErrMissingEntryFunction
	}

	fn, err := entryVal.AsFunction()
	if err != nil {
		v8ctx.Close()

		return nil, ErrMissingEntryFunction
	}

	return &ContextHandle{ctx: v8ctx, entry: fn, console: console}, nil
}

// Dispose tears down a context. The isolate is untouched and remains usable
// for other handlers on this worker.
func (a *Adapter) Dispose(h *ContextHandle) {
	if h == nil || h.ctx == nil {
		return
	}

	h.ctx.Close()
	h.ctx = nil
}

// Close tears down the isolate itself. Call once, when the owning worker
// shuts down. Any ContextHandle created from this Adapter becomes invalid.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	a.closed = true
	a.iso.Dispose()
}

// Invoke parses eventJSON inside h's context, calls f(event), and classifies
// the result. It enforces the invocation's wall-clock budget
// via isolate interruption and polls heap usage against the configured cap,
// aborting the call on either limit. Neither limit ever panics the host
// process: both surface as Outcome.Error.
func (a *Adapter) Invoke(ctx context.Context, h *ContextHandle, eventJSON string) Outcome {
	h.console.reset()
	a.heapExceeded.Store(false)

	deadline := a.cfg.InvocationTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < deadline {
			deadline = remaining
		}
	}

	done := make(chan callResult, 1)
	stopPoll := make(chan struct{})

	go a.pollHeap(stopPoll)

	go func() {
		eventVal, err := v8.JSONParse(h.ctx, eventJSON)
		if err != nil {
			done <- callResult{err: fmt.Errorf("jsengine: parse event payload: %w", err)}

			return
		}

		retVal, err := h.entry.Call(v8.Undefined(a.iso), eventVal)
		done <- callResult{val: retVal, err: err}
	}()

	var (
		result   callResult
		timedOut bool
	)

	select {
	case result = <-done:
	case <-time.After(deadline):
		a.iso.TerminateExecution()
		result = <-done
		timedOut = true
	case <-ctx.Done():
		a.iso.TerminateExecution()
		result = <-done
		timedOut = true
	}

	close(stopPoll)

	// A poll-triggered TerminateExecution races with every other way the
	// call can end (clean return, wall-clock timeout): whichever select
	// branch happens to observe `done` first, a heap breach always wins the
	// classification so ErrMemoryLimit is never reported as a generic timeout
	// or a V8 termination error.
	if a.heapExceeded.Load() {
		return a.memoryLimitOutcome(h)
	}

	if timedOut {
		return a.timeoutOutcome(h)
	}

	return a.classify(h, result.val, result.err)
}

// pollHeap watches the isolate's heap usage while an invocation is running
// and interrupts it if the configured cap is exceeded. v8go exposes no
// native near-OOM callback (unlike V8's C++ API); this polling loop is the
// best-effort approximation its surface allows (see DESIGN.md).
func (a *Adapter) pollHeap(stop <-chan struct{}) {
	ticker := time.NewTicker(heapPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			stats := a.iso.GetHeapStatistics()
			if stats.UsedHeapSize > a.cfg.HeapLimitBytes {
				a.heapExceeded.Store(true)
				a.iso.TerminateExecution()

				return
			}
		}
	}
}

type callResult struct {
	val *v8.Value
	err error
}

func (a *Adapter) timeoutOutcome(h *ContextHandle) Outcome {
	msg := ErrTimeout.Error()

	return Outcome{
		Error:  &msg,
		Stdout: h.console.stdout(),
		Stderr: h.console.stderr(),
	}
}

func (a *Adapter) memoryLimitOutcome(h *ContextHandle) Outcome {
	msg := ErrMemoryLimit.Error()

	return Outcome{
		Error:  &msg,
		Stdout: h.console.stdout(),
		Stderr: h.console.stderr(),
	}
}

func (a *Adapter) classify(h *ContextHandle, val *v8.Value, callErr error) Outcome {
	outcome := Outcome{
		Stdout: h.console.stdout(),
		Stderr: h.console.stderr(),
	}

	if callErr != nil {
		msg := wrapJSError(callErr).Error()
		outcome.Error = &msg

		return outcome
	}

	switch {
	case val == nil || val.IsNull() || val.IsUndefined():
		return outcome
	case val.IsArray():
		jsonStr, err := v8.JSONStringify(h.ctx, val)
		if err != nil {
			msg := fmt.Sprintf("jsengine: stringify handler result: %s", err)
			outcome.Error = &msg

			return outcome
		}

		outcome.ResultJSON = &jsonStr

		return outcome
	default:
		msg := ErrInvalidReturn.Error()
		outcome.Error = &msg

		return outcome
	}
}

const maxErrorTextBytes = 4096

// wrapJSError converts a v8go error into a single error whose message is
// the JS error text plus stack trace, truncated to a fixed limit.
func wrapJSError(err error) error {
	var jsErr *v8.JSError
	if errors.As(err, &jsErr) {
		text := jsErr.Message
		if jsErr.StackTrace != "" {
			text += "\n" + jsErr.StackTrace
		}

		return errors.New(truncate(text, maxErrorTextBytes))
	}

	return errors.New(truncate(err.Error(), maxErrorTextBytes))
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	return s[:limit] + "...[truncated]"
}

// consoleBuffer captures console.log/console.error output inside one
// context, bounded per stream.
type consoleBuffer struct {
	mu     sync.Mutex
	limit  int
	logs   strings.Builder
	errs   strings.Builder
	logCut bool
	errCut bool
}

func newConsoleBuffer(limit int) *consoleBuffer {
	return &consoleBuffer{limit: limit}
}

func (c *consoleBuffer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logs.Reset()
	c.errs.Reset()
	c.logCut = false
	c.errCut = false
}

func (c *consoleBuffer) appendLog(line string) {
	c.append(&c.logs, &c.logCut, line)
}

func (c *consoleBuffer) appendErr(line string) {
	c.append(&c.errs, &c.errCut, line)
}

func (c *consoleBuffer) append(b *strings.Builder, cut *bool, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if *cut {
		return
	}

	if b.Len()+len(line)+1 > c.limit {
		remaining := c.limit - b.Len() - len(consoleTruncationMarker)
		if remaining > 0 {
			b.WriteString(line[:min(remaining, len(line))])
		}

		b.WriteString(consoleTruncationMarker)
		*cut = true

		return
	}

	if b.Len() > 0 {
		b.WriteByte('\n')
	}

	b.WriteString(line)
}

func (c *consoleBuffer) stdout() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.logs.String()
}

func (c *consoleBuffer) stderr() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.errs.String()
}

// installConsole binds console.log and console.error on global, each
// accepting a variadic argument list formatted space-joined into one line.
// Timers, network, filesystem, and require/import are never bound: the
// sandbox's capability surface is exactly console plus plain JavaScript.
func installConsole(iso *v8.Isolate, global *v8.ObjectTemplate, console *consoleBuffer) error {
	consoleNS := v8.NewObjectTemplate(iso)

	logFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		console.appendLog(formatConsoleArgs(info))

		return v8.Undefined(iso)
	})

	errFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		console.appendErr(formatConsoleArgs(info))

		return v8.Undefined(iso)
	})

	if err := consoleNS.Set("log", logFn, v8.ReadOnly); err != nil {
		return err
	}

	if err := consoleNS.Set("error", errFn, v8.ReadOnly); err != nil {
		return err
	}

	return global.Set("console", consoleNS, v8.ReadOnly)
}

func formatConsoleArgs(info *v8.FunctionCallbackInfo) string {
	args := info.Args()
	parts := make([]string, len(args))

	for i, arg := range args {
		parts[i] = arg.String()
	}

	return strings.Join(parts, " ")
}
