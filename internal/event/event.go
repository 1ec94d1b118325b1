// Package event defines the Event, Queue Item, and Execution Result domain
// types consumed and produced by the Event Queue Processor.
package event

import (
	"encoding/json"
	"errors"
	"time"
)

// Event is a typed record derived from a Metadata Assertion by the external
// Event Analyzer. JSON is kept as opaque text end to end; the engine parses
// it only inside the JavaScript context that needs it, or once here at
// ingestion to validate the minimal schema.
type Event struct {
	ID              int64
	JSON            string
	SourceID        int
	AnalyzerID      int
	AssertionID     int64
	SubjectEntityID *int64
	ObjectEntityID  *int64
	Status          int
	Created         time.Time
}

// QueueItem is one row of event_queue: "this event still owes processing by
// all currently enabled handlers." A nil EventID marks a tombstone left by
// an event that expired before it was processed.
type QueueItem struct {
	EventQueueID int64
	EventID      *int64
	Created      time.Time
}

// ExecutionResult is one outcome of invoking a Handler against an Event.
// Result and Error are never both non-nil. A successful run sets Result to
// the returned array's JSON ("[]" for an empty array), or leaves it nil when
// the handler returned null or undefined; a failed run sets only Error.
// Console holds any console.log/console.error output captured during
// the invocation and never affects that invariant either way.
type ExecutionResult struct {
	ResultID  int64
	HandlerID int64
	EventID   int64
	Result    *string
	Error     *string
	Console   *string
	Created   time.Time
}

// minimalFields is the shape ingestion validates every Event JSON against.
type minimalFields struct {
	Source   *string `json:"source"`
	Analyzer *string `json:"analyzer"`
	Type     *string `json:"type"`
	Subject  *string `json:"subject"`
}

var (
	// ErrInvalidJSON is returned when the event text does not parse as a
	// JSON object.
	ErrInvalidJSON = errors.New("event: payload is not a JSON object")
	// ErrMissingField is returned when a required minimal field is absent.
	ErrMissingField = errors.New("event: missing required field")
)

// ValidateJSON parses raw as a JSON object and checks that source, analyzer,
// type, and subject are all present and non-empty. It returns no parsed
// value: validation is the only place outside the JS context that parses
// the payload, and the parsed form is dropped immediately afterward.
func ValidateJSON(raw string) error {
	var fields minimalFields

	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return ErrInvalidJSON
	}

	switch {
	case fields.Source == nil || *fields.Source == "":
		return missing("source")
	case fields.Analyzer == nil || *fields.Analyzer == "":
		return missing("analyzer")
	case fields.Type == nil || *fields.Type == "":
		return missing("type")
	case fields.Subject == nil || *fields.Subject == "":
		return missing("subject")
	}

	return nil
}

func missing(field string) error {
	return errors.Join(ErrMissingField, errors.New(field))
}
