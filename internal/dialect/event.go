package dialect

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind names the four event shapes a query stream can carry. The
// values double as SSE event names.
type EventKind string

const (
	EventLine   EventKind = "line"
	EventRecord EventKind = "record"
	EventError  EventKind = "error"
	EventDone   EventKind = "done"
)

// Event is one element of a query's output stream. Exactly the fields for
// the event's kind are populated; Data serializes the kind-appropriate
// payload.
type Event struct {
	Kind EventKind

	// Line payload.
	Text string

	// Record payload. Row cells are strings as the CLI printed them; a nil
	// cell is SQL NULL.
	Columns []string
	Row     []*string

	// Error payload.
	Code    string
	Message string
	Detail  string

	// Done payload.
	ElapsedMS int64
}

// Line builds a line event from one CLI output line.
func Line(text string) Event {
	return Event{Kind: EventLine, Text: text}
}

// Record builds a record event for one result row.
func Record(columns []string, row []*string) Event {
	return Event{Kind: EventRecord, Columns: columns, Row: row}
}

// ErrorEvent builds an error event with a stable code from the taxonomy.
func ErrorEvent(code, message, detail string) Event {
	return Event{Kind: EventError, Code: code, Message: message, Detail: detail}
}

// Done builds the terminal event of a stream.
func Done(elapsed time.Duration) Event {
	return Event{Kind: EventDone, ElapsedMS: elapsed.Milliseconds()}
}

// Data returns the JSON payload for the event, shaped per kind. This is
// the body of the SSE data field and the element form of the json/jsonl
// response formats.
func (e Event) Data() ([]byte, error) {
	switch e.Kind {
	case EventRecord:
		return json.Marshal(struct {
			Columns []string  `json:"columns"`
			Row     []*string `json:"row"`
		}{Columns: e.Columns, Row: e.Row})
	case EventError:
		return json.Marshal(struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Detail  string `json:"detail,omitempty"`
		}{Code: e.Code, Message: e.Message, Detail: e.Detail})
	case EventDone:
		return json.Marshal(struct {
			ElapsedMS int64 `json:"elapsed_ms"`
		}{ElapsedMS: e.ElapsedMS})
	default:
		return json.Marshal(struct {
			Text string `json:"text"`
		}{Text: e.Text})
	}
}

// Envelope returns the event as a single tagged JSON object, used by the
// json and jsonl response formats.
func (e Event) Envelope() ([]byte, error) {
	data, err := e.Data()
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type EventKind       `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: e.Kind, Data: data})
}

// ParseCell converts one tab-separated cell into its event representation.
// Empty cells and the literal NULL marker map to SQL NULL.
func ParseCell(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NULL") {
		return nil
	}
	return &s
}
