package comfy

import (
	"encoding/json"
	"fmt"
)

// Server-sent event types.
const (
	EventStatus          = "status"
	EventProgress        = "progress"
	EventExecuting       = "executing"
	EventExecutionCached = "execution_cached"
	EventExecuted        = "executed"
	EventExecutionStart  = "execution_start"
	EventExecutionError  = "execution_error"
	EventExecutionDone   = "execution_success"
)

// Event is one decoded frame from the server's WebSocket. Which fields are
// set depends on Type; unknown types carry only Type and Raw.
type Event struct {
	Type     string
	PromptID string

	// progress
	Value int
	Max   int

	// executing / executed
	Node    string
	HasNode bool

	// execution_cached
	Nodes []string

	// executed
	Output json.RawMessage

	// execution_error
	ErrorMessage string

	Raw json.RawMessage
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type frameData struct {
	PromptID         string          `json:"prompt_id"`
	Value            int             `json:"value"`
	Max              int             `json:"max"`
	Node             *string         `json:"node"`
	Nodes            []string        `json:"nodes"`
	Output           json.RawMessage `json:"output"`
	ExceptionMessage string          `json:"exception_message"`
	ExceptionType    string          `json:"exception_type"`
}

// ParseEvent decodes a text frame.
func ParseEvent(b []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Event{}, fmt.Errorf("frame has no type")
	}

	ev := Event{Type: f.Type, Raw: f.Data}
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return ev, nil
	}

	var d frameData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		// Status frames and custom node messages may carry shapes we do not
		// model; keep them as opaque events.
		return ev, nil
	}

	ev.PromptID = d.PromptID
	switch f.Type {
	case EventProgress:
		ev.Value, ev.Max = d.Value, d.Max
	case EventExecuting, EventExecuted:
		if d.Node != nil {
			ev.Node, ev.HasNode = *d.Node, true
		}
		ev.Output = d.Output
	case EventExecutionCached:
		ev.Nodes = d.Nodes
	case EventExecutionError:
		ev.ErrorMessage = d.ExceptionMessage
		if ev.ErrorMessage == "" {
			ev.ErrorMessage = d.ExceptionType
		}
	}
	return ev, nil
}
