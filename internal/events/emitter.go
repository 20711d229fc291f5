// Package events records allow-listed domain events: they are logged,
// kept in a ring buffer for late joiners, fanned out to live subscribers and
// optionally persisted.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var buffer = NewRingBuffer(256)

// Appender persists events. The postgres store implements it.
type Appender interface {
	AppendEvent(ts time.Time, level, name, msg string, fields map[string]interface{}) error
}

var (
	appender       Appender
	appMu          sync.RWMutex
	appErrorLogged bool
)

// SetAppender sets where events are persisted. nil disables persistence.
func SetAppender(a Appender) {
	appMu.Lock()
	appender = a
	appErrorLogged = false
	appMu.Unlock()
}

type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Field returns a string field, or "" when absent.
func (e Event) Field(key string) string {
	if v, ok := e.Fields[key].(string); ok {
		return v
	}
	return ""
}

func Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	if err := Validate(name); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	e := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	logEvent(e)
	buffer.Add(e)
	broadcast(e)

	appMu.RLock()
	a := appender
	errorLogged := appErrorLogged
	appMu.RUnlock()

	// Progress is high volume and only interesting live.
	if a != nil && name != "generation.progress" {
		if err := a.AppendEvent(ts, level, name, msg, fields); err != nil && !errorLogged {
			appMu.Lock()
			first := !appErrorLogged
			appErrorLogged = true
			appMu.Unlock()

			if first {
				// Straight into the buffer; going through Emit again could
				// loop while the store stays down.
				buffer.Add(Event{
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
					Level:     "error",
					Name:      "system.error",
					Message:   "event persistence failed",
					Fields:    map[string]interface{}{"error": err.Error()},
				})
				log.Error().Err(err).Str("component", "events").Msg("event persistence failed")
			}
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return b, nil
}

func logEvent(e Event) {
	lvl, err := zerolog.ParseLevel(e.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	// Progress would drown everything else at info.
	if e.Name == "generation.progress" {
		lvl = zerolog.TraceLevel
	}
	ev := log.WithLevel(lvl).Str("component", "events").Str("event", e.Name)
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg(e.Message)
}

func Snapshot() []Event {
	return buffer.Snapshot()
}

// TotalCount returns the number of events emitted since start.
func TotalCount() uint64 {
	return buffer.Total()
}

// Clear resets the event buffer. Used for testing.
func Clear() {
	buffer.Clear()
}
