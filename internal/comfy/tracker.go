package comfy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTrackTimeout bounds how long a single execution may run.
const DefaultTrackTimeout = 10 * time.Minute

// ProgressFunc receives step progress for the tracked execution.
type ProgressFunc func(value, max int)

// TrackState is the lifecycle of one Tracker.
type TrackState string

const (
	TrackIdle      TrackState = "idle"
	TrackListening TrackState = "listening"
	TrackCompleted TrackState = "completed"
	TrackFailed    TrackState = "failed"
	TrackTimedOut  TrackState = "timed_out"
)

// Tracker follows one submitted execution over a subscription until it
// completes, fails, or runs out of time. A Tracker is single-use.
type Tracker struct {
	timeout time.Duration
	log     zerolog.Logger

	mu    sync.Mutex
	state TrackState
	err   error
}

// NewTracker returns an idle tracker. timeout <= 0 selects DefaultTrackTimeout.
func NewTracker(timeout time.Duration, logger *zerolog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTrackTimeout
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Tracker{
		timeout: timeout,
		log:     l.With().Str("component", "tracker").Logger(),
		state:   TrackIdle,
	}
}

// State returns the current state.
func (t *Tracker) State() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the resolution error, if any.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tracker) start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TrackIdle {
		return fmt.Errorf("tracker already %s", t.state)
	}
	t.state = TrackListening
	return nil
}

// resolve moves a listening tracker to a terminal state. Only the first
// call has any effect.
func (t *Tracker) resolve(state TrackState, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TrackListening {
		return false
	}
	t.state, t.err = state, err
	return true
}

// Track consumes events from sub until the execution identified by h
// resolves. sink may be nil. sub is closed before Track returns.
func (t *Tracker) Track(ctx context.Context, sub *Subscription, h Handle, sink ProgressFunc) error {
	defer sub.Close()

	if err := t.start(); err != nil {
		return err
	}

	l := t.log.With().Str("prompt_id", h.PromptID).Logger()
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-sub.Events():
			if t.handle(l, ev, h, sink) {
				return t.Err()
			}

		case <-sub.Done():
			// Events buffered before the drop may still hold the resolution.
		drain:
			for {
				select {
				case ev := <-sub.Events():
					if t.handle(l, ev, h, sink) {
						return t.Err()
					}
				default:
					break drain
				}
			}
			cause := sub.Err()
			if cause == nil {
				cause = errors.New("subscription closed")
			}
			t.resolve(TrackFailed, fmt.Errorf("%w: %v", ErrTrackingFailed, cause))
			l.Warn().Err(cause).Msg("event stream ended before completion")
			return t.Err()

		case <-timer.C:
			t.resolve(TrackTimedOut, fmt.Errorf("%w after %s", ErrTrackingTimedOut, t.timeout))
			l.Warn().Dur("timeout", t.timeout).Msg("execution timed out")
			return t.Err()

		case <-ctx.Done():
			t.resolve(TrackFailed, fmt.Errorf("%w: %w", ErrTrackingFailed, ctx.Err()))
			return t.Err()
		}
	}
}

// handle applies one event and reports whether the tracker resolved.
func (t *Tracker) handle(l zerolog.Logger, ev Event, h Handle, sink ProgressFunc) bool {
	ours := ev.PromptID == h.PromptID

	switch ev.Type {
	case EventProgress:
		if sink != nil && (ev.PromptID == "" || ours) {
			sink(ev.Value, ev.Max)
		}

	case EventExecuting:
		if ours && !ev.HasNode {
			return t.complete(l)
		}
		l.Debug().Str("node", ev.Node).Msg("executing")

	case EventExecutionCached:
		l.Debug().Strs("nodes", ev.Nodes).Msg("cached")

	case EventExecuted:
		if ours {
			return t.complete(l)
		}

	case EventExecutionError:
		if ours {
			msg := ev.ErrorMessage
			if msg == "" {
				msg = "execution error"
			}
			if t.resolve(TrackFailed, fmt.Errorf("%w: %s", ErrTrackingFailed, msg)) {
				l.Warn().Str("error", msg).Msg("execution failed")
			}
			return true
		}
	}
	return t.State() != TrackListening
}

func (t *Tracker) complete(l zerolog.Logger) bool {
	if t.resolve(TrackCompleted, nil) {
		l.Debug().Msg("execution completed")
	}
	return true
}
