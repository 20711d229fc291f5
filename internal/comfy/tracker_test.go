package comfy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// newTestSub returns a detached subscription the test feeds directly.
func newTestSub() *Subscription {
	return &Subscription{
		ch:   make(chan Event, subscriptionBuffer),
		done: make(chan struct{}),
	}
}

type progressLog struct {
	mu    sync.Mutex
	calls [][2]int
}

func (p *progressLog) sink(value, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, [2]int{value, max})
}

func (p *progressLog) snapshot() [][2]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]int(nil), p.calls...)
}

func trackAsync(tr *Tracker, sub *Subscription, h Handle, sink ProgressFunc) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- tr.Track(context.Background(), sub, h, sink) }()
	return ch
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not resolve")
		return nil
	}
}

func TestTrackerCompletesOnExecuted(t *testing.T) {
	sub := newTestSub()
	tr := NewTracker(time.Second, nil)
	if tr.State() != TrackIdle {
		t.Fatalf("expected idle, got %s", tr.State())
	}

	var progress progressLog
	sub.ch <- Event{Type: EventProgress, PromptID: "p", Value: 1, Max: 20}
	sub.ch <- Event{Type: EventProgress, Value: 2, Max: 20}
	sub.ch <- Event{Type: EventProgress, PromptID: "other", Value: 9, Max: 9}
	sub.ch <- Event{Type: EventExecuting, PromptID: "p", Node: "3", HasNode: true}
	sub.ch <- Event{Type: EventExecuted, PromptID: "p", Node: "9", HasNode: true}

	if err := waitResult(t, trackAsync(tr, sub, Handle{PromptID: "p"}, progress.sink)); err != nil {
		t.Fatalf("expected completion, got %v", err)
	}
	if tr.State() != TrackCompleted {
		t.Errorf("expected completed, got %s", tr.State())
	}

	got := progress.snapshot()
	if len(got) != 2 || got[0] != [2]int{1, 20} || got[1] != [2]int{2, 20} {
		t.Errorf("expected own and unattributed progress only, got %v", got)
	}

	select {
	case <-sub.Done():
	default:
		t.Error("subscription should be closed after tracking")
	}
}

func TestTrackerCompletesOnExecutingNull(t *testing.T) {
	sub := newTestSub()
	tr := NewTracker(time.Second, nil)
	sub.ch <- Event{Type: EventExecuting, PromptID: "p"}

	if err := waitResult(t, trackAsync(tr, sub, Handle{PromptID: "p"}, nil)); err != nil {
		t.Fatalf("expected completion, got %v", err)
	}
	if tr.State() != TrackCompleted {
		t.Errorf("expected completed, got %s", tr.State())
	}
}

func TestTrackerIgnoresOtherPrompts(t *testing.T) {
	sub := newTestSub()
	tr := NewTracker(time.Second, nil)
	result := trackAsync(tr, sub, Handle{PromptID: "p"}, nil)

	sub.ch <- Event{Type: EventExecuted, PromptID: "someone-else", Node: "9", HasNode: true}
	sub.ch <- Event{Type: EventExecutionError, PromptID: "someone-else", ErrorMessage: "boom"}
	sub.ch <- Event{Type: EventExecuting, PromptID: "someone-else"}

	time.Sleep(50 * time.Millisecond)
	if tr.State() != TrackListening {
		t.Fatalf("foreign events must leave the tracker listening, got %s", tr.State())
	}

	sub.ch <- Event{Type: EventExecuted, PromptID: "p", Node: "9", HasNode: true}
	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected completion, got %v", err)
	}
}

func TestTrackerResolvesOnce(t *testing.T) {
	tr := NewTracker(time.Second, nil)
	if err := tr.start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !tr.resolve(TrackCompleted, nil) {
		t.Fatal("first resolution should take effect")
	}
	if tr.resolve(TrackFailed, ErrTrackingFailed) {
		t.Error("second resolution should be ignored")
	}
	if tr.State() != TrackCompleted || tr.Err() != nil {
		t.Errorf("expected completed with no error, got %s %v", tr.State(), tr.Err())
	}

	if err := tr.Track(context.Background(), newTestSub(), Handle{PromptID: "p"}, nil); err == nil {
		t.Error("a resolved tracker must not track again")
	}
}

func TestTrackerExecutionError(t *testing.T) {
	sub := newTestSub()
	tr := NewTracker(time.Second, nil)
	sub.ch <- Event{Type: EventExecutionError, PromptID: "p", ErrorMessage: "CUDA out of memory"}

	err := waitResult(t, trackAsync(tr, sub, Handle{PromptID: "p"}, nil))
	if !errors.Is(err, ErrTrackingFailed) {
		t.Fatalf("expected ErrTrackingFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("expected server message in %v", err)
	}
	if tr.State() != TrackFailed {
		t.Errorf("expected failed, got %s", tr.State())
	}
}

func TestTrackerDrainsBeforeFailingOnDrop(t *testing.T) {
	sub := newTestSub()
	sub.ch <- Event{Type: EventExecuted, PromptID: "p", Node: "9", HasNode: true}
	sub.end(errors.New("connection closed"))

	tr := NewTracker(time.Second, nil)
	if err := tr.Track(context.Background(), sub, Handle{PromptID: "p"}, nil); err != nil {
		t.Fatalf("buffered completion should win over the drop, got %v", err)
	}
}

func TestTrackerFailsOnDrop(t *testing.T) {
	sub := newTestSub()
	sub.end(errors.New("connection closed"))

	tr := NewTracker(time.Second, nil)
	err := tr.Track(context.Background(), sub, Handle{PromptID: "p"}, nil)
	if !errors.Is(err, ErrTrackingFailed) {
		t.Fatalf("expected ErrTrackingFailed, got %v", err)
	}
	if tr.State() != TrackFailed {
		t.Errorf("expected failed, got %s", tr.State())
	}
}

func TestTrackerTimeout(t *testing.T) {
	sub := newTestSub()
	tr := NewTracker(100*time.Millisecond, nil)

	start := time.Now()
	err := tr.Track(context.Background(), sub, Handle{PromptID: "p"}, nil)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTrackingTimedOut) {
		t.Fatalf("expected ErrTrackingTimedOut, got %v", err)
	}
	if elapsed < 100*time.Millisecond || elapsed > 150*time.Millisecond {
		t.Errorf("expected resolution shortly after 100ms, took %s", elapsed)
	}
	if tr.State() != TrackTimedOut {
		t.Errorf("expected timed_out, got %s", tr.State())
	}
}

func TestTrackerContextCancel(t *testing.T) {
	sub := newTestSub()
	tr := NewTracker(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Track(ctx, sub, Handle{PromptID: "p"}, nil)
	if !errors.Is(err, ErrTrackingFailed) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected failed wrapping context.Canceled, got %v", err)
	}
}

func TestNewTrackerDefaultTimeout(t *testing.T) {
	if tr := NewTracker(0, nil); tr.timeout != DefaultTrackTimeout {
		t.Errorf("expected default timeout, got %s", tr.timeout)
	}
}
