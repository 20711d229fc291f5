package events

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	initial := SubscriberCount()

	sub1 := Subscribe()
	if SubscriberCount() != initial+1 {
		t.Errorf("expected %d subscribers after first subscribe, got %d", initial+1, SubscriberCount())
	}

	sub2 := Subscribe()
	if SubscriberCount() != initial+2 {
		t.Errorf("expected %d subscribers after second subscribe, got %d", initial+2, SubscriberCount())
	}

	Unsubscribe(sub1)
	Unsubscribe(sub1)
	if SubscriberCount() != initial+1 {
		t.Errorf("expected %d subscribers after unsubscribe, got %d", initial+1, SubscriberCount())
	}

	Unsubscribe(sub2)
	if SubscriberCount() != initial {
		t.Errorf("expected %d subscribers after all unsubscribed, got %d", initial, SubscriberCount())
	}
}

func TestBroadcastToSubscribers(t *testing.T) {
	sub := Subscribe()
	defer Unsubscribe(sub)

	Emit("info", "scene.image.started", "test", map[string]interface{}{"scene_id": "s1"})

	select {
	case e := <-sub:
		if e.Name != "scene.image.started" {
			t.Errorf("expected event name 'scene.image.started', got '%s'", e.Name)
		}
		if e.Field("scene_id") != "s1" {
			t.Errorf("expected scene_id 's1', got '%v'", e.Fields["scene_id"])
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for broadcast event")
	}
}

func TestEmitRejectsUnknownEvent(t *testing.T) {
	if _, err := Emit("info", "node.started", "", nil); err == nil {
		t.Error("expected error for event outside the allow-list")
	}
}

func TestRecentEvents(t *testing.T) {
	Clear()

	for i := 0; i < 10; i++ {
		Emit("info", "project.created", "", map[string]interface{}{"i": i})
	}

	recent := RecentEvents(5)
	if len(recent) != 5 {
		t.Errorf("expected 5 recent events, got %d", len(recent))
	}
	if recent[0].Fields["i"] != 5 {
		t.Errorf("expected first recent event i=5, got %v", recent[0].Fields["i"])
	}

	if all := RecentEvents(100); len(all) != 10 {
		t.Errorf("expected 10 events when requesting 100, got %d", len(all))
	}
	if zero := RecentEvents(0); len(zero) != 10 {
		t.Errorf("expected 10 events when requesting 0, got %d", len(zero))
	}
	if TotalCount() != 10 {
		t.Errorf("expected total 10, got %d", TotalCount())
	}
}

func TestRecentMatching(t *testing.T) {
	Clear()
	for i := 0; i < 6; i++ {
		project := "a"
		if i%2 == 1 {
			project = "b"
		}
		Emit("info", "generation.progress", "", map[string]interface{}{"project_id": project, "i": i})
	}

	got := RecentMatching(2, func(e Event) bool { return e.Field("project_id") == "b" })
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Fields["i"] != 3 || got[1].Fields["i"] != 5 {
		t.Errorf("expected i=3 then i=5, got %v and %v", got[0].Fields["i"], got[1].Fields["i"])
	}
}

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Add(Event{Fields: map[string]interface{}{"i": i}})
	}
	snap := rb.Snapshot()
	if len(snap) != 3 || snap[0].Fields["i"] != 2 || snap[2].Fields["i"] != 4 {
		t.Errorf("unexpected snapshot %v", snap)
	}
	if rb.Total() != 5 {
		t.Errorf("expected total 5, got %d", rb.Total())
	}
}

func TestMultipleSubscribersReceiveEvents(t *testing.T) {
	sub1 := Subscribe()
	sub2 := Subscribe()
	defer Unsubscribe(sub1)
	defer Unsubscribe(sub2)

	Emit("info", "scene.video.started", "", map[string]interface{}{"scene_id": "intro"})

	for i, sub := range []Subscriber{sub1, sub2} {
		select {
		case e := <-sub:
			if e.Name != "scene.video.started" {
				t.Errorf("sub%d: expected 'scene.video.started', got '%s'", i+1, e.Name)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("sub%d: timeout waiting for event", i+1)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	sub := Subscribe()
	Unsubscribe(sub)

	if _, ok := <-sub; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestCloseAllSubscribers(t *testing.T) {
	CloseAllSubscribers()

	sub1 := Subscribe()
	sub2 := Subscribe()
	sub3 := Subscribe()

	if SubscriberCount() != 3 {
		t.Errorf("expected 3 subscribers, got %d", SubscriberCount())
	}

	CloseAllSubscribers()

	_, ok1 := <-sub1
	_, ok2 := <-sub2
	_, ok3 := <-sub3
	if ok1 || ok2 || ok3 {
		t.Error("expected all channels to be closed")
	}
	if SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after CloseAllSubscribers, got %d", SubscriberCount())
	}

	// Unsubscribing after a global close must not panic.
	Unsubscribe(sub1)
}

type recordingAppender struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (r *recordingAppender) AppendEvent(ts time.Time, level, name, msg string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return r.err
}

func TestEmitPersistsExceptProgress(t *testing.T) {
	rec := &recordingAppender{}
	SetAppender(rec)
	defer SetAppender(nil)

	Emit("info", "project.created", "", nil)
	Emit("debug", "generation.progress", "", map[string]interface{}{"value": 1})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.names) != 1 || rec.names[0] != "project.created" {
		t.Errorf("expected only project.created persisted, got %v", rec.names)
	}
}

func TestEmitReportsPersistenceFailureOnce(t *testing.T) {
	Clear()
	SetAppender(&recordingAppender{err: errors.New("db down")})
	defer SetAppender(nil)

	Emit("info", "project.created", "", nil)
	Emit("info", "project.created", "", nil)

	count := 0
	for _, e := range Snapshot() {
		if e.Name == "system.error" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected one system.error, got %d", count)
	}
}

func TestSubscribeMatchingFiltersEvents(t *testing.T) {
	sub := SubscribeMatching(func(e Event) bool { return e.Field("project_id") == "p1" })
	defer Unsubscribe(sub)

	Emit("info", "project.status", "", map[string]interface{}{"project_id": "p2"})
	Emit("info", "project.status", "", map[string]interface{}{"project_id": "p1"})

	select {
	case e := <-sub:
		if e.Field("project_id") != "p1" {
			t.Errorf("expected only p1 events, got %v", e.Fields)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for matching event")
	}
	select {
	case e := <-sub:
		t.Errorf("unexpected extra event %v", e.Fields)
	default:
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	sub := Subscribe()
	defer Unsubscribe(sub)

	before := Dropped()
	for i := 0; i < subscriberBuffer+5; i++ {
		Emit("debug", "generation.stage", "", map[string]interface{}{"i": i})
	}
	if got := Dropped() - before; got < 5 {
		t.Errorf("expected at least 5 dropped deliveries, got %d", got)
	}
}

func TestRingBufferLastWithFilter(t *testing.T) {
	rb := NewRingBuffer(4)
	for i := 0; i < 6; i++ {
		rb.Add(Event{Fields: map[string]interface{}{"i": i}})
	}
	even := rb.Last(0, func(e Event) bool { return e.Fields["i"].(int)%2 == 0 })
	if len(even) != 2 || even[0].Fields["i"] != 2 || even[1].Fields["i"] != 4 {
		t.Errorf("unexpected filtered events %v", even)
	}
	if last := rb.Last(1, nil); len(last) != 1 || last[0].Fields["i"] != 5 {
		t.Errorf("unexpected last event %v", last)
	}
}
