package events

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives live events. The channel is closed by Unsubscribe or
// CloseAllSubscribers.
type Subscriber chan Event

const subscriberBuffer = 64

// Broadcaster fans events out to subscribers, each with an optional filter.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]func(Event) bool
	dropped     atomic.Uint64
}

var broadcaster = &Broadcaster{
	subscribers: make(map[Subscriber]func(Event) bool),
}

// Subscribe receives every event.
func Subscribe() Subscriber {
	return SubscribeMatching(nil)
}

// SubscribeMatching receives only events for which keep returns true. A nil
// keep matches everything.
func SubscribeMatching(keep func(Event) bool) Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	broadcaster.mu.Lock()
	broadcaster.subscribers[ch] = keep
	broadcaster.mu.Unlock()
	return ch
}

// Unsubscribe removes sub and closes its channel. Unknown subscribers are
// ignored.
func Unsubscribe(sub Subscriber) {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if _, ok := broadcaster.subscribers[sub]; !ok {
		return
	}
	delete(broadcaster.subscribers, sub)
	close(sub)
}

// CloseAllSubscribers closes every subscriber channel. Used on shutdown.
func CloseAllSubscribers() {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	for sub := range broadcaster.subscribers {
		close(sub)
	}
	broadcaster.subscribers = make(map[Subscriber]func(Event) bool)
}

// broadcast never blocks: a subscriber whose buffer is full misses the event.
func broadcast(e Event) {
	broadcaster.mu.RLock()
	defer broadcaster.mu.RUnlock()

	for sub, keep := range broadcaster.subscribers {
		if keep != nil && !keep(e) {
			continue
		}
		select {
		case sub <- e:
		default:
			broadcaster.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func SubscriberCount() int {
	broadcaster.mu.RLock()
	defer broadcaster.mu.RUnlock()
	return len(broadcaster.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// too slow.
func Dropped() uint64 {
	return broadcaster.dropped.Load()
}

// RecentEvents returns the last n buffered events, or all of them when n is
// not positive or exceeds what is buffered.
func RecentEvents(n int) []Event {
	return buffer.Last(n, nil)
}

// RecentMatching returns up to n of the most recent events for which keep
// returns true, oldest first.
func RecentMatching(n int, keep func(Event) bool) []Event {
	return buffer.Last(n, keep)
}
