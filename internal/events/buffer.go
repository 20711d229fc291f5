package events

import "sync"

// RingBuffer keeps the most recent events in insertion order.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	next   int
	count  int
	total  uint64
}

func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{events: make([]Event, size)}
}

func (rb *RingBuffer) Add(e Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.events[rb.next] = e
	rb.next = (rb.next + 1) % len(rb.events)
	if rb.count < len(rb.events) {
		rb.count++
	}
	rb.total++
}

// at returns the i-th oldest buffered event. Callers hold the lock.
func (rb *RingBuffer) at(i int) Event {
	start := rb.next - rb.count
	if start < 0 {
		start += len(rb.events)
	}
	return rb.events[(start+i)%len(rb.events)]
}

// Snapshot returns every buffered event, oldest first.
func (rb *RingBuffer) Snapshot() []Event {
	return rb.Last(0, nil)
}

// Last returns up to n of the newest events accepted by keep, oldest first.
// n <= 0 means no limit and a nil keep accepts everything.
func (rb *RingBuffer) Last(n int, keep func(Event) bool) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := []Event{}
	for i := rb.count - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		if e := rb.at(i); keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Total returns how many events were ever added, including overwritten ones.
func (rb *RingBuffer) Total() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total
}

// Clear empties the buffer and resets the total.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	clear(rb.events)
	rb.next = 0
	rb.count = 0
	rb.total = 0
}
