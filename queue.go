package voltstream

import (
	"fmt"
	"sync"
	"time"
)

// OverflowPolicy decides what Publish does when the processing queue is full
type OverflowPolicy string

const (
	// OverflowReject refuses the new event with ErrQueueFull
	OverflowReject OverflowPolicy = "reject"
	// OverflowDropOldest discards the oldest queued event to make room
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// eventQueue is a bounded FIFO ring between Publish and the tick loop
type eventQueue struct {
	mu       sync.Mutex
	items    []Event
	head     int
	size     int
	policy   OverflowPolicy
	dropped  int64
	rejected int64
}

func newEventQueue(capacity int, policy OverflowPolicy) *eventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if policy == "" {
		policy = OverflowReject
	}
	return &eventQueue{
		items:  make([]Event, capacity),
		policy: policy,
	}
}

// push enqueues e. It returns the event evicted under drop-oldest, if any.
func (q *eventQueue) push(e Event) (*Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted *Event
	if q.size == len(q.items) {
		switch q.policy {
		case OverflowDropOldest:
			old := q.items[q.head]
			evicted = &old
			q.items[q.head] = Event{}
			q.head = (q.head + 1) % len(q.items)
			q.size--
			q.dropped++
		case OverflowReject:
			q.rejected++
			return nil, ErrQueueFull
		default:
			return nil, fmt.Errorf("unsupported overflow policy %q", q.policy)
		}
	}

	q.items[(q.head+q.size)%len(q.items)] = e
	q.size++
	return evicted, nil
}

// drain removes up to limit events in FIFO order
func (q *eventQueue) drain(limit int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = q.items[q.head]
		q.items[q.head] = Event{}
		q.head = (q.head + 1) % len(q.items)
	}
	q.size -= n
	return out
}

// oldestPending returns the earliest timestamp still queued per stream
func (q *eventQueue) oldestPending() map[string]time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]time.Time)
	for i := 0; i < q.size; i++ {
		e := q.items[(q.head+i)%len(q.items)]
		ts := e.Timestamp()
		if cur, ok := out[e.StreamID()]; !ok || ts.Before(cur) {
			out[e.StreamID()] = ts
		}
	}
	return out
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.size
}

func (q *eventQueue) counters() (dropped, rejected int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dropped, q.rejected
}
