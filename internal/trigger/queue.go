package trigger

import (
	"sync"
)

// eventQueue is a thread-safe FIFO queue for trigger events.
//
// The queue is unbounded so trigger sources never block on a slow handler.
// It uses a channel for signaling to enable context-aware waiting in the
// dispatcher loop.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: a buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front event without blocking.
// Returns (Event{}, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close was called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
