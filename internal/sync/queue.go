// ChangeQueue sits between the watch goroutine and the engine: the
// translator appends, the engine pops from the front. Order is arrival
// order and nothing is coalesced, so the engine replays exactly what the
// watcher saw.
package sync

import (
	"log/slog"
	"sync"
)

// ChangeQueue is an unbounded FIFO of pending changes. All methods are safe
// for concurrent use. Ready delivers a wake-up after every Push so the
// consumer can block instead of polling.
type ChangeQueue struct {
	mu     sync.Mutex
	items  []Change
	head   int
	ready  chan struct{} // capacity 1; a pending signal means "look again"
	logger *slog.Logger
}

// NewChangeQueue creates an empty queue.
func NewChangeQueue(logger *slog.Logger) *ChangeQueue {
	logger.Debug("change queue created")

	return &ChangeQueue{
		ready:  make(chan struct{}, 1),
		logger: logger,
	}
}

// Push appends c to the back of the queue and wakes the consumer.
func (q *ChangeQueue) Push(c Change) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()

	q.signal()
}

// Pop removes and returns the change at the front of the queue. The second
// result is false when the queue is empty.
func (q *ChangeQueue) Pop() (Change, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return Change{}, false
	}

	c := q.items[q.head]
	q.items[q.head] = Change{}
	q.head++

	// Reuse the backing array once drained so a long-running daemon does
	// not keep growing it.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}

	return c, true
}

// Len returns the number of changes waiting to be applied.
func (q *ChangeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) - q.head
}

// Ready returns a channel that receives a value after Push. A receive does
// not guarantee the queue is non-empty: a signal may already have been
// consumed by a Pop loop, so callers always re-check with Pop.
func (q *ChangeQueue) Ready() <-chan struct{} {
	return q.ready
}

// signal sends a non-blocking wake-up. If one is already pending the
// consumer has not looked yet and will see this push too.
func (q *ChangeQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
