package persistence

import (
	"sync"
	"time"
)

// opQueue is a thread-safe FIFO queue for operation envelopes.
//
// The queue is unbounded so that submitters (the UI thread, feature worker
// threads) never block; the single database worker is the only consumer.
// A nil envelope is the shutdown sentinel.
//
// A buffered signal channel (size 1) coalesces wake-ups so the worker can
// wait with a bound instead of spinning on an empty queue.
type opQueue struct {
	mu     sync.Mutex
	ops    []*Operation
	closed bool
	signal chan struct{}
}

func newOpQueue() *opQueue {
	return &opQueue{
		ops:    make([]*Operation, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Push appends an envelope to the back of the queue.
// Thread-safe: may be called from any goroutine. Never blocks.
// Returns false if the queue is closed.
func (q *opQueue) Push(op *Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.ops = append(q.ops, op)

	// Non-blocking send; the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// PopWait removes and returns the front envelope, waiting up to the given
// duration for one to arrive. Returns ok=false on timeout or when the queue
// is closed and empty. The bounded wait exists so the worker loop can
// periodically re-check its keep-running flag, not for backpressure.
func (q *opQueue) PopWait(d time.Duration) (*Operation, bool) {
	if op, ok := q.tryPop(); ok {
		return op, true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return nil, false
		case _, open := <-q.signal:
			if op, ok := q.tryPop(); ok {
				return op, true
			}
			if !open {
				return nil, false
			}
		}
	}
}

// tryPop attempts to dequeue without blocking.
func (q *opQueue) tryPop() (*Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return nil, false
	}

	op := q.ops[0]

	// Nil out the slot so the backing array does not retain the envelope.
	q.ops[0] = nil
	if len(q.ops) == 1 {
		q.ops = q.ops[:0]
	} else {
		q.ops = q.ops[1:]
	}

	return op, true
}

// Len returns the current queue length.
func (q *opQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Close marks the queue closed and wakes any blocked waiter.
// Pushes after Close are rejected; queued envelopes can still be popped.
func (q *opQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
