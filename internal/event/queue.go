package event

import "sync"

// Queue is an unbounded MPSC channel of Event: any number of
// producers may call Enqueue without blocking; exactly one consumer
// goroutine calls Dequeue, which blocks until an event is available or
// the queue is closed. Delivery is FIFO per producer.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []Event
	closed bool
}

// NewQueue builds an empty Queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends event to the tail of the queue and wakes the
// consumer. Never blocks.
func (q *Queue) Enqueue(e Event) {
	q.mu.Lock()
	q.buf = append(q.buf, e)
	q.mu.Unlock()
	q.cond.Signal()
}

// Dequeue blocks until an event is available, returning it and true.
// If the queue is closed and drained, it returns the zero Event and
// false.
func (q *Queue) Dequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return Event{}, false
	}
	e := q.buf[0]
	q.buf = q.buf[1:]
	return e, true
}

// Len returns the current backlog depth, used for overload logging.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Close marks the queue closed; any blocked or future Dequeue drains
// remaining events, then returns false once empty.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
