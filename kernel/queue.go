package kernel

import "sync"

// queue is the bounded event FIFO. Producers may run on any goroutine; the
// mutex stands in for disabling interrupts around the ring indices. The
// notify channel (capacity 1) wakes the dispatch loop.
type queue struct {
	mu     sync.Mutex
	ring   []event
	head   int
	count  int
	notify chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		ring:   make([]event, capacity),
		notify: make(chan struct{}, 1),
	}
}

// push adds e at the tail, or at the head when urgent. It reports false
// when the queue is full.
func (q *queue) push(e event, urgent bool) bool {
	q.mu.Lock()
	if q.count == len(q.ring) {
		q.mu.Unlock()
		return false
	}
	if urgent {
		q.head = (q.head - 1 + len(q.ring)) % len(q.ring)
		q.ring[q.head] = e
	} else {
		q.ring[(q.head+q.count)%len(q.ring)] = e
	}
	q.count++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop removes the head entry.
func (q *queue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return event{}, false
	}
	e := q.ring[q.head]
	q.ring[q.head] = event{}
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return e, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
