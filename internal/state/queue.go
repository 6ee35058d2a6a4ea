package state

import (
	"encoding/json"
	"sync"

	"hearth/pkg/slices"
)

// write is one queued durable put, or a flush barrier when barrier is set.
type write struct {
	key     slices.Key
	value   json.RawMessage
	barrier chan struct{}
}

// queue is an unbounded FIFO drained by a single writer, which keeps writes
// to one key in issue order.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []write
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(w write) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, w)
	q.cond.Signal()
	return true
}

// pop blocks until an item is available. ok is false once the queue is
// closed and drained.
func (q *queue) pop() (w write, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return write{}, false
	}
	w = q.items[0]
	q.items[0] = write{}
	q.items = q.items[1:]
	return w, true
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
