package queue

import (
	"container/heap"
	"errors"
	"sync"

	"fetchq/pkg/request"
)

// ErrStopped is returned by Take once the queue has been stopped.
var ErrStopped = errors.New("queue stopped")

// PriorityQueue is a blocking queue ordered by priority descending,
// then sequence ascending. Sequence stamping encodes the FIFO/LIFO
// choice, so all FIFO requests at a priority drain before any LIFO
// ones.
type PriorityQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   requestHeap
	stopped bool
	name    string
}

// NewPriorityQueue creates a queue. The name labels its depth metric.
func NewPriorityQueue(name string) *PriorityQueue {
	q := &PriorityQueue{name: name}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put stages a request and wakes one taker.
func (q *PriorityQueue) Put(r request.Request) {
	q.mu.Lock()
	heap.Push(&q.items, r)
	QueueDepth.WithLabelValues(q.name).Set(float64(len(q.items)))
	q.mu.Unlock()
	q.cond.Signal()
}

// Take blocks until a request is available and returns the
// highest-priority one. Returns ErrStopped once the queue is stopped,
// signaling shutdown regardless of remaining items.
func (q *PriorityQueue) Take() (request.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return nil, ErrStopped
	}
	r := heap.Pop(&q.items).(request.Request)
	QueueDepth.WithLabelValues(q.name).Set(float64(len(q.items)))
	return r, nil
}

// Stop wakes all takers with ErrStopped.
func (q *PriorityQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len returns the number of staged requests.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type requestHeap []request.Request

func (h requestHeap) Len() int           { return len(h) }
func (h requestHeap) Less(i, j int) bool { return request.Less(h[i], h[j]) }
func (h requestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(request.Request))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}
