package cache

import (
	"container/heap"
	"time"
)

type writeOpKind int

const (
	opPut writeOpKind = iota
	opUpdate
	opClear
)

type writeOp struct {
	kind     writeOpKind
	key      string
	entry    *Entry
	deadline time.Time
}

// writeWorker is the single consumer behind the cache's deferred
// writes. Delayed puts wait in a min-heap keyed by deadline; updates
// run in arrival order.
type writeWorker struct {
	cache *DiskCache
	ops   chan writeOp
	quit  chan struct{}
	done  chan struct{}
}

func newWriteWorker(c *DiskCache) *writeWorker {
	return &writeWorker{
		cache: c,
		ops:   make(chan writeOp, 64),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (w *writeWorker) start() {
	go w.run()
}

func (w *writeWorker) stop() {
	close(w.quit)
	<-w.done
}

// schedulePut queues a deferred flush of the memory-map entry for key.
// If the entry is gone from the map when the deadline fires, the flush
// is a no-op.
func (w *writeWorker) schedulePut(key string, deadline time.Time) {
	select {
	case w.ops <- writeOp{kind: opPut, key: key, deadline: deadline}:
	case <-w.quit:
	}
}

func (w *writeWorker) scheduleUpdate(key string, entry *Entry) {
	select {
	case w.ops <- writeOp{kind: opUpdate, key: key, entry: entry}:
	case <-w.quit:
	}
}

// clear drops all pending deferred writes.
func (w *writeWorker) clear() {
	select {
	case w.ops <- writeOp{kind: opClear}:
	case <-w.quit:
	}
}

func (w *writeWorker) run() {
	defer close(w.done)

	pending := &deadlineHeap{}
	heap.Init(pending)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	rearm := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if pending.Len() > 0 {
			timer.Reset(time.Until((*pending)[0].deadline))
		} else {
			timer.Reset(time.Hour)
		}
	}

	for {
		select {
		case <-w.quit:
			return

		case op := <-w.ops:
			switch op.kind {
			case opPut:
				heap.Push(pending, op)
			case opUpdate:
				w.cache.updateEntrySync(op.key, op.entry)
			case opClear:
				*pending = (*pending)[:0]
			}
			rearm()

		case <-timer.C:
			now := time.Now()
			for pending.Len() > 0 && !(*pending)[0].deadline.After(now) {
				op := heap.Pop(pending).(writeOp)
				if e := w.cache.memTake(op.key); e != nil {
					w.cache.Put(op.key, e, true)
				}
			}
			rearm()
		}
	}
}

// deadlineHeap is a min-heap of delayed puts keyed by deadline.
type deadlineHeap []writeOp

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(writeOp)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	op := old[n-1]
	*h = old[:n-1]
	return op
}
