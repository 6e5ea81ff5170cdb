package queue

import (
	"sync"

	"fetchq/pkg/request"
)

// Poster runs callbacks on a single logical context, e.g. a UI thread.
// Posted functions for a given request execute in post order.
type Poster interface {
	Post(f func())
}

// SerialExecutor is the default Poster: one goroutine draining an
// unbounded FIFO of callbacks.
type SerialExecutor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// NewSerialExecutor creates and starts a serial executor.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Post enqueues f. Posts after Close are dropped.
func (e *SerialExecutor) Post(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.tasks = append(e.tasks, f)
	e.cond.Signal()
}

// Close drains pending callbacks and stops the executor.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	<-e.done
}

func (e *SerialExecutor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.tasks) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.tasks) == 0 && e.closed {
			e.mu.Unlock()
			return
		}
		f := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()
		f()
	}
}

// Delivery posts parsed responses and errors onto the delivery context.
// A delivery that finds its request canceled at execution time becomes
// a no-op that still finishes the request.
type Delivery struct {
	poster   Poster
	finisher request.Finisher
}

// NewDelivery creates a delivery over the given poster.
func NewDelivery(poster Poster, finisher request.Finisher) *Delivery {
	return &Delivery{
		poster:   poster,
		finisher: finisher,
	}
}

// PostResponse delivers a parsed response.
func (d *Delivery) PostResponse(req request.Request, resp *request.Response) {
	d.post(req, resp, nil, nil)
}

// PostResponseAndRun delivers a parsed response, then runs runnable on
// the delivery context. Used to kick off the network refresh after an
// intermediate cache delivery.
func (d *Delivery) PostResponseAndRun(req request.Request, resp *request.Response, runnable func()) {
	d.post(req, resp, nil, runnable)
}

// PostError routes an error through the request's error listener.
func (d *Delivery) PostError(req request.Request, err error) {
	d.post(req, nil, err, nil)
}

func (d *Delivery) post(req request.Request, resp *request.Response, err error, runnable func()) {
	d.poster.Post(func() {
		if req.IsCanceled() {
			d.finish(req, "canceled-at-delivery")
			return
		}

		if err != nil {
			req.SetLastError(err)
			req.DeliverError(err)
			d.finish(req, "done-with-error")
		} else {
			req.SetLastResponse(resp)
			req.DeliverResponse(resp.Value)
			if resp.Intermediate {
				req.AddMarker("intermediate-response")
			} else {
				d.finish(req, "done")
			}
		}

		if runnable != nil {
			runnable()
		}
	})
}

func (d *Delivery) finish(req request.Request, reason string) {
	if d.finisher != nil {
		d.finisher.FinishRequest(req, reason)
		return
	}
	req.SetFinished(true)
}
