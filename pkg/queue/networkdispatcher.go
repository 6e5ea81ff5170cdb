package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fetchq/pkg/cache"
	"fetchq/pkg/logging"
	"fetchq/pkg/request"
	"fetchq/pkg/transport"
)

// networkDispatcher is one worker of the pool executing HTTP exchanges,
// parsing bodies, writing eligible responses back to cache, and posting
// results. Memory-heavy parsers serialize on the shared parse mutex.
type networkDispatcher struct {
	queue     *PriorityQueue
	transport transport.Transport
	cache     cache.Cache
	delivery  *Delivery
	finisher  request.Finisher
	parseMu   *sync.Mutex
	logger    zerolog.Logger
	done      chan struct{}
}

func newNetworkDispatcher(id int, queue *PriorityQueue, t transport.Transport, c cache.Cache,
	delivery *Delivery, finisher request.Finisher, parseMu *sync.Mutex) *networkDispatcher {
	return &networkDispatcher{
		queue:     queue,
		transport: t,
		cache:     c,
		delivery:  delivery,
		finisher:  finisher,
		parseMu:   parseMu,
		logger:    logging.NewLogger(fmt.Sprintf("network-dispatcher-%d", id)),
		done:      make(chan struct{}),
	}
}

func (d *networkDispatcher) start() {
	go d.run()
}

func (d *networkDispatcher) run() {
	defer close(d.done)
	for {
		req, err := d.queue.Take()
		if err != nil {
			return
		}
		d.process(req)
	}
}

func (d *networkDispatcher) process(req request.Request) {
	start := time.Now()

	// A dispatcher never dies: anything unexpected becomes a generic
	// error delivery and the loop continues.
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error().
				Str("url", req.URL()).
				Interface("panic", rec).
				Msg("Unhandled panic in network dispatch")
			err := transport.NewError(transport.KindNetwork,
				fmt.Sprintf("unhandled dispatch failure: %v", rec), nil)
			d.deliverError(req, err, start, true)
		}
	}()

	req.AddMarker("network-queue-take")

	if req.IsCanceled() {
		d.finisher.FinishRequest(req, "network-discard-canceled")
		return
	}

	resp, err := d.transport.PerformRequest(req)
	if err != nil {
		d.deliverError(req, err, start, true)
		return
	}
	req.AddMarker("network-http-complete")
	req.SetStatus(resp.StatusCode)

	// If the server returned 304 and we delivered a response already,
	// don't deliver a second identical response.
	if resp.NotModified {
		if req.HasResponseDelivered() {
			d.finisher.FinishRequest(req, "not-modified-already-delivered")
			return
		}
		req.AddMarker("not-modified-but-will-deliver")
	}

	var parsed *request.Response
	if req.NeedsParseSerialization() {
		d.parseMu.Lock()
		parsed, err = req.ParseNetworkResponse(resp)
		d.parseMu.Unlock()
	} else {
		parsed, err = req.ParseNetworkResponse(resp)
	}
	req.AddMarker("network-parse-complete")
	if err != nil {
		// Parse errors always deliver.
		d.deliverError(req, err, start, false)
		return
	}

	if req.ShouldCache() && parsed.CacheEntry != nil {
		if err := d.cache.Put(req.CacheKey(), parsed.CacheEntry, req.ShouldCacheInstantly()); err == nil {
			req.AddMarker("network-cache-written")
		}
	}

	// The cache response already satisfied the listener; cancel so the
	// delivery becomes a finishing no-op.
	if req.HasResponseDelivered() && req.ReturnStrategy() == request.NetworkIfNoCache {
		req.Cancel()
	}
	req.MarkDelivery(request.DeliveryNetwork)
	d.delivery.PostResponse(req, parsed)
}

// deliverError refines err through the request and posts it, unless a
// prior cache delivery suppresses it for this return strategy.
func (d *networkDispatcher) deliverError(req request.Request, err error, start time.Time, suppressible bool) {
	strategy := req.ReturnStrategy()
	if suppressible && req.HasResponseDelivered() &&
		(strategy == request.NetworkIfNoCache || strategy == request.CacheIfNetworkFails) {
		d.finisher.FinishRequest(req, "network-error-suppressed")
		return
	}

	terr := transport.AsError(err)
	if terr.NetworkTime == 0 {
		terr.NetworkTime = time.Since(start)
	}
	d.delivery.PostError(req, req.ParseNetworkError(terr))
}
