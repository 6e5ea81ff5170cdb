package queue

import (
	"net/http"

	"github.com/rs/zerolog"

	"fetchq/pkg/cache"
	"fetchq/pkg/logging"
	"fetchq/pkg/request"
	"fetchq/pkg/transport"
)

// cacheDispatcher is the single worker matching incoming requests
// against the cache. Fresh hits deliver directly; stale or missing
// entries forward to the network staging queue, annotated for
// conditional revalidation where possible.
type cacheDispatcher struct {
	cacheQueue   *PriorityQueue
	networkQueue *PriorityQueue
	cache        cache.Cache
	delivery     *Delivery
	finisher     request.Finisher
	logger       zerolog.Logger
	done         chan struct{}
}

func newCacheDispatcher(cacheQueue, networkQueue *PriorityQueue, c cache.Cache,
	delivery *Delivery, finisher request.Finisher) *cacheDispatcher {
	return &cacheDispatcher{
		cacheQueue:   cacheQueue,
		networkQueue: networkQueue,
		cache:        c,
		delivery:     delivery,
		finisher:     finisher,
		logger:       logging.NewLogger("cache-dispatcher"),
		done:         make(chan struct{}),
	}
}

func (d *cacheDispatcher) start() {
	go d.run()
}

func (d *cacheDispatcher) run() {
	defer close(d.done)
	for {
		req, err := d.cacheQueue.Take()
		if err != nil {
			return
		}
		d.process(req)
	}
}

func (d *cacheDispatcher) process(req request.Request) {
	req.AddMarker("cache-queue-take")

	if req.IsCanceled() {
		d.finisher.FinishRequest(req, "cache-discard-canceled")
		return
	}

	key := req.CacheKey()
	hdr, err := d.cache.GetHeaders(key)
	if err != nil {
		req.AddMarker("cache-miss")
		d.networkQueue.Put(req)
		return
	}

	if hdr.IsExpired() {
		req.AddMarker("cache-hit-expired")
		// Annotate with the stale record so the transport can attempt
		// a conditional GET and serve its body on a 304.
		if entry, err := d.cache.Get(key); err == nil {
			req.SetCacheAnnotation(entry)
		}
		d.networkQueue.Put(req)
		return
	}

	entry, err := d.cache.Get(key)
	if err != nil {
		// Header raced an eviction or the record went bad.
		d.networkQueue.Put(req)
		return
	}
	req.AddMarker("cache-hit")

	resp, err := req.ParseNetworkResponse(&transport.NetworkResponse{
		StatusCode: http.StatusOK,
		Data:       entry.Data,
		Headers:    entry.Headers,
	})
	if err != nil {
		d.logger.Debug().Err(err).Str("key", key).Msg("Cached record failed to parse, refetching")
		d.cache.Remove(key)
		d.networkQueue.Put(req)
		return
	}
	req.AddMarker("cache-hit-parsed")

	if !entry.RefreshNeeded() {
		req.MarkDelivery(request.DeliveryCache)
		d.delivery.PostResponse(req, resp)
		return
	}

	// Soft-expired: deliver the cached record now and hit the network
	// for a refresh. The intermediate flag keeps the request alive.
	req.AddMarker("cache-hit-refresh-needed")
	req.SetCacheAnnotation(entry)
	resp.Intermediate = true
	req.MarkDelivery(request.DeliveryCache)
	d.delivery.PostResponseAndRun(req, resp, func() {
		d.networkQueue.Put(req)
	})
}
