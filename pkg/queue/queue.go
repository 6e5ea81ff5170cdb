package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fetchq/pkg/bandwidth"
	"fetchq/pkg/cache"
	"fetchq/pkg/logging"
	"fetchq/pkg/request"
	"fetchq/pkg/transport"
)

const (
	// DefaultPoolSize is the default number of network dispatchers.
	DefaultPoolSize = 4

	// slowRequestThreshold is the lifetime past which a finished
	// request is logged even without debug logging.
	slowRequestThreshold = 3 * time.Second
)

// Options configures a RequestQueue.
type Options struct {
	// PoolSize is the network dispatcher count. Zero selects
	// DefaultPoolSize.
	PoolSize int

	// Poster is the delivery context. Nil selects an owned
	// SerialExecutor, closed on Stop.
	Poster Poster

	// Monitor, if set, is fed by image request timings.
	Monitor *bandwidth.Monitor
}

// RequestQueue is the pipeline facade: it stamps sequences, coalesces
// duplicate in-flight requests by cache key, stages requests for the
// dispatchers, and tracks everything in flight for bulk cancellation.
type RequestQueue struct {
	cache     cache.Cache
	transport transport.Transport
	poster    Poster
	ownPoster *SerialExecutor
	monitor   *bandwidth.Monitor
	poolSize  int

	cacheQueue   *PriorityQueue
	networkQueue *PriorityQueue
	cacheDisp    *cacheDispatcher
	networkDisps []*networkDispatcher
	delivery     *Delivery
	parseMu      sync.Mutex

	mu       sync.Mutex
	current  map[request.Request]struct{}
	inFlight map[string]request.Request

	seq     atomic.Int64
	started bool
	logger  zerolog.Logger
}

// New creates a request queue over the given cache and transport.
// Start must be called before Add.
func New(c cache.Cache, t transport.Transport, opts Options) *RequestQueue {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &RequestQueue{
		cache:     c,
		transport: t,
		poster:    opts.Poster,
		monitor:   opts.Monitor,
		poolSize:  poolSize,
		current:   make(map[request.Request]struct{}),
		inFlight:  make(map[string]request.Request),
		logger:    logging.NewLogger("request-queue"),
	}
}

// Start initializes the cache synchronously, then creates and starts
// the staging queues and dispatchers.
func (q *RequestQueue) Start() error {
	if err := q.cache.Initialize(); err != nil {
		return err
	}

	if q.poster == nil {
		q.ownPoster = NewSerialExecutor()
		q.poster = q.ownPoster
	}

	q.cacheQueue = NewPriorityQueue("cache")
	q.networkQueue = NewPriorityQueue("network")
	q.delivery = NewDelivery(q.poster, q)

	q.cacheDisp = newCacheDispatcher(q.cacheQueue, q.networkQueue, q.cache, q.delivery, q)
	q.cacheDisp.start()

	q.networkDisps = make([]*networkDispatcher, q.poolSize)
	for i := range q.networkDisps {
		d := newNetworkDispatcher(i, q.networkQueue, q.transport, q.cache, q.delivery, q, &q.parseMu)
		q.networkDisps[i] = d
		d.start()
	}

	q.started = true
	q.logger.Info().Int("pool_size", q.poolSize).Msg("Request queue started")
	return nil
}

// Stop quits all dispatchers and, if owned, the delivery executor.
// Staged requests are not guaranteed to be processed.
func (q *RequestQueue) Stop() {
	if !q.started {
		return
	}
	q.cacheQueue.Stop()
	q.networkQueue.Stop()
	<-q.cacheDisp.done
	for _, d := range q.networkDisps {
		<-d.done
	}
	if q.ownPoster != nil {
		q.ownPoster.Close()
	}
	q.started = false
	q.logger.Info().Msg("Request queue stopped")
}

// Add submits a request. Uncacheable and network-only requests go
// straight to network staging; otherwise a request whose cache key is
// already in flight joins that request instead of executing.
func (q *RequestQueue) Add(r request.Request) request.Request {
	if img, ok := r.(*request.ImageRequest); ok && q.monitor != nil {
		img.SetMonitor(q.monitor)
	}

	r.SetSequence(q.seq.Add(1))
	r.AddMarker("add-to-queue")

	q.mu.Lock()
	q.current[r] = struct{}{}

	if !r.ShouldCache() || r.ReturnStrategy() == request.NetworkOnly {
		q.mu.Unlock()
		q.networkQueue.Put(r)
		return r
	}

	key := r.CacheKey()
	if parent, ok := q.inFlight[key]; ok {
		r.SetJoined(true)
		parent.AttachJoiner(r)
		q.mu.Unlock()
		r.AddMarker("joined-in-flight-request")
		return r
	}
	q.inFlight[key] = r
	q.mu.Unlock()

	q.cacheQueue.Put(r)
	return r
}

// CancelAll cancels every in-flight request carrying the given tag.
func (q *RequestQueue) CancelAll(tag any) {
	if tag == nil {
		return
	}
	q.CancelAllFunc(func(r request.Request) bool {
		return r.Tag() == tag
	})
}

// CancelAllFunc cancels every in-flight request the filter matches. The
// dispatchers finalize canceled requests at their next checkpoint.
func (q *RequestQueue) CancelAllFunc(filter func(request.Request) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for r := range q.current {
		if filter(r) {
			r.Cancel()
		}
	}
}

// FinishRequest de-registers a finished request and fans its result out
// to joined duplicates. Implements request.Finisher.
func (q *RequestQueue) FinishRequest(r request.Request, reason string) {
	r.SetFinished(true)
	r.AddMarker(reason)

	q.mu.Lock()
	delete(q.current, r)
	var joiners []request.Request
	if r.ShouldCache() && !r.IsJoined() {
		key := r.CacheKey()
		if q.inFlight[key] == r {
			delete(q.inFlight, key)
		}
		joiners = r.TakeJoiners()
	}
	q.mu.Unlock()

	RequestsFinished.WithLabelValues(reason).Inc()
	elapsed := time.Since(r.BirthTime())
	RequestDuration.Observe(elapsed.Seconds())
	if elapsed >= slowRequestThreshold {
		q.logger.Warn().
			Str("url", r.URL()).
			Dur("elapsed", elapsed).
			Str("outcome", reason).
			Msg("Slow request")
	}

	for _, j := range joiners {
		q.fanOut(r, j)
	}
}

// fanOut replays the parent's delivered result to a joined duplicate.
func (q *RequestQueue) fanOut(parent, j request.Request) {
	if j.IsCanceled() {
		q.FinishRequest(j, "join-canceled")
		return
	}
	if resp := parent.LastResponse(); resp != nil {
		j.MarkDelivery(parent.DeliveryType())
		q.delivery.PostResponse(j, &request.Response{
			Value:      resp.Value,
			CacheEntry: resp.CacheEntry,
		})
		return
	}
	if err := parent.LastError(); err != nil {
		q.delivery.PostError(j, err)
		return
	}
	q.FinishRequest(j, "join-no-result")
}
