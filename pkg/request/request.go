package request

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"fetchq/pkg/cache"
	"fetchq/pkg/transport"
)

// Finisher de-registers a finished request from its queue and fans the
// result out to joined duplicates. Implemented by the queue facade.
type Finisher interface {
	FinishRequest(r Request, reason string)
}

// Request is the contract the dispatchers drive. BaseRequest implements
// everything except ParseNetworkResponse and DeliverResponse, which
// concrete kinds provide.
type Request interface {
	transport.Request

	// CacheKey identifies the request in the cache and for join
	// coalescing. By default this is the URL.
	CacheKey() string

	Priority() Priority

	// FifoProcessed reports whether same-priority requests drain in
	// submission order. LIFO is useful for image requests.
	FifoProcessed() bool

	ShouldCache() bool
	ShouldCacheInstantly() bool
	OfflineCache() bool

	// CacheTTL and CacheSoftTTL override the server-derived cache
	// lifetimes when positive.
	CacheTTL() time.Duration
	CacheSoftTTL() time.Duration

	ReturnStrategy() ReturnStrategy

	// NeedsParseSerialization marks memory-heavy parsers that must run
	// under the pipeline-wide parse mutex.
	NeedsParseSerialization() bool

	// Lifecycle, managed by the queue and dispatchers.
	SetSequence(seq int64)
	Sequence() int64
	Cancel()
	IsCanceled() bool
	SetFinished(finished bool)
	IsFinished() bool
	MarkDelivery(t DeliveryType)
	DeliveryType() DeliveryType
	HasResponseDelivered() bool
	SetCacheAnnotation(entry *cache.Entry)
	SetTag(tag any)
	Tag() any
	SetJoined(joined bool)
	IsJoined() bool
	AttachJoiner(r Request)
	TakeJoiners() []Request
	SetLastResponse(resp *Response)
	LastResponse() *Response
	SetLastError(err error)
	LastError() error
	RequestTime() time.Duration
	BirthTime() time.Time
	SetStatus(status int)
	Status() int
	AddMarker(event string)

	// ParseNetworkResponse parses the raw network response on a worker
	// goroutine. Runs for both network responses and synthetic
	// responses built from cache records.
	ParseNetworkResponse(resp *transport.NetworkResponse) (*Response, error)

	// ParseNetworkError may refine a transport error into something
	// more specific. The default returns it unchanged.
	ParseNetworkError(err error) error

	// DeliverResponse hands the parsed value to the listener on the
	// delivery context.
	DeliverResponse(value any)

	// DeliverError routes err to the error listener.
	DeliverError(err error)
}

// BaseRequest carries the shared configuration and lifecycle state.
// Concrete request kinds embed a *BaseRequest and implement parsing and
// delivery.
type BaseRequest struct {
	method      string
	url         string
	errListener func(error)

	canceled atomic.Bool
	finished atomic.Bool
	joined   atomic.Bool

	mu              sync.Mutex
	priority        Priority
	fifo            bool
	shouldCache     bool
	cacheInstantly  bool
	offline         bool
	ttl             time.Duration
	softTTL         time.Duration
	strategy        ReturnStrategy
	retry           transport.RetryPolicy
	serializeParse  bool
	headers         map[string]string
	body            []byte
	bodyContentType string
	tag             any
	seq             int64
	delivery        DeliveryType
	annotation      *cache.Entry
	joiners         []Request
	lastResponse    *Response
	lastErr         error
	requestTime     time.Duration
	status          int
	birth           time.Time
}

// NewBaseRequest creates request state for the given method and URL.
// Defaults: normal priority, FIFO, cached, instant cache writes, Double
// return strategy, default retry policy.
func NewBaseRequest(method, url string, errListener func(error)) *BaseRequest {
	return &BaseRequest{
		method:         method,
		url:            url,
		errListener:    errListener,
		priority:       PriorityNormal,
		fifo:           true,
		shouldCache:    true,
		cacheInstantly: true,
		strategy:       Double,
		retry:          transport.NewDefaultRetryPolicy(),
		requestTime:    -1,
		status:         -1,
		birth:          time.Now(),
	}
}

// Method returns the HTTP method.
func (b *BaseRequest) Method() string { return b.method }

// URL returns the request URL.
func (b *BaseRequest) URL() string { return b.url }

// CacheKey returns the cache key; by default the URL.
func (b *BaseRequest) CacheKey() string { return b.url }

// Headers returns extra request headers.
func (b *BaseRequest) Headers() (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers, nil
}

// SetHeaders replaces the extra request headers.
func (b *BaseRequest) SetHeaders(h map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.headers = h
}

// Body returns the request body, or nil for none.
func (b *BaseRequest) Body() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.body, nil
}

// SetBody sets the request body and its content type.
func (b *BaseRequest) SetBody(body []byte, contentType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.body = body
	b.bodyContentType = contentType
}

// BodyContentType returns the Content-Type for the body.
func (b *BaseRequest) BodyContentType() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bodyContentType
}

func (b *BaseRequest) Priority() Priority {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.priority
}

func (b *BaseRequest) SetPriority(p Priority) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.priority = p
}

func (b *BaseRequest) FifoProcessed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fifo
}

// SetFifoProcessed selects FIFO (true) or LIFO (false) draining within
// the request's priority class. Must be set before submission.
func (b *BaseRequest) SetFifoProcessed(fifo bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fifo = fifo
}

func (b *BaseRequest) ShouldCache() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shouldCache
}

func (b *BaseRequest) SetShouldCache(should bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shouldCache = should
}

func (b *BaseRequest) ShouldCacheInstantly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cacheInstantly
}

// SetShouldCacheInstantly selects between immediate disk writes and the
// cache's write-behind path.
func (b *BaseRequest) SetShouldCacheInstantly(instant bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cacheInstantly = instant
}

func (b *BaseRequest) OfflineCache() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offline
}

// SetOfflineCache protects the cached record from eviction for the
// offline keep window.
func (b *BaseRequest) SetOfflineCache(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

func (b *BaseRequest) CacheTTL() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ttl
}

func (b *BaseRequest) CacheSoftTTL() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.softTTL
}

// SetCacheTTLs overrides the server-derived hard and soft lifetimes.
// Zero leaves the server value in place.
func (b *BaseRequest) SetCacheTTLs(ttl, softTTL time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ttl = ttl
	b.softTTL = softTTL
}

func (b *BaseRequest) ReturnStrategy() ReturnStrategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy
}

func (b *BaseRequest) SetReturnStrategy(s ReturnStrategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strategy = s
}

// RetryPolicy returns the request's retry policy.
func (b *BaseRequest) RetryPolicy() transport.RetryPolicy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retry
}

func (b *BaseRequest) SetRetryPolicy(p transport.RetryPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retry = p
}

func (b *BaseRequest) NeedsParseSerialization() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serializeParse
}

func (b *BaseRequest) SetNeedsParseSerialization(serialize bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serializeParse = serialize
}

// SetSequence stamps the submission sequence. LIFO requests invert the
// number so they sort after every FIFO request of the same priority.
func (b *BaseRequest) SetSequence(seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.fifo {
		seq = math.MaxInt64 - seq
	}
	b.seq = seq
}

func (b *BaseRequest) Sequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Cancel marks this request as canceled. No callback will be delivered.
// Cancellation is monotonic and idempotent.
func (b *BaseRequest) Cancel() {
	b.canceled.Store(true)
}

func (b *BaseRequest) IsCanceled() bool {
	return b.canceled.Load()
}

func (b *BaseRequest) SetFinished(finished bool) {
	b.finished.Store(finished)
}

func (b *BaseRequest) IsFinished() bool {
	return b.finished.Load()
}

// MarkDelivery records the type of the response about to be delivered.
// Only the most recent type is remembered.
func (b *BaseRequest) MarkDelivery(t DeliveryType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivery = t
}

func (b *BaseRequest) DeliveryType() DeliveryType {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delivery
}

// HasResponseDelivered reports whether either a cache or a network
// response has been delivered for this request.
func (b *BaseRequest) HasResponseDelivered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delivery == DeliveryCache || b.delivery == DeliveryNetwork
}

// SetCacheAnnotation attaches a stale cache entry for conditional
// revalidation, so a Not Modified response can be served even if the
// record is evicted meanwhile.
func (b *BaseRequest) SetCacheAnnotation(entry *cache.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.annotation = entry
}

func (b *BaseRequest) CacheAnnotation() *cache.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.annotation
}

// SetTag attaches an opaque token used for bulk cancellation.
func (b *BaseRequest) SetTag(tag any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tag = tag
}

func (b *BaseRequest) Tag() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tag
}

func (b *BaseRequest) SetJoined(joined bool) {
	b.joined.Store(joined)
}

// IsJoined reports whether this request is coalesced onto an in-flight
// duplicate and will receive that request's result.
func (b *BaseRequest) IsJoined() bool {
	return b.joined.Load()
}

// AttachJoiner records a coalesced duplicate to fan the result out to
// on finish.
func (b *BaseRequest) AttachJoiner(r Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joiners = append(b.joiners, r)
}

// TakeJoiners removes and returns the attached duplicates.
func (b *BaseRequest) TakeJoiners() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	js := b.joiners
	b.joiners = nil
	return js
}

// SetLastResponse remembers the most recent delivered response for join
// fan-out.
func (b *BaseRequest) SetLastResponse(resp *Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastResponse = resp
}

func (b *BaseRequest) LastResponse() *Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastResponse
}

func (b *BaseRequest) SetLastError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = err
}

func (b *BaseRequest) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// SetRequestTime records the network time of the last attempt.
func (b *BaseRequest) SetRequestTime(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestTime = d
}

func (b *BaseRequest) RequestTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requestTime
}

// BirthTime returns when the request was created; used for slow-request
// tracing.
func (b *BaseRequest) BirthTime() time.Time {
	return b.birth
}

func (b *BaseRequest) SetStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *BaseRequest) Status() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// AddMarker traces a lifecycle event for debugging.
func (b *BaseRequest) AddMarker(event string) {
	log.Debug().
		Str("url", b.url).
		Int64("sequence", b.Sequence()).
		Str("event", event).
		Msg("Request marker")
}

// ParseNetworkError returns the error unchanged. Concrete kinds may
// override to refine it.
func (b *BaseRequest) ParseNetworkError(err error) error {
	return err
}

// DeliverError routes err to the error listener.
func (b *BaseRequest) DeliverError(err error) {
	if b.errListener != nil {
		b.errListener(err)
	}
}

// Less orders requests by priority descending, then sequence ascending.
func Less(a, b Request) bool {
	pa, pb := a.Priority(), b.Priority()
	if pa != pb {
		return pa > pb
	}
	return a.Sequence() < b.Sequence()
}
