package transport

import (
	"time"

	"fetchq/pkg/cache"
)

// Request is the slice of a pipeline request the transport needs to
// execute it.
type Request interface {
	// Method returns the HTTP method.
	Method() string

	// URL returns the request URL.
	URL() string

	// Headers returns extra request headers. An error here is treated
	// as an auth failure.
	Headers() (map[string]string, error)

	// Body returns the request body, or nil for none.
	Body() ([]byte, error)

	// BodyContentType returns the Content-Type for Body.
	BodyContentType() string

	// CacheAnnotation returns the stale cache entry attached for
	// conditional revalidation, or nil.
	CacheAnnotation() *cache.Entry

	// RetryPolicy returns the request's retry policy.
	RetryPolicy() RetryPolicy

	// SetRequestTime records the network time of the last attempt.
	SetRequestTime(d time.Duration)
}

// Transport performs one request/response exchange. Implementations
// must be safe for concurrent use by the dispatcher pool.
type Transport interface {
	PerformRequest(req Request) (*NetworkResponse, error)
}
