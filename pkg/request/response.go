package request

import "fetchq/pkg/cache"

// Response is a parsed result headed for delivery.
type Response struct {
	// Value is the parsed body, typed by the concrete request kind.
	Value any

	// CacheEntry is the record to write back to cache, or nil if the
	// response is not cacheable.
	CacheEntry *cache.Entry

	// Intermediate marks a soft-expired cache delivery that will be
	// followed by a network refresh; it does not finish the request.
	Intermediate bool
}
