// Package request defines the typed network request model: static
// configuration (method, URL, priority, caching policy, retry),
// per-request lifecycle state (sequence, cancellation, delivery
// tracking, join coalescing), and the parse/deliver contract concrete
// request kinds implement.
package request
