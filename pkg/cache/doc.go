// Package cache implements a bounded, disk-backed response cache with a
// hand-rolled binary record format, LRU pruning across eviction classes,
// and write-behind batching for deferred disk writes.
package cache
