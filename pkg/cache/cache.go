package cache

// Cache is the store the dispatchers program against. DiskCache is the
// production implementation.
type Cache interface {
	// Initialize prepares the store and must complete before any other
	// call. It is invoked synchronously by the request queue on start.
	Initialize() error

	// Get returns the full entry for key, or ErrCacheMiss.
	Get(key string) (*Entry, error)

	// GetHeaders returns the entry metadata for key without its body,
	// or ErrCacheMiss.
	GetHeaders(key string) (*Entry, error)

	// Put stores an entry. When instant is false the write is deferred
	// by the write-behind delay and served from memory meanwhile.
	Put(key string, entry *Entry, instant bool) error

	// Invalidate marks the entry stale. With fullExpire it is also
	// hard-expired.
	Invalidate(key string, fullExpire bool)

	// UpdateEntry asynchronously overlays the entry's metadata while
	// preserving the stored body. Dropped if the record was pruned.
	UpdateEntry(key string, entry *Entry)

	// Remove deletes the entry for key.
	Remove(key string)

	// Clear empties the store.
	Clear()

	// Close stops background workers.
	Close()
}
