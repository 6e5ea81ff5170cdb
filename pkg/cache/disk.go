package cache

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fetchq/pkg/logging"
)

const (
	// DefaultMaxBytes is the default maximum disk usage.
	DefaultMaxBytes = 20 << 20

	// DefaultWriteDelay is how long a deferred put stays in memory
	// before it is flushed to disk.
	DefaultWriteDelay = 5 * time.Second

	// hysteresisFactor is the fraction of maxBytes pruning reduces to,
	// so the cache does not thrash at the limit.
	hysteresisFactor = 0.9
)

var _ Cache = (*DiskCache)(nil)

// DiskCache caches records directly on disk in the given root
// directory, one file per entry. An access-ordered in-memory index
// holds the record headers; bodies live only on disk and in the
// write-behind memory map.
type DiskCache struct {
	mu        sync.Mutex
	entries   *index
	totalSize int64

	root     string
	maxBytes int64

	// mem shadows disk for entries whose write is still pending, so
	// reads between put and flush see the new record.
	memMu sync.RWMutex
	mem   map[string]*Entry

	writer     *writeWorker
	writeDelay time.Duration
	logger     zerolog.Logger
}

// New creates a DiskCache rooted at the given directory. A maxBytes of
// zero or less selects DefaultMaxBytes. Initialize must be called
// before use.
func New(root string, maxBytes int64) *DiskCache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &DiskCache{
		entries:    newIndex(),
		root:       root,
		maxBytes:   maxBytes,
		mem:        make(map[string]*Entry),
		writeDelay: DefaultWriteDelay,
		logger:     logging.NewLogger("disk-cache"),
	}
}

// SetWriteDelay overrides the write-behind delay. Call before
// Initialize.
func (c *DiskCache) SetWriteDelay(d time.Duration) {
	c.writeDelay = d
}

// Initialize creates the root directory if missing, scans existing
// record files into the index (headers only), and starts the
// write-behind worker. Unreadable files are deleted.
func (c *DiskCache) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writer = newWriteWorker(c)
	c.writer.start()

	if _, err := os.Stat(c.root); os.IsNotExist(err) {
		if err := os.MkdirAll(c.root, 0o755); err != nil {
			c.logger.Error().Err(err).Str("dir", c.root).Msg("Unable to create cache dir")
			return fmt.Errorf("create cache dir: %w", err)
		}
		return nil
	}

	files, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}
	for _, de := range files {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(c.root, de.Name())
		h, err := scanRecord(path)
		if err != nil {
			c.logger.Debug().Err(err).Str("file", de.Name()).Msg("Deleting unreadable cache file")
			os.Remove(path)
			continue
		}
		c.registerHeader(h.key, h)
	}
	c.logger.Debug().
		Int("entries", c.entries.len()).
		Int64("bytes", c.totalSize).
		Msg("Cache initialized")
	return nil
}

// scanRecord reads the header of a record file without its body; the
// response headers are decoded but not kept. The returned header carries
// the file length.
func scanRecord(path string) (*header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	h, err := readHeader(bufio.NewReader(f), false)
	if err != nil {
		return nil, err
	}
	h.size = fi.Size()
	return h, nil
}

// Get returns the entry for key. The write-behind memory map shadows
// disk. A corrupt or unreadable record degrades to a miss and is
// removed.
func (c *DiskCache) Get(key string) (*Entry, error) {
	if e := c.memGet(key); e != nil {
		CacheHits.WithLabelValues("memory").Inc()
		return e, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *DiskCache) getLocked(key string) (*Entry, error) {
	if e := c.memGet(key); e != nil {
		CacheHits.WithLabelValues("memory").Inc()
		return e, nil
	}
	if c.entries.get(key) == nil {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	e, err := c.readRecord(key)
	if err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("Cache read failed")
		CacheErrors.WithLabelValues("get").Inc()
		c.removeLocked(key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}
	CacheHits.WithLabelValues("disk").Inc()
	return e, nil
}

// readRecord opens the record file for key, decodes the full header,
// and reads exactly fileLength-headerBytes body bytes.
func (c *DiskCache) readRecord(key string) (*Entry, error) {
	f, err := os.Open(c.fileForKey(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	cr := &countingReader{r: f}
	h, err := readHeader(cr, true)
	if err != nil {
		return nil, err
	}
	// A filename hash collision presents as a key mismatch.
	if h.key != key {
		return nil, fmt.Errorf("%w: key mismatch %q", ErrFraming, h.key)
	}

	bodyLen := fi.Size() - cr.n
	if bodyLen < 0 {
		return nil, fmt.Errorf("%w: negative body length", ErrFraming)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(cr, body); err != nil {
		return nil, eofToFraming(err)
	}
	return h.toEntry(body), nil
}

// GetHeaders returns the metadata for key with a nil body.
func (c *DiskCache) GetHeaders(key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.entries.get(key)
	if h == nil {
		return nil, ErrCacheMiss
	}
	return h.toEntry(nil), nil
}

// Put stores an entry for key. With instant false the entry is parked
// in the memory map and a deferred disk write is scheduled; with
// instant true the record is written immediately, pruning first if the
// new body would exceed the size bound.
func (c *DiskCache) Put(key string, entry *Entry, instant bool) error {
	if entry.TTL == neverExpire || entry.SoftTTL == neverExpire {
		c.logger.Warn().Str("key", key).Msg("Refusing to cache permacached entry")
		return ErrPermacache
	}

	if !instant {
		c.memPut(key, entry)
		c.writer.schedulePut(key, time.Now().Add(c.writeDelay))
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(key, entry)
}

func (c *DiskCache) putLocked(key string, entry *Entry) error {
	c.pruneIfNeeded(int64(len(entry.Data)))

	path := c.fileForKey(key)
	err := writeRecord(path, key, entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		c.logger.Debug().Err(err).Str("key", key).Msg("Cache write failed")
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			c.logger.Debug().Err(rmErr).Str("file", path).Msg("Could not clean up file")
		}
		c.memRemove(key)
		return err
	}

	h := newHeader(key, entry)
	// The indexed size is the on-disk file length, header included.
	if fi, statErr := os.Stat(path); statErr == nil {
		h.size = fi.Size()
	}
	c.registerHeader(key, h)
	c.memRemove(key)
	return nil
}

func writeRecord(path, key string, entry *Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	h := newHeader(key, entry)
	if err := h.writeHeader(bw); err != nil {
		f.Close()
		return err
	}
	if _, err := bw.Write(entry.Data); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Invalidate soft-expires the entry for key, and hard-expires it too
// when fullExpire is set. The record is rewritten instantly and remains
// readable.
func (c *DiskCache) Invalidate(key string, fullExpire bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.getLocked(key)
	if err != nil {
		return
	}
	e.SoftTTL = 0
	if fullExpire {
		e.TTL = 0
	}
	if err := c.putLocked(key, e); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("Invalidate rewrite failed")
	}
}

// UpdateEntry asynchronously overlays the metadata of the stored record
// with the given entry's, preserving the stored body. Dropped if the
// record is gone by the time the worker runs.
func (c *DiskCache) UpdateEntry(key string, entry *Entry) {
	c.writer.scheduleUpdate(key, entry)
}

func (c *DiskCache) updateEntrySync(key string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.getLocked(key)
	if err != nil {
		// Entry has been pruned.
		return
	}
	entry.Data = cur.Data
	if err := c.putLocked(key, entry); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("Entry update failed")
	}
}

// Remove deletes the entry for key if it exists.
func (c *DiskCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.fileForKey(key)); err != nil && !os.IsNotExist(err) {
		c.logger.Debug().Err(err).Str("key", key).Msg("Could not delete cache entry")
	}
	c.removeLocked(key)
}

// Clear deletes every cached file and empties the index, the memory
// map, and any pending deferred writes.
func (c *DiskCache) Clear() {
	c.mu.Lock()
	files, err := os.ReadDir(c.root)
	if err == nil {
		for _, de := range files {
			os.Remove(filepath.Join(c.root, de.Name()))
		}
	}
	c.entries.clear()
	c.totalSize = 0
	CacheSize.Set(0)
	c.memClear()
	c.mu.Unlock()

	// Outside the lock: the worker may be blocked on it mid-update.
	c.writer.clear()
	c.logger.Debug().Msg("Cache cleared")
}

// Close stops the write-behind worker. Pending deferred writes are
// dropped.
func (c *DiskCache) Close() {
	if c.writer != nil {
		c.writer.stop()
	}
}

// Root returns the cache root directory.
func (c *DiskCache) Root() string {
	return c.root
}

// TotalSize returns the current accounted size in bytes.
func (c *DiskCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// registerHeader indexes h under key and adjusts the size accounting.
func (c *DiskCache) registerHeader(key string, h *header) {
	if old := c.entries.peek(key); old != nil {
		c.totalSize += h.size - old.size
	} else {
		c.totalSize += h.size
	}
	c.entries.put(key, h)
	CacheSize.Set(float64(c.totalSize))
}

func (c *DiskCache) removeLocked(key string) {
	if h := c.entries.peek(key); h != nil {
		c.totalSize -= h.size
		c.entries.remove(key)
		CacheSize.Set(float64(c.totalSize))
	}
	c.memRemove(key)
}

type pruneState int

const (
	pruneExpired pruneState = iota
	pruneImages
	pruneEvictable
	pruneAll
)

func (s pruneState) String() string {
	switch s {
	case pruneExpired:
		return "expired"
	case pruneImages:
		return "images"
	case pruneEvictable:
		return "evictable"
	default:
		return "all"
	}
}

// pruneIfNeeded evicts records until neededSpace more bytes fit under
// the hysteresis floor. Passes run in strict order; within a pass,
// candidates go oldest-accessed first.
func (c *DiskCache) pruneIfNeeded(neededSpace int64) {
	if c.totalSize+neededSpace < c.maxBytes {
		return
	}

	before := c.totalSize
	pruned := 0
	start := time.Now()

	for _, state := range []pruneState{pruneExpired, pruneImages, pruneEvictable, pruneAll} {
		pruned += c.pruneItems(neededSpace, state)
		if c.prunedEnough(neededSpace) {
			break
		}
	}

	c.logger.Debug().
		Int("files", pruned).
		Int64("bytes", before-c.totalSize).
		Dur("elapsed", time.Since(start)).
		Msg("Pruned cache entries")
}

func (c *DiskCache) pruneItems(neededSpace int64, state pruneState) int {
	pruned := 0
	for _, h := range c.entries.oldestFirst() {
		evict := false
		switch state {
		case pruneExpired:
			evict = h.isExpired()
		case pruneImages:
			evict = h.isImage && h.canEvict()
		case pruneEvictable:
			evict = h.canEvict()
		case pruneAll:
			evict = true
		}
		if !evict {
			continue
		}

		if err := os.Remove(c.fileForKey(h.key)); err != nil && !os.IsNotExist(err) {
			c.logger.Debug().Err(err).Str("key", h.key).Msg("Could not delete cache entry")
			continue
		}
		c.totalSize -= h.size
		c.entries.remove(h.key)
		CachePruned.WithLabelValues(state.String()).Inc()
		pruned++

		if c.prunedEnough(neededSpace) {
			break
		}
	}
	CacheSize.Set(float64(c.totalSize))
	return pruned
}

func (c *DiskCache) prunedEnough(neededSpace int64) bool {
	return float64(c.totalSize+neededSpace) < float64(c.maxBytes)*hysteresisFactor
}

// filenameForKey derives a pseudo-unique filename by hashing the two
// halves of the key independently and concatenating the decimal forms.
// Collisions surface as key-mismatch read failures and are handled as
// misses.
func filenameForKey(key string) string {
	half := len(key) / 2
	return strconv.FormatUint(uint64(hash32(key[:half])), 10) +
		strconv.FormatUint(uint64(hash32(key[half:])), 10)
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func (c *DiskCache) fileForKey(key string) string {
	return filepath.Join(c.root, filenameForKey(key))
}

func (c *DiskCache) memGet(key string) *Entry {
	c.memMu.RLock()
	defer c.memMu.RUnlock()
	return c.mem[key]
}

func (c *DiskCache) memPut(key string, e *Entry) {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	c.mem[key] = e
}

// memTake removes and returns the pending entry for key.
func (c *DiskCache) memTake(key string) *Entry {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	e := c.mem[key]
	delete(c.mem, key)
	return e
}

func (c *DiskCache) memRemove(key string) {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	delete(c.mem, key)
}

func (c *DiskCache) memClear() {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	c.mem = make(map[string]*Entry)
}
