package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Magic identifies the current version of the cache record format.
const Magic uint32 = 0x20150218

// neverExpire is the reserved TTL sentinel. Records carrying it are
// refused on write and rejected as corrupt on read.
const neverExpire = math.MaxInt64

// ErrFraming indicates a cache record that could not be decoded: bad
// magic, a short read mid-field, a key mismatch, or a reserved TTL
// sentinel on disk.
var ErrFraming = errors.New("bad record framing")

// header holds the metadata of a cache record without its body.
type header struct {
	// size is the on-disk file length. Not serialized.
	size int64

	key        string
	etag       string
	serverDate int64
	ttl        int64
	softTTL    int64
	keepUntil  int64
	isImage    bool
	headers    map[string]string
}

func newHeader(key string, e *Entry) *header {
	return &header{
		size:       int64(len(e.Data)),
		key:        key,
		etag:       e.ETag,
		serverDate: e.ServerDate,
		ttl:        e.TTL,
		softTTL:    e.SoftTTL,
		keepUntil:  e.KeepUntil,
		isImage:    e.IsImage,
		headers:    e.Headers,
	}
}

// toEntry builds an Entry from the header and the given body. The body
// may be nil for header-only lookups.
func (h *header) toEntry(data []byte) *Entry {
	return &Entry{
		Data:       data,
		ETag:       h.etag,
		ServerDate: h.serverDate,
		TTL:        h.ttl,
		SoftTTL:    h.softTTL,
		KeepUntil:  h.keepUntil,
		IsImage:    h.isImage,
		Headers:    h.headers,
	}
}

func (h *header) isExpired() bool {
	return h.ttl < nowMillis()
}

func (h *header) canEvict() bool {
	return h.keepUntil < nowMillis()
}

// writeHeader serializes the record header: magic, key, etag (empty
// string means absent), the four timestamps, the image flag, and the
// response headers. The body follows the header and runs to the end of
// the file.
func (h *header) writeHeader(w io.Writer) error {
	if h.ttl == neverExpire || h.softTTL == neverExpire {
		return ErrPermacache
	}
	if err := writeUint32(w, Magic); err != nil {
		return err
	}
	if err := writeString(w, h.key); err != nil {
		return err
	}
	if err := writeString(w, h.etag); err != nil {
		return err
	}
	for _, n := range []int64{h.serverDate, h.ttl, h.softTTL, h.keepUntil} {
		if err := writeInt64(w, n); err != nil {
			return err
		}
	}
	var img uint32
	if h.isImage {
		img = 1
	}
	if err := writeUint32(w, img); err != nil {
		return err
	}
	return writeStringMap(w, h.headers)
}

// readHeader decodes a record header from r. When withHeaders is false
// the response-header map is still decoded, to advance past it, but the
// returned header carries an empty map instead.
func readHeader(r io.Reader, withHeaders bool) (*header, error) {
	h := &header{}

	magic, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: magic %#x", ErrFraming, magic)
	}
	if h.key, err = readString(r); err != nil {
		return nil, err
	}
	if h.etag, err = readString(r); err != nil {
		return nil, err
	}
	for _, dst := range []*int64{&h.serverDate, &h.ttl, &h.softTTL, &h.keepUntil} {
		if *dst, err = readInt64(r); err != nil {
			return nil, err
		}
	}
	img, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	h.isImage = img > 0

	// Refuse permacached records.
	if h.ttl == neverExpire || h.softTTL == neverExpire {
		return nil, fmt.Errorf("%w: reserved ttl sentinel", ErrFraming)
	}

	if h.headers, err = readStringMap(r); err != nil {
		return nil, err
	}
	if !withHeaders {
		h.headers = map[string]string{}
	}
	return h, nil
}

// Homebrewed little-endian framing for cache records. Kept free of
// reflection so decoding a record allocates nothing beyond the strings
// and the body buffer.

func writeUint32(w io.Writer, n uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, eofToFraming(err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeInt64(w io.Writer, n int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	_, err := w.Write(b[:])
	return err
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, eofToFraming(err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// writeString writes an i64 byte-length prefix followed by UTF-8 bytes.
// The empty string encodes as length zero.
func writeString(w io.Writer, s string) error {
	if err := writeInt64(w, int64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readInt64(r)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("%w: negative string length %d", ErrFraming, n)
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", eofToFraming(err)
	}
	return string(b), nil
}

// writeStringMap writes a u32 count followed by count key/value string
// pairs. A nil map encodes as count zero.
func writeStringMap(w io.Writer, m map[string]string) error {
	if err := writeUint32(w, uint32(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeString(w, v); err != nil {
			return err
		}
	}
	return nil
}

func readStringMap(r io.Reader) (map[string]string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// eofToFraming folds EOF mid-field into a framing error so truncated
// records are treated the same as corrupt ones.
func eofToFraming(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: short read: %v", ErrFraming, err)
	}
	return err
}

// countingReader tracks bytes consumed so the body length can be
// derived from the file length.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
