package queue

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fetchq/internal/testutil"
	"fetchq/pkg/cache"
	"fetchq/pkg/request"
	"fetchq/pkg/transport"
)

// recorder collects deliveries across goroutines.
type recorder struct {
	mu     sync.Mutex
	values []string
	errs   []error
}

func (r *recorder) onValue(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, s)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) valueCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) value(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[i]
}

func newTestPipeline(t *testing.T) (*RequestQueue, *cache.DiskCache, *testutil.FakeTransport) {
	t.Helper()

	diskCache := cache.New(t.TempDir(), 0)
	diskCache.SetWriteDelay(50 * time.Millisecond)
	ft := testutil.NewFakeTransport()

	rq := New(diskCache, ft, Options{PoolSize: 2})
	if err := rq.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		rq.Stop()
		diskCache.Close()
	})
	return rq, diskCache, ft
}

// seedCache plants an entry directly in the cache.
func seedCache(t *testing.T, c *cache.DiskCache, key, body, etag string, ttl, softTTL int64) {
	t.Helper()
	err := c.Put(key, &cache.Entry{
		Data:       []byte(body),
		ETag:       etag,
		ServerDate: time.Now().UnixMilli(),
		TTL:        ttl,
		SoftTTL:    softTTL,
		Headers:    map[string]string{},
	}, true)
	if err != nil {
		t.Fatalf("seed Put failed: %v", err)
	}
}

// settle waits for asynchronous deliveries to drain.
func settle() { time.Sleep(150 * time.Millisecond) }

func TestColdCacheNetworkDelivery(t *testing.T) {
	rq, diskCache, ft := newTestPipeline(t)
	const url = "http://x/a"
	ft.RespondBody(url, "hi")

	rec := &recorder{}
	req := request.NewStringRequest("GET", url, rec.onValue, rec.onError)
	rq.Add(req)

	if !testutil.Eventually(2*time.Second, func() bool { return req.IsFinished() }) {
		t.Fatal("request never finished")
	}
	settle()

	if rec.valueCount() != 1 || rec.value(0) != "hi" {
		t.Fatalf("deliveries = %v, want exactly [hi]", rec.values)
	}
	if rec.errorCount() != 0 {
		t.Fatalf("unexpected errors: %v", rec.errs)
	}

	// The response was written under the cache root with the record
	// magic, and totalSize accounts for the file.
	files, err := os.ReadDir(diskCache.Root())
	if err != nil || len(files) != 1 {
		t.Fatalf("cache root files = %d (%v), want 1", len(files), err)
	}
	raw, err := os.ReadFile(filepath.Join(diskCache.Root(), files[0].Name()))
	if err != nil {
		t.Fatalf("read cache file: %v", err)
	}
	if len(raw) < 4 {
		t.Fatal("cache file too short")
	}
	magic := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	if magic != cache.Magic {
		t.Errorf("file magic = %#x, want %#x", magic, cache.Magic)
	}
	fi, _ := files[0].Info()
	if diskCache.TotalSize() != fi.Size() {
		t.Errorf("TotalSize = %d, want file length %d", diskCache.TotalSize(), fi.Size())
	}
}

func TestSoftExpiredNotModified(t *testing.T) {
	rq, diskCache, ft := newTestPipeline(t)
	const url = "http://x/a"
	now := time.Now().UnixMilli()

	seedCache(t, diskCache, url, "hi", `"v1"`, now+60_000, now-1_000)
	ft.Respond(url, &transport.NetworkResponse{
		StatusCode:  304,
		Data:        []byte{},
		Headers:     map[string]string{},
		NotModified: true,
	})

	rec := &recorder{}
	req := request.NewStringRequest("GET", url, rec.onValue, rec.onError)
	rq.Add(req)

	if !testutil.Eventually(2*time.Second, func() bool { return req.IsFinished() }) {
		t.Fatal("request never finished")
	}
	settle()

	if rec.valueCount() != 1 || rec.value(0) != "hi" {
		t.Fatalf("deliveries = %v, want exactly the cached body", rec.values)
	}
	if ft.CallCount(url) != 1 {
		t.Errorf("transport calls = %d, want 1", ft.CallCount(url))
	}

	// Entry unchanged.
	got, err := diskCache.Get(url)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Data) != "hi" || got.ETag != `"v1"` {
		t.Errorf("entry changed: body %q etag %q", got.Data, got.ETag)
	}
}

func TestHardExpiredRefresh(t *testing.T) {
	rq, diskCache, ft := newTestPipeline(t)
	const url = "http://x/a"
	now := time.Now().UnixMilli()

	seedCache(t, diskCache, url, "hi", `"v1"`, now-1_000, now-2_000)
	ft.RespondBody(url, "hi2")

	rec := &recorder{}
	req := request.NewStringRequest("GET", url, rec.onValue, rec.onError)
	rq.Add(req)

	if !testutil.Eventually(2*time.Second, func() bool { return req.IsFinished() }) {
		t.Fatal("request never finished")
	}
	settle()

	// No cache delivery for a hard-expired entry.
	if rec.valueCount() != 1 || rec.value(0) != "hi2" {
		t.Fatalf("deliveries = %v, want exactly [hi2]", rec.values)
	}

	got, err := diskCache.Get(url)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Data) != "hi2" {
		t.Errorf("cache body = %q, want replaced with %q", got.Data, "hi2")
	}
}

func TestDoubleDelivery(t *testing.T) {
	rq, diskCache, ft := newTestPipeline(t)
	const url = "http://x/a"
	now := time.Now().UnixMilli()

	// Soft-expired entry with a fresh network body behind it.
	seedCache(t, diskCache, url, "hi", `"v1"`, now+60_000, now-1_000)
	ft.RespondBody(url, "hi2")

	rec := &recorder{}
	req := request.NewStringRequest("GET", url, rec.onValue, rec.onError)
	rq.Add(req)

	if !testutil.Eventually(2*time.Second, func() bool { return rec.valueCount() == 2 }) {
		t.Fatalf("deliveries = %v, want two", rec.values)
	}
	if rec.value(0) != "hi" || rec.value(1) != "hi2" {
		t.Errorf("delivery order = %v, want cache then network", rec.values)
	}
}

func TestCoalescing(t *testing.T) {
	rq, _, ft := newTestPipeline(t)
	const url = "http://x/a"
	ft.RespondBody(url, "hi")
	ft.SetDelay(100 * time.Millisecond)

	rec1, rec2 := &recorder{}, &recorder{}
	req1 := request.NewStringRequest("GET", url, rec1.onValue, rec1.onError)
	req2 := request.NewStringRequest("GET", url, rec2.onValue, rec2.onError)
	rq.Add(req1)
	rq.Add(req2)

	if !req2.IsJoined() {
		t.Error("duplicate request did not join the in-flight one")
	}

	ok := testutil.Eventually(3*time.Second, func() bool {
		return rec1.valueCount() == 1 && rec2.valueCount() == 1
	})
	if !ok {
		t.Fatalf("deliveries = %v / %v, want one each", rec1.values, rec2.values)
	}
	if ft.CallCount(url) != 1 {
		t.Errorf("transport calls = %d, want 1", ft.CallCount(url))
	}
	if rec1.value(0) != "hi" || rec2.value(0) != "hi" {
		t.Errorf("bodies = %q / %q, want both %q", rec1.value(0), rec2.value(0), "hi")
	}
}

func TestCancelMidFlight(t *testing.T) {
	rq, diskCache, ft := newTestPipeline(t)
	const url = "http://x/a"
	ft.RespondBody(url, "hi")
	ft.SetDelay(100 * time.Millisecond)

	rec := &recorder{}
	req := request.NewStringRequest("GET", url, rec.onValue, rec.onError)
	rq.Add(req)

	// Let the exchange start, then cancel while it is in flight.
	time.Sleep(30 * time.Millisecond)
	req.Cancel()

	if !testutil.Eventually(3*time.Second, func() bool { return req.IsFinished() }) {
		t.Fatal("request never finished")
	}
	settle()

	if rec.valueCount() != 0 || rec.errorCount() != 0 {
		t.Errorf("listener invoked after cancel: %v %v", rec.values, rec.errs)
	}
	if ft.CallCount(url) != 1 {
		t.Errorf("transport calls = %d, want 1 (cancel must not abort in-flight work)", ft.CallCount(url))
	}
	// The response is still written to cache.
	if _, err := diskCache.Get(url); err != nil {
		t.Errorf("response not cached after cancel: %v", err)
	}
}

func TestNetworkIfNoCacheSuppressesSecondDelivery(t *testing.T) {
	rq, diskCache, ft := newTestPipeline(t)
	const url = "http://x/a"
	now := time.Now().UnixMilli()

	seedCache(t, diskCache, url, "hi", `"v1"`, now+60_000, now-1_000)
	ft.RespondBody(url, "hi2")

	rec := &recorder{}
	req := request.NewStringRequest("GET", url, rec.onValue, rec.onError)
	req.SetReturnStrategy(request.NetworkIfNoCache)
	rq.Add(req)

	if !testutil.Eventually(2*time.Second, func() bool { return req.IsFinished() }) {
		t.Fatal("request never finished")
	}
	settle()

	if rec.valueCount() != 1 || rec.value(0) != "hi" {
		t.Errorf("deliveries = %v, want only the cache response", rec.values)
	}
}

func TestCacheIfNetworkFailsSuppressesError(t *testing.T) {
	rq, diskCache, ft := newTestPipeline(t)
	const url = "http://x/a"
	now := time.Now().UnixMilli()

	seedCache(t, diskCache, url, "hi", `"v1"`, now+60_000, now-1_000)
	ft.Fail(url, transport.NewError(transport.KindServer, "status 500", nil))

	rec := &recorder{}
	req := request.NewStringRequest("GET", url, rec.onValue, rec.onError)
	req.SetReturnStrategy(request.CacheIfNetworkFails)
	rq.Add(req)

	if !testutil.Eventually(2*time.Second, func() bool { return req.IsFinished() }) {
		t.Fatal("request never finished")
	}
	settle()

	if rec.valueCount() != 1 || rec.value(0) != "hi" {
		t.Errorf("deliveries = %v, want the cache response", rec.values)
	}
	if rec.errorCount() != 0 {
		t.Errorf("network error leaked past strategy: %v", rec.errs)
	}
}

func TestNetworkOnlyBypassesCache(t *testing.T) {
	rq, diskCache, ft := newTestPipeline(t)
	const url = "http://x/a"
	now := time.Now().UnixMilli()

	// A perfectly fresh cache entry that must be ignored.
	seedCache(t, diskCache, url, "cached", `"v1"`, now+60_000, now+60_000)
	ft.RespondBody(url, "net")

	rec := &recorder{}
	req := request.NewStringRequest("GET", url, rec.onValue, rec.onError)
	req.SetReturnStrategy(request.NetworkOnly)
	rq.Add(req)

	if !testutil.Eventually(2*time.Second, func() bool { return req.IsFinished() }) {
		t.Fatal("request never finished")
	}
	settle()

	if rec.valueCount() != 1 || rec.value(0) != "net" {
		t.Errorf("deliveries = %v, want [net]", rec.values)
	}
	if ft.CallCount(url) != 1 {
		t.Errorf("transport calls = %d, want 1", ft.CallCount(url))
	}
}

func TestErrorDelivery(t *testing.T) {
	rq, _, ft := newTestPipeline(t)
	const url = "http://x/a"
	ft.Fail(url, transport.NewError(transport.KindTimeout, "request timed out", nil))

	rec := &recorder{}
	req := request.NewStringRequest("GET", url, rec.onValue, rec.onError)
	rq.Add(req)

	if !testutil.Eventually(2*time.Second, func() bool { return rec.errorCount() == 1 }) {
		t.Fatal("error never delivered")
	}
	var te *transport.Error
	if !errors.As(rec.errs[0], &te) || te.Kind != transport.KindTimeout {
		t.Errorf("error = %v, want KindTimeout", rec.errs[0])
	}
}

func TestCancelAllByTag(t *testing.T) {
	rq, _, ft := newTestPipeline(t)
	ft.SetDelay(150 * time.Millisecond)
	ft.RespondBody("http://x/tagged", "a")
	ft.RespondBody("http://x/other", "b")

	recTagged, recOther := &recorder{}, &recorder{}
	tagged := request.NewStringRequest("GET", "http://x/tagged", recTagged.onValue, recTagged.onError)
	tagged.SetTag("screen-1")
	other := request.NewStringRequest("GET", "http://x/other", recOther.onValue, recOther.onError)
	other.SetTag("screen-2")
	rq.Add(tagged)
	rq.Add(other)

	rq.CancelAll("screen-1")

	ok := testutil.Eventually(3*time.Second, func() bool {
		return tagged.IsFinished() && other.IsFinished()
	})
	if !ok {
		t.Fatal("requests never finished")
	}
	settle()

	if recTagged.valueCount() != 0 {
		t.Errorf("canceled request delivered: %v", recTagged.values)
	}
	if recOther.valueCount() != 1 || recOther.value(0) != "b" {
		t.Errorf("unrelated request deliveries = %v, want [b]", recOther.values)
	}
}

func TestUncacheableSkipsCacheQueue(t *testing.T) {
	rq, _, ft := newTestPipeline(t)
	const url = "http://x/a"
	ft.RespondBody(url, "hi")

	rec := &recorder{}
	req := request.NewStringRequest("GET", url, rec.onValue, rec.onError)
	req.SetShouldCache(false)
	rq.Add(req)

	if !testutil.Eventually(2*time.Second, func() bool { return rec.valueCount() == 1 }) {
		t.Fatal("no delivery")
	}
	if ft.CallCount(url) != 1 {
		t.Errorf("transport calls = %d, want 1", ft.CallCount(url))
	}
}
