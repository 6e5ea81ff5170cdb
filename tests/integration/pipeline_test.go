// Package integration drives the full pipeline, real disk cache and
// real HTTP transport included, against an httptest backend.
package integration

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fetchq/internal/testutil"
	"fetchq/pkg/cache"
	"fetchq/pkg/queue"
	"fetchq/pkg/request"
	"fetchq/pkg/transport"
)

// backend is a scriptable origin server tracking conditional requests.
type backend struct {
	srv              *httptest.Server
	mu               sync.Mutex
	body             string
	etag             string
	cacheControl     string
	delay            time.Duration
	requestCount     atomic.Int32
	conditionalCount atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{body: "hello", etag: `"v1"`}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.requestCount.Add(1)

		b.mu.Lock()
		body, etag, cc, delay := b.body, b.etag, b.cacheControl, b.delay
		b.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		if inm := r.Header.Get("If-None-Match"); inm != "" {
			b.conditionalCount.Add(1)
			if inm == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		if cc != "" {
			w.Header().Set("Cache-Control", cc)
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) set(body, etag, cacheControl string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.body = body
	b.etag = etag
	b.cacheControl = cacheControl
}

func newPipeline(t *testing.T) (*queue.RequestQueue, *cache.DiskCache) {
	t.Helper()
	diskCache := cache.New(t.TempDir(), 0)
	diskCache.SetWriteDelay(50 * time.Millisecond)

	rq := queue.New(diskCache, transport.NewHTTPTransport(), queue.Options{PoolSize: 2})
	if err := rq.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		rq.Stop()
		diskCache.Close()
	})
	return rq, diskCache
}

// fetch submits a string request and waits for its first result.
func fetch(t *testing.T, rq *queue.RequestQueue, url string) string {
	t.Helper()

	type result struct {
		body string
		err  error
	}
	results := make(chan result, 2)
	req := request.NewStringRequest("GET", url,
		func(s string) { results <- result{body: s} },
		func(err error) { results <- result{err: err} })
	rq.Add(req)

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("fetch %s failed: %v", url, res.err)
		}
		return res.body
	case <-time.After(10 * time.Second):
		t.Fatalf("fetch %s timed out", url)
		return ""
	}
}

func TestPipeline_FetchCachesAndServesFresh(t *testing.T) {
	b := newBackend(t)
	b.set("hello", `"v1"`, "max-age=60")
	rq, diskCache := newPipeline(t)

	if got := fetch(t, rq, b.srv.URL); got != "hello" {
		t.Fatalf("first fetch = %q, want %q", got, "hello")
	}
	if !testutil.Eventually(2*time.Second, func() bool { return diskCache.TotalSize() > 0 }) {
		t.Fatal("response never cached")
	}

	// Fresh hit: served from cache without touching the origin.
	if got := fetch(t, rq, b.srv.URL); got != "hello" {
		t.Fatalf("second fetch = %q, want %q", got, "hello")
	}
	if n := b.requestCount.Load(); n != 1 {
		t.Errorf("origin requests = %d, want 1 (fresh cache hit)", n)
	}
}

func TestPipeline_ConditionalRevalidation(t *testing.T) {
	b := newBackend(t)
	b.set("hello", `"v1"`, "max-age=60")
	rq, diskCache := newPipeline(t)

	if got := fetch(t, rq, b.srv.URL); got != "hello" {
		t.Fatalf("first fetch = %q", got)
	}
	if !testutil.Eventually(2*time.Second, func() bool { return diskCache.TotalSize() > 0 }) {
		t.Fatal("response never cached")
	}

	// Hard-expire the record; the refetch must revalidate with
	// If-None-Match and serve the cached body on the 304.
	diskCache.Invalidate(b.srv.URL, true)

	if got := fetch(t, rq, b.srv.URL); got != "hello" {
		t.Fatalf("revalidated fetch = %q, want cached body", got)
	}
	if n := b.conditionalCount.Load(); n != 1 {
		t.Errorf("conditional requests = %d, want 1", n)
	}
}

func TestPipeline_SoftExpiredDoubleDelivery(t *testing.T) {
	b := newBackend(t)
	b.set("hello", `"v1"`, "max-age=60")
	rq, diskCache := newPipeline(t)

	if got := fetch(t, rq, b.srv.URL); got != "hello" {
		t.Fatalf("first fetch = %q", got)
	}
	if !testutil.Eventually(2*time.Second, func() bool { return diskCache.TotalSize() > 0 }) {
		t.Fatal("response never cached")
	}

	// Soft-expire, change the origin. A Double request sees the stale
	// body first and the fresh one second.
	diskCache.Invalidate(b.srv.URL, false)
	b.set("fresh", `"v2"`, "max-age=60")

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 2)
	req := request.NewStringRequest("GET", b.srv.URL,
		func(s string) {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
			done <- struct{}{}
		}, nil)
	rq.Add(req)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("missing delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "hello" || got[1] != "fresh" {
		t.Fatalf("deliveries = %v, want [hello fresh]", got)
	}
}

func TestPipeline_CoalescesConcurrentFetches(t *testing.T) {
	b := newBackend(t)
	b.set("hello", `"v1"`, "max-age=60")
	b.mu.Lock()
	b.delay = 100 * time.Millisecond
	b.mu.Unlock()
	rq, _ := newPipeline(t)

	const fetchers = 4
	results := make(chan string, fetchers)
	for i := 0; i < fetchers; i++ {
		req := request.NewStringRequest("GET", b.srv.URL,
			func(s string) { results <- s }, nil)
		rq.Add(req)
	}

	for i := 0; i < fetchers; i++ {
		select {
		case got := <-results:
			if got != "hello" {
				t.Errorf("delivery %d = %q, want %q", i, got, "hello")
			}
		case <-time.After(10 * time.Second):
			t.Fatal("missing delivery")
		}
	}
	if n := b.requestCount.Load(); n != 1 {
		t.Errorf("origin requests = %d, want 1 for coalesced fetches", n)
	}
}

func TestPipeline_SurvivesRestartFromDisk(t *testing.T) {
	b := newBackend(t)
	b.set("persisted", `"v1"`, "max-age=60")

	dir := t.TempDir()
	first := cache.New(dir, 0)
	first.SetWriteDelay(50 * time.Millisecond)
	rq1 := queue.New(first, transport.NewHTTPTransport(), queue.Options{PoolSize: 2})
	if err := rq1.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := fetch(t, rq1, b.srv.URL); got != "persisted" {
		t.Fatalf("fetch = %q", got)
	}
	if !testutil.Eventually(2*time.Second, func() bool { return first.TotalSize() > 0 }) {
		t.Fatal("response never cached")
	}
	rq1.Stop()
	first.Close()

	// A new pipeline over the same directory serves from the scanned
	// index without refetching.
	second := cache.New(dir, 0)
	second.SetWriteDelay(50 * time.Millisecond)
	rq2 := queue.New(second, transport.NewHTTPTransport(), queue.Options{PoolSize: 2})
	if err := rq2.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	t.Cleanup(func() {
		rq2.Stop()
		second.Close()
	})

	if got := fetch(t, rq2, b.srv.URL); got != "persisted" {
		t.Fatalf("fetch after restart = %q", got)
	}
	if n := b.requestCount.Load(); n != 1 {
		t.Errorf("origin requests = %d, want 1 (served from rescanned disk)", n)
	}
}
