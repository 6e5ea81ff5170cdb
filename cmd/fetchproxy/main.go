// Command fetchproxy is a small HTTP proxy that runs fetches through
// the request pipeline, demonstrating cache hits, coalescing, and
// conditional revalidation.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fetchq/pkg/cache"
	"fetchq/pkg/logging"
	"fetchq/pkg/queue"
	"fetchq/pkg/request"
	"fetchq/pkg/transport"
)

func main() {
	// Configuration from environment
	cacheDir := getEnv("CACHE_DIR", "fetchproxy-cache")
	port := getEnv("PORT", "8080")
	maxBytes := getEnvInt64("CACHE_MAX_BYTES", cache.DefaultMaxBytes)
	poolSize := int(getEnvInt64("POOL_SIZE", queue.DefaultPoolSize))

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: os.Getenv("LOG_PRETTY") != "",
	})

	diskCache := cache.New(cacheDir, maxBytes)
	rq := queue.New(diskCache, transport.NewHTTPTransport(), queue.Options{
		PoolSize: poolSize,
	})
	if err := rq.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start request queue")
	}
	defer func() {
		rq.Stop()
		diskCache.Close()
	}()

	http.HandleFunc("/health", healthHandler)
	http.HandleFunc("/fetch", fetchHandler(rq))
	http.Handle("/metrics", promhttp.Handler())

	addr := ":" + port
	logger.Info().Str("addr", addr).Str("cache_dir", cacheDir).Msg("Starting fetch proxy")

	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// fetchHandler proxies /fetch?url=... through the pipeline and returns
// the first delivered body. The request uses the NetworkIfNoCache
// strategy: a fresh cache hit answers without a network exchange, and
// after a soft-expired cache hit the network refresh is not delivered.
func fetchHandler(rq *queue.RequestQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		if target == "" {
			http.Error(w, "missing url parameter", http.StatusBadRequest)
			return
		}

		type result struct {
			body string
			err  error
		}
		results := make(chan result, 2)

		req := request.NewStringRequest("GET", target,
			func(body string) { results <- result{body: body} },
			func(err error) { results <- result{err: err} })
		req.SetReturnStrategy(request.NetworkIfNoCache)
		rq.Add(req)

		select {
		case res := <-results:
			if res.err != nil {
				http.Error(w, fmt.Sprintf("fetch failed: %v", res.err), http.StatusBadGateway)
				return
			}
			fmt.Fprint(w, res.body)
		case <-time.After(30 * time.Second):
			req.Cancel()
			http.Error(w, "fetch timed out", http.StatusGatewayTimeout)
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
