package request

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"fetchq/pkg/cache"
	"fetchq/pkg/transport"
)

// offlineKeepWindow is how long offline-cache records are protected
// from eviction.
const offlineKeepWindow = 7 * 24 * time.Hour

// NewCacheEntry interprets the response's cache headers into a cache
// record. Returns nil when the response must not be cached: the server
// sent no-cache/no-store, or the request carries a TTL override with no
// server cache allowance.
//
// Cache-Control wins over Expires. With neither header the entry is
// still cached, immediately stale, so conditional revalidation can use
// its ETag.
func NewCacheEntry(resp *transport.NetworkResponse, req Request, isImage bool) *cache.Entry {
	now := time.Now().UnixMilli()
	headers := resp.Headers

	serverDate := parseDateMillis(getHeader(headers, "Date"))
	serverExpires := parseDateMillis(getHeader(headers, "Expires"))
	etag := getHeader(headers, "ETag")

	var maxAge int64
	hasCacheControl := false
	if cc := getHeader(headers, "Cache-Control"); cc != "" {
		hasCacheControl = true
		for _, token := range strings.Split(cc, ",") {
			token = strings.TrimSpace(token)
			switch {
			case token == "no-cache" || token == "no-store":
				return nil
			case strings.HasPrefix(token, "max-age="):
				if n, err := strconv.ParseInt(token[len("max-age="):], 10, 64); err == nil {
					maxAge = n
				}
			case token == "must-revalidate" || token == "proxy-revalidate":
				maxAge = 0
			}
		}
	}

	var softExpire int64
	if hasCacheControl {
		softExpire = now + maxAge*1000
	} else if serverDate > 0 && serverExpires >= serverDate {
		softExpire = now + (serverExpires - serverDate)
	}
	ttl := softExpire

	allowed := softExpire > now
	if req.CacheTTL() > 0 || req.CacheSoftTTL() > 0 {
		if !allowed {
			log.Warn().
				Str("url", req.URL()).
				Msg("TTL override without server cache allowance, not caching")
			return nil
		}
		if o := req.CacheTTL(); o > 0 {
			ttl = now + o.Milliseconds()
		}
		if o := req.CacheSoftTTL(); o > 0 {
			softExpire = now + o.Milliseconds()
		}
	}

	var keepUntil int64
	if req.OfflineCache() {
		keepUntil = now + offlineKeepWindow.Milliseconds()
	}

	return &cache.Entry{
		Data:       resp.Data,
		ETag:       etag,
		ServerDate: serverDate,
		TTL:        ttl,
		SoftTTL:    softExpire,
		KeepUntil:  keepUntil,
		IsImage:    isImage,
		Headers:    headers,
	}
}

// getHeader looks name up tolerating the canonicalization net/http
// applies to header names.
func getHeader(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	return headers[http.CanonicalHeaderKey(name)]
}

// parseDateMillis parses an RFC 1123 date header into epoch
// milliseconds, or 0.
func parseDateMillis(value string) int64 {
	if value == "" {
		return 0
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
