package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"fetchq/pkg/cache"
	"fetchq/pkg/logging"
)

// HTTPTransport executes requests over net/http. Per-attempt timeouts
// come from the request's retry policy; retryable failures consume the
// policy's budget and back off its timeout.
type HTTPTransport struct {
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPTransport creates a transport backed by its own http.Client.
// The client carries no global timeout; attempts are bounded per
// request by the retry policy.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{},
		logger: logging.NewLogger("transport"),
	}
}

// NewHTTPTransportWithClient creates a transport over an existing
// client (for testing).
func NewHTTPTransportWithClient(client *http.Client) *HTTPTransport {
	return &HTTPTransport{
		client: client,
		logger: logging.NewLogger("transport"),
	}
}

// PerformRequest executes req, retrying per its retry policy.
func (t *HTTPTransport) PerformRequest(req Request) (*NetworkResponse, error) {
	for {
		start := time.Now()
		resp, err := t.attempt(req)
		elapsed := time.Since(start)
		req.SetRequestTime(elapsed)

		if err == nil {
			TransportRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
			return resp, nil
		}

		terr := AsError(err)
		terr.NetworkTime = elapsed
		if terr.Response != nil {
			TransportRequests.WithLabelValues(strconv.Itoa(terr.Response.StatusCode)).Inc()
		}
		if !shouldRetry(terr) {
			return nil, terr
		}

		TransportRetries.WithLabelValues(string(terr.Kind)).Inc()
		if budgetErr := req.RetryPolicy().Retry(terr); budgetErr != nil {
			t.logger.Warn().
				Str("url", req.URL()).
				Str("kind", string(terr.Kind)).
				Int("retries", req.RetryPolicy().CurrentRetryCount()).
				Msg("Retry attempts exhausted")
			return nil, terr
		}
		t.logger.Warn().
			Str("url", req.URL()).
			Str("kind", string(terr.Kind)).
			Dur("timeout", req.RetryPolicy().CurrentTimeout()).
			Msg("Retrying request")
	}
}

// shouldRetry retries retryable kinds, except definitive 4xx responses.
func shouldRetry(e *Error) bool {
	if !Retryable(e.Kind) {
		return false
	}
	if e.Response != nil && e.Response.StatusCode >= 400 && e.Response.StatusCode < 500 {
		return false
	}
	return true
}

func (t *HTTPTransport) attempt(req Request) (*NetworkResponse, error) {
	headers, err := req.Headers()
	if err != nil {
		return nil, NewError(KindAuthFailure, "request headers", err)
	}
	body, err := req.Body()
	if err != nil {
		return nil, NewError(KindAuthFailure, "request body", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), req.RetryPolicy().CurrentTimeout())
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method(), req.URL(), bodyReader)
	if err != nil {
		return nil, NewError(KindNetwork, "build request", err)
	}
	for k, v := range headers {
		hreq.Header.Set(k, v)
	}
	if body != nil && req.BodyContentType() != "" {
		hreq.Header.Set("Content-Type", req.BodyContentType())
	}
	addConditionalHeaders(hreq, req.CacheAnnotation())

	hresp, err := t.client.Do(hreq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, NewError(KindNetwork, "read response body", err)
	}

	resp := &NetworkResponse{
		StatusCode: hresp.StatusCode,
		Data:       data,
		Headers:    flattenHeaders(hresp.Header),
	}

	switch {
	case hresp.StatusCode == http.StatusNotModified:
		resp.NotModified = true
		// A 304 carries no body; serve the annotated entry's bytes and
		// fold its headers under the fresh ones.
		if ce := req.CacheAnnotation(); ce != nil {
			resp.Data = ce.Data
			for k, v := range ce.Headers {
				if _, ok := resp.Headers[k]; !ok {
					resp.Headers[k] = v
				}
			}
		}
		return resp, nil

	case hresp.StatusCode == http.StatusUnauthorized || hresp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindAuthFailure, Response: resp,
			Message: fmt.Sprintf("status %d", hresp.StatusCode)}

	case hresp.StatusCode >= 500:
		return nil, &Error{Kind: KindServer, Response: resp,
			Message: fmt.Sprintf("status %d", hresp.StatusCode)}

	case hresp.StatusCode >= 400:
		return nil, &Error{Kind: KindNetwork, Response: resp,
			Message: fmt.Sprintf("status %d", hresp.StatusCode)}
	}

	return resp, nil
}

// addConditionalHeaders adds If-None-Match or If-Modified-Since from
// the annotated cache entry. ETag wins when both are available.
func addConditionalHeaders(hreq *http.Request, entry *cache.Entry) {
	if entry == nil {
		return
	}
	if entry.ETag != "" {
		hreq.Header.Set("If-None-Match", entry.ETag)
	} else if entry.ServerDate > 0 {
		hreq.Header.Set("If-Modified-Since",
			time.UnixMilli(entry.ServerDate).UTC().Format(http.TimeFormat))
	}
}

func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, "request timed out", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewError(KindNoConnection, "dns lookup failed", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return NewError(KindNoConnection, "connection failed", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NewError(KindNetwork, "http exchange failed", err)
	}
	return NewError(KindNetwork, "http exchange failed", err)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[len(vs)-1]
		}
	}
	return out
}
