// Package testutil provides test doubles for the request pipeline.
package testutil

import (
	"sync"
	"time"

	"fetchq/pkg/transport"
)

// FakeTransport is a scripted transport. Responses are served per URL;
// unscripted URLs get a 404.
type FakeTransport struct {
	mu        sync.Mutex
	responses map[string]*transport.NetworkResponse
	errors    map[string]error
	delay     time.Duration

	// Calls counts PerformRequest invocations per URL.
	Calls map[string]int
}

// NewFakeTransport creates an empty scripted transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		responses: make(map[string]*transport.NetworkResponse),
		errors:    make(map[string]error),
		Calls:     make(map[string]int),
	}
}

// Respond scripts a response for url.
func (f *FakeTransport) Respond(url string, resp *transport.NetworkResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = resp
}

// RespondBody scripts a plain 200 with the given body for url.
func (f *FakeTransport) RespondBody(url, body string) {
	f.Respond(url, &transport.NetworkResponse{
		StatusCode: 200,
		Data:       []byte(body),
		Headers:    map[string]string{},
	})
}

// Fail scripts an error for url.
func (f *FakeTransport) Fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[url] = err
}

// SetDelay makes every exchange take at least d.
func (f *FakeTransport) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// CallCount returns how many exchanges ran for url.
func (f *FakeTransport) CallCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[url]
}

// PerformRequest implements transport.Transport.
func (f *FakeTransport) PerformRequest(req transport.Request) (*transport.NetworkResponse, error) {
	f.mu.Lock()
	f.Calls[req.URL()]++
	delay := f.delay
	err := f.errors[req.URL()]
	resp := f.responses[req.URL()]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	start := time.Now()
	defer req.SetRequestTime(time.Since(start) + delay)

	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &transport.NetworkResponse{
			StatusCode: 404,
			Data:       []byte("not found"),
			Headers:    map[string]string{},
		}, nil
	}
	// Copy so parsers and cache writes cannot alias scripted state.
	out := *resp
	return &out, nil
}

// Eventually polls cond every millisecond until it holds or the timeout
// elapses. Returns whether cond held.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
