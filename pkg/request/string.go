package request

import (
	"fetchq/pkg/transport"
)

// StringRequest fetches a body and delivers it as a string.
type StringRequest struct {
	*BaseRequest
	listener func(string)
}

// NewStringRequest creates a string request for the given URL.
func NewStringRequest(method, url string, listener func(string), errListener func(error)) *StringRequest {
	return &StringRequest{
		BaseRequest: NewBaseRequest(method, url, errListener),
		listener:    listener,
	}
}

// ParseNetworkResponse interprets the body as UTF-8 text.
func (r *StringRequest) ParseNetworkResponse(resp *transport.NetworkResponse) (*Response, error) {
	return &Response{
		Value:      string(resp.Data),
		CacheEntry: NewCacheEntry(resp, r, false),
	}, nil
}

// DeliverResponse invokes the listener with the parsed string.
func (r *StringRequest) DeliverResponse(value any) {
	if s, ok := value.(string); ok && r.listener != nil {
		r.listener(s)
	}
}
