package request

import (
	"encoding/json"

	"fetchq/pkg/transport"
)

// JSONRequest fetches a body and unmarshals it into T.
type JSONRequest[T any] struct {
	*BaseRequest
	listener func(T)
}

// NewJSONRequest creates a JSON request for the given URL. The listener
// receives the unmarshaled value.
func NewJSONRequest[T any](method, url string, listener func(T), errListener func(error)) *JSONRequest[T] {
	return &JSONRequest[T]{
		BaseRequest: NewBaseRequest(method, url, errListener),
		listener:    listener,
	}
}

// ParseNetworkResponse unmarshals the body into T. A malformed body is
// a parse error; parse errors always deliver.
func (r *JSONRequest[T]) ParseNetworkResponse(resp *transport.NetworkResponse) (*Response, error) {
	var v T
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		return nil, transport.NewError(transport.KindParse, "unmarshal response", err)
	}
	return &Response{
		Value:      v,
		CacheEntry: NewCacheEntry(resp, r, false),
	}, nil
}

// DeliverResponse invokes the listener with the unmarshaled value.
func (r *JSONRequest[T]) DeliverResponse(value any) {
	if v, ok := value.(T); ok && r.listener != nil {
		r.listener(v)
	}
}
