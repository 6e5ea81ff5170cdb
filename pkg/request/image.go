package request

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog/log"

	"fetchq/pkg/bandwidth"
	"fetchq/pkg/transport"
)

// ImageDecoder turns encoded image bytes into a raster. Decoding is an
// external concern; StdDecoder is the fallback.
type ImageDecoder interface {
	Decode(data []byte, contentType string) (image.Image, error)
}

// StdDecoder decodes with the standard library's registered formats.
type StdDecoder struct{}

// Decode decodes data, ignoring the declared content type in favor of
// sniffing.
func (StdDecoder) Decode(data []byte, _ string) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// ImageRequest fetches and decodes an image. Image requests run at low
// priority, drain LIFO so the most recently requested image decodes
// first, and serialize their parse under the pipeline-wide mutex to cap
// peak heap.
type ImageRequest struct {
	*BaseRequest
	listener func(image.Image)
	decoder  ImageDecoder
	monitor  *bandwidth.Monitor
}

// NewImageRequest creates an image request for the given URL.
func NewImageRequest(url string, listener func(image.Image), errListener func(error)) *ImageRequest {
	r := &ImageRequest{
		BaseRequest: NewBaseRequest("GET", url, errListener),
		listener:    listener,
		decoder:     StdDecoder{},
	}
	r.SetPriority(PriorityLow)
	r.SetFifoProcessed(false)
	r.SetNeedsParseSerialization(true)
	return r
}

// SetDecoder replaces the decoder.
func (r *ImageRequest) SetDecoder(d ImageDecoder) {
	r.decoder = d
}

// SetMonitor wires the bandwidth monitor fed by this request's
// download timings.
func (r *ImageRequest) SetMonitor(m *bandwidth.Monitor) {
	r.monitor = m
}

// ParseNetworkResponse decodes the image bytes. A decoder panic on a
// hostile or huge payload is caught, logged with the byte count and URL,
// and surfaced as a parse error naming the byte count.
func (r *ImageRequest) ParseNetworkResponse(resp *transport.NetworkResponse) (_ *Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Int("bytes", len(resp.Data)).
				Str("url", r.URL()).
				Interface("panic", rec).
				Msg("Image decode panicked")
			err = transport.NewError(transport.KindParse,
				fmt.Sprintf("decode panic on %d bytes", len(resp.Data)), nil)
		}
	}()

	if r.monitor != nil && r.RequestTime() >= 0 {
		r.monitor.Add(len(resp.Data), r.RequestTime())
	}

	img, decErr := r.decoder.Decode(resp.Data, resp.Headers["Content-Type"])
	if decErr != nil {
		return nil, transport.NewError(transport.KindParse, "decode image", decErr)
	}
	return &Response{
		Value:      img,
		CacheEntry: NewCacheEntry(resp, r, true),
	}, nil
}

// DeliverResponse invokes the listener with the decoded raster.
func (r *ImageRequest) DeliverResponse(value any) {
	if img, ok := value.(image.Image); ok && r.listener != nil {
		r.listener(img)
	}
}

var (
	_ Request = (*ImageRequest)(nil)
	_ Request = (*StringRequest)(nil)
)
