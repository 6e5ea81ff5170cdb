// Package transport defines the HTTP execution contract for the request
// pipeline: the network response shape, the error taxonomy with status
// and timing, the per-request retry policy, and a default
// net/http-backed Transport.
package transport
