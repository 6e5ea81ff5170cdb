package transport

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a request failure.
type Kind string

const (
	// KindAuthFailure represents 401/403 authentication failures.
	KindAuthFailure Kind = "auth_failure"

	// KindNoConnection represents failures to reach the server at all.
	KindNoConnection Kind = "no_connection"

	// KindNetwork represents generic network or protocol failures.
	KindNetwork Kind = "network"

	// KindServer represents 5xx server errors.
	KindServer Kind = "server"

	// KindTimeout represents request timeouts.
	KindTimeout Kind = "timeout"

	// KindParse represents response bodies that failed to parse.
	KindParse Kind = "parse"
)

// Error is a request failure with its classification, the response that
// produced it (if any), and the network time spent.
type Error struct {
	Kind        Kind
	Response    *NetworkResponse
	NetworkTime time.Duration
	Message     string
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error of the given kind wrapping err.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AsError extracts a *Error from err, wrapping foreign errors as
// KindNetwork.
func AsError(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
}

// Retryable reports whether failures of this kind are worth retrying.
// Auth and parse failures are deterministic and are not.
func Retryable(kind Kind) bool {
	switch kind {
	case KindServer, KindTimeout, KindNoConnection, KindNetwork:
		return true
	default:
		return false
	}
}
