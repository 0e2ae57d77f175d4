package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies backend failures for the retry policy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	Timeout
	AuthFailure
	TransportError
	ModelRefusal
	RateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "Timeout"
	case AuthFailure:
		return "AuthFailure"
	case TransportError:
		return "TransportError"
	case ModelRefusal:
		return "ModelRefusal"
	case RateLimited:
		return "RateLimited"
	default:
		return "Unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	Kind    ErrorKind
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(backend string, kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Backend: backend, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of a classified error, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// classifyTransport maps errors raised before an HTTP status was seen.
// Cancellation of the caller's context is returned unchanged so it is never retried.
func classifyTransport(ctx context.Context, backend string, err error) error {
	if ctx.Err() == context.Canceled && errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Backend: backend, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: Timeout, Backend: backend, Err: err}
	}
	return &Error{Kind: TransportError, Backend: backend, Err: err}
}

// classifyStatus maps an HTTP status code returned by a remote API.
func classifyStatus(backend string, status int, msg string) *Error {
	kind := TransportError
	switch {
	case status == 401 || status == 403:
		kind = AuthFailure
	case status == 429:
		kind = RateLimited
	case status == 408 || status == 504:
		kind = Timeout
	case status == 400 || status == 404 || status == 422:
		// malformed request or unknown model
		kind = ModelRefusal
	}
	return newError(backend, kind, "status %d: %s", status, msg)
}
