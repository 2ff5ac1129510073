package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind classifies a failed exchange with the analysis service
type Kind string

const (
	KindInvalidRequest Kind = "INVALID_REQUEST"
	KindServerError    Kind = "SERVER_ERROR"
	KindTimeout        Kind = "TIMEOUT"
	KindUnreachable    Kind = "UNREACHABLE"
	KindUnknown        Kind = "UNKNOWN"
)

// Error is the only error type returned by Client operations
type Error struct {
	Kind       Kind
	StatusCode int // set for KindServerError and KindInvalidRequest
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d)", e.Kind, e.StatusCode)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns a short explanation suitable for showing to the user
func (e *Error) Message() string {
	switch e.Kind {
	case KindInvalidRequest:
		return "Invalid request. Please try again."
	case KindServerError:
		return fmt.Sprintf("Server error (%d). Please try again.", e.StatusCode)
	case KindTimeout:
		return "Connection timed out. Check your network."
	case KindUnreachable:
		return "Can't reach server. Check your connection."
	default:
		return "Something went wrong. Please try again."
	}
}

// Message extracts the user facing message from err, falling back to the
// generic message when err did not come from the gateway.
func Message(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Message()
	}
	return (&Error{Kind: KindUnknown}).Message()
}

// IsKind reports whether err is a gateway error of the given kind
func IsKind(err error, kind Kind) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Kind == kind
}

// classifyTransport maps an error from http.Client.Do onto the taxonomy.
// exchangeCtx is the context bounded by the gateway timeout; parentCtx is the caller's.
func classifyTransport(parentCtx, exchangeCtx context.Context, err error) *Error {
	switch {
	case parentCtx.Err() != nil:
		// the caller gave up, not the network
		return &Error{Kind: KindUnknown, Err: parentCtx.Err()}
	case errors.Is(exchangeCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return &Error{Kind: KindUnreachable, Err: err}
	}
	return &Error{Kind: KindUnknown, Err: err}
}
