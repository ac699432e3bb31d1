package session

import "errors"

var (
	// ErrNotReady is returned when an operation arrives before the
	// initialization handshake has completed. Callers should treat it as
	// "retry after handshake", not a protocol violation.
	ErrNotReady = errors.New("session is still initializing")

	// ErrClosed is returned by every operation on a closing or closed
	// session. A slow client retrying against a reaped session is a normal
	// condition, never a crash.
	ErrClosed = errors.New("session is closed")

	// ErrTerminated is the failure recorded on pending requests when the
	// session is torn down before their response was produced.
	ErrTerminated = errors.New("session terminated")

	// ErrUnmatchedResponse is returned when a response names a request id
	// with no pending entry. The response is dropped, never delivered.
	ErrUnmatchedResponse = errors.New("response does not match a pending request")

	// ErrDuplicateRequestID is returned when a request reuses the id of a
	// request still awaiting its response.
	ErrDuplicateRequestID = errors.New("request id already pending")

	// ErrInvalidCursor is returned when a resume cursor is not a well-formed
	// event id.
	ErrInvalidCursor = errors.New("invalid resume cursor")
)
