package session

import (
	"sync"

	"github.com/mcpwire/streamablehttp-go/jsonrpc"
)

// StreamWriter is the outbound transport a session delivers envelopes
// through, typically one SSE response. Implementations must tolerate
// concurrent WriteEvent calls.
type StreamWriter interface {
	// WriteEvent writes one framed event. eventID is empty for unbuffered
	// traffic such as keep-alive pings, which are not replayable.
	WriteEvent(eventID string, payload jsonrpc.Message) error

	// Close releases the underlying transport. It must be safe to call more
	// than once.
	Close() error
}

// Stream is the handle returned when a StreamWriter is attached to a
// session. The handler that attached it blocks on Done to learn when the
// stream was detached, superseded, or the session terminated.
type Stream struct {
	w    StreamWriter
	once sync.Once
	done chan struct{}
}

func newStream(w StreamWriter) *Stream {
	return &Stream{w: w, done: make(chan struct{})}
}

// Done is closed once the stream no longer occupies a slot.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) write(eventID string, payload jsonrpc.Message) error {
	return s.w.WriteEvent(eventID, payload)
}

// close is idempotent: a superseded stream and its own handler may both
// release it.
func (s *Stream) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.w.Close()
	})
}
