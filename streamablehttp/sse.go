package streamablehttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/mcpwire/streamablehttp-go/jsonrpc"
	"github.com/mcpwire/streamablehttp-go/session"
)

const (
	// messageEventType frames every delivered envelope.
	messageEventType = "message"
	// errorEventType frames stream-level failures reported after the SSE
	// response has been committed.
	errorEventType = "error"
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// sseStream adapts one SSE response to the session.StreamWriter interface.
// The HTTP response itself is torn down by the handler goroutine returning;
// Close only has to stop further writes, which the flusher's context check
// already guarantees once the request ends.
type sseStream struct {
	wf *lockedWriteFlusher
}

var _ session.StreamWriter = (*sseStream)(nil)

func (s *sseStream) WriteEvent(eventID string, payload jsonrpc.Message) error {
	return writeSSEEvent(s.wf, eventID, messageEventType, []byte(payload))
}

func (s *sseStream) Close() error { return nil }

// writeSSEEvent writes one framed Server-Sent Event and flushes it. An empty
// eventID omits the id field; replayable envelopes always carry one.
func writeSSEEvent(wf *lockedWriteFlusher, eventID, eventType string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(wf, "event: %s\n", eventType); err != nil {
		return fmt.Errorf("failed to write SSE event type: %w", err)
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// writeSSEError reports a failure on an already-committed stream as an
// error event carrying a JSON-RPC error object.
func writeSSEError(wf *lockedWriteFlusher, code jsonrpc.ErrorCode, msg string) {
	body, err := marshalRPCError(code, msg)
	if err != nil {
		return
	}
	_ = writeSSEEvent(wf, "", errorEventType, body)
}

// setSSEHeaders prepares a response for streaming. X-Accel-Buffering defeats
// proxy-side buffering of the long-lived response.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
