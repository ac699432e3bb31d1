package streamablehttp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcpwire/streamablehttp-go/jsonrpc"
	"github.com/mcpwire/streamablehttp-go/session"
)

// chanWriter delivers written events to a channel so the test can observe
// scheduler activity without an HTTP connection.
type chanWriter struct {
	events chan string
}

func (w *chanWriter) WriteEvent(eventID string, payload jsonrpc.Message) error {
	w.events <- string(payload)
	return nil
}

func (w *chanWriter) Close() error { return nil }

type nopServer struct{}

func (nopServer) Initialize(ctx context.Context, sess *session.Session, req *jsonrpc.Request) (any, error) {
	return struct{}{}, nil
}

func (nopServer) HandleRequest(ctx context.Context, sess *session.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.NewResultResponse(req.ID, struct{}{})
}

func (nopServer) HandleNotification(ctx context.Context, sess *session.Session, req *jsonrpc.Request) error {
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeepAliveScheduler(t *testing.T) {
	newLiveSession := func(t *testing.T, reg *session.Registry) *chanWriter {
		t.Helper()
		sess := reg.Create()
		if err := sess.CompleteHandshake(); err != nil {
			t.Fatalf("complete handshake: %v", err)
		}
		w := &chanWriter{events: make(chan string, 4)}
		if _, err := sess.AttachStream(w, ""); err != nil {
			t.Fatalf("attach: %v", err)
		}
		return w
	}

	t.Run("ticks ping sessions with live streams", func(t *testing.T) {
		reg := session.NewRegistry()
		w := newLiveSession(t, reg)

		// A session without a live stream must be skipped, not pinged.
		idle := reg.Create()
		if err := idle.CompleteHandshake(); err != nil {
			t.Fatalf("complete handshake: %v", err)
		}

		clock := clockwork.NewFakeClock()
		interval := 30 * time.Second
		sched := newKeepAliveScheduler(interval, clock, reg, discardLogger())
		go sched.run()
		defer sched.Stop()

		clock.BlockUntil(1)
		clock.Advance(interval)

		select {
		case payload := <-w.events:
			if payload == "" {
				t.Fatalf("empty ping payload")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no ping after a full interval")
		}
	})

	t.Run("no activity after Stop", func(t *testing.T) {
		reg := session.NewRegistry()
		w := newLiveSession(t, reg)

		clock := clockwork.NewFakeClock()
		interval := 30 * time.Second
		sched := newKeepAliveScheduler(interval, clock, reg, discardLogger())
		go sched.run()

		// Stop waits for the run loop to exit, so any later tick has no
		// goroutine left to act on it.
		sched.Stop()
		clock.Advance(interval)
		clock.Advance(interval)

		select {
		case payload := <-w.events:
			t.Fatalf("ping after Stop: %s", payload)
		default:
		}

		// Stop is idempotent.
		sched.Stop()
	})
}

func TestCloseDrainsRegistry(t *testing.T) {
	h, err := New("/mcp", nopServer{}, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	for i := 0; i < 3; i++ {
		sess := h.registry.Create()
		if err := sess.CompleteHandshake(); err != nil {
			t.Fatalf("complete handshake: %v", err)
		}
	}

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := h.registry.Len(); got != 0 {
		t.Fatalf("registry after close: want empty, got %d sessions", got)
	}
	for _, sess := range h.registry.All() {
		t.Fatalf("session %s survived the drain", sess.ID())
	}
}
