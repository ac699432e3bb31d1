package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mcpwire/streamablehttp-go/jsonrpc"
)

// State is a session's lifecycle state.
type State string

const (
	// StateInitializing covers the handshake round trip. The session is
	// already visible in the registry so a racing stream-open can find it.
	StateInitializing State = "initializing"
	// StateActive is the normal operating state after the handshake.
	StateActive State = "active"
	// StateClosing is entered by Terminate while streams and pending
	// requests are drained.
	StateClosing State = "closing"
	// StateClosed is terminal; every operation fails with ErrClosed.
	StateClosed State = "closed"
)

// pingMethod is the keep-alive no-op notification sent to defeat
// idle-connection timeouts in intermediaries.
const pingMethod = "notifications/ping"

// Session is the durable conversational context spanning many HTTP
// connections. It owns a bounded replay buffer, at most one live outbound
// stream, and the table of requests awaiting responses. All methods are safe
// for concurrent use; outbound writes are serialized so the per-session
// total order of event ids matches the delivery order on any one stream.
type Session struct {
	id  string
	log *slog.Logger

	// ctx outlives any individual HTTP request; request handling runs on it
	// so a dropped per-call stream does not cancel the operation. Cancelled
	// by Terminate.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	nextEventID uint64
	buffer      *replayBuffer
	live        *Stream
	pending     map[string]*PendingRequest
}

func newSession(id string, replayCapacity int, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateInitializing,
		buffer:  newReplayBuffer(replayCapacity),
		pending: make(map[string]*PendingRequest),
	}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Context returns the session-scoped context, cancelled on Terminate.
// Operations that must survive the originating HTTP connection run on it.
func (s *Session) Context() context.Context { return s.ctx }

// checkActive must be called with s.mu held.
func (s *Session) checkActive() error {
	switch s.state {
	case StateInitializing:
		return ErrNotReady
	case StateClosing, StateClosed:
		return ErrClosed
	}
	return nil
}

// CompleteHandshake transitions the session from Initializing to Active. It
// must be called once the handshake result has been produced and before any
// other operation is accepted.
func (s *Session) CompleteHandshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInitializing:
		s.state = StateActive
		return nil
	case StateActive:
		return nil
	default:
		return ErrClosed
	}
}

// AttachStream occupies the live stream slot with w. When lastEventID is
// non-empty, every buffered envelope after that cursor is replayed in id
// order before the stream goes live, so nothing produced concurrently can
// interleave ahead of the backlog. An already-attached stream is superseded
// and closed; its messages are not lost because they remain in the replay
// buffer.
func (s *Session) AttachStream(w StreamWriter, lastEventID string) (*Stream, error) {
	var cursor uint64
	replay := false
	if lastEventID != "" {
		c, err := parseCursor(lastEventID)
		if err != nil {
			return nil, err
		}
		cursor, replay = c, true
	}

	s.mu.Lock()
	if err := s.checkActive(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	// The lock is held across the backlog writes so nothing emitted
	// concurrently can be interleaved ahead of the replayed tail.
	st := newStream(w)
	if replay {
		for _, ev := range s.buffer.after(cursor) {
			if err := st.write(ev.EventID(), ev.Data); err != nil {
				s.mu.Unlock()
				st.close()
				return nil, fmt.Errorf("replay write failed: %w", err)
			}
		}
	}

	prev := s.live
	s.live = st
	s.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	return st, nil
}

// DetachStream releases st if it still occupies the live slot. Detaching a
// superseded or already-detached stream is a no-op, never an error.
func (s *Session) DetachStream(st *Stream) {
	if st == nil {
		return
	}
	s.mu.Lock()
	if s.live == st {
		s.live = nil
	}
	s.mu.Unlock()
	st.close()
}

// HasLiveStream reports whether an outbound stream currently occupies the
// live slot. The keep-alive scheduler uses it to skip idle sessions.
func (s *Session) HasLiveStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live != nil
}

// AcceptRequest records an inbound client request in the pending table and
// returns the entry the caller awaits. The matching response is delivered by
// EmitResponse. Both directions share one id keyspace: a request whose id
// collides with any pending entry, server-initiated included, is rejected
// with ErrDuplicateRequestID rather than risking misrouted responses.
func (s *Session) AcceptRequest(req *jsonrpc.Request) (*PendingRequest, error) {
	if req.IsNotification() {
		return nil, fmt.Errorf("notification cannot be accepted as a request")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	key := req.ID.String()
	if _, exists := s.pending[key]; exists {
		return nil, ErrDuplicateRequestID
	}
	p := newPendingRequest(req.ID)
	s.pending[key] = p
	return p, nil
}

// AcceptNotification validates that the session can take inbound traffic.
// Notifications have no completion to track, so there is nothing to return.
func (s *Session) AcceptNotification(req *jsonrpc.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkActive()
}

// AcceptResponse resolves the pending server-initiated request matching the
// response's id. A response with no match is a protocol violation on the
// client's part: it is reported with ErrUnmatchedResponse and dropped, never
// delivered to an unrelated caller.
func (s *Session) AcceptResponse(res *jsonrpc.Response) error {
	s.mu.Lock()
	if err := s.checkActive(); err != nil {
		s.mu.Unlock()
		return err
	}
	key := res.ID.String()
	p, ok := s.pending[key]
	if !ok || !p.serverInitiated {
		s.mu.Unlock()
		return ErrUnmatchedResponse
	}
	delete(s.pending, key)
	s.mu.Unlock()

	p.resolve(res)
	return nil
}

// BindRequestStream dedicates w to the request tracked by p: the eventual
// response and any intermediate notifications targeted at the request are
// delivered through it instead of the session's live stream.
func (s *Session) BindRequestStream(p *PendingRequest, w StreamWriter) (*Stream, error) {
	s.mu.Lock()
	if err := s.checkActive(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	st := newStream(w)
	p.bindStream(st)
	return st, nil
}

// ReleaseRequestStream drops a per-call stream without resolving the
// request. The operation may still complete; its result lands in the replay
// buffer and is recoverable via resume.
func (s *Session) ReleaseRequestStream(p *PendingRequest, st *Stream) {
	if p == nil || st == nil {
		return
	}
	p.unbindStream(st)
}

// Emit appends msg to the replay buffer under the next event id and writes
// it to the stream serving targetRequestID, falling back to the live stream
// when the target is empty or has no dedicated stream bound. A failed write
// detaches the broken stream; the message survives in the buffer for a
// future resume, so Emit still reports the assigned event id.
func (s *Session) Emit(msg jsonrpc.Message, targetRequestID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActive(); err != nil {
		return "", err
	}
	var target *Stream
	if targetRequestID != "" {
		if p, ok := s.pending[targetRequestID]; ok {
			target = p.boundStream()
		}
	}
	if target == nil {
		target = s.live
	}
	return s.emitLocked(msg, target), nil
}

// emitLocked must be called with s.mu held. A nil target leaves the envelope
// buffer-only.
func (s *Session) emitLocked(msg jsonrpc.Message, target *Stream) string {
	s.nextEventID++
	ev := Event{ID: s.nextEventID, Data: msg}
	s.buffer.append(ev)

	if target == nil {
		return ev.EventID()
	}

	if err := target.write(ev.EventID(), ev.Data); err != nil {
		s.log.Warn("sse.write.fail", slog.String("session_id", s.id), slog.String("event_id", ev.EventID()), slog.String("err", err.Error()))
		if s.live == target {
			s.live = nil
		}
		target.close()
	}
	return ev.EventID()
}

// EmitNotification emits a notification envelope. An empty targetRequestID
// addresses the session's live stream.
func (s *Session) EmitNotification(method string, params any, targetRequestID string) (string, error) {
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(note)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification: %w", err)
	}
	return s.Emit(b, targetRequestID)
}

// EmitResponse resolves the pending request matching res.ID and delivers the
// response on that request's dedicated stream when one is bound, closing it
// afterwards; otherwise the response goes to the live stream. Either way the
// envelope is replay-buffered first.
func (s *Session) EmitResponse(res *jsonrpc.Response) (string, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("failed to marshal response: %w", err)
	}

	key := res.ID.String()

	s.mu.Lock()
	if err := s.checkActive(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	p, ok := s.pending[key]
	if !ok || p.serverInitiated {
		s.mu.Unlock()
		return "", ErrUnmatchedResponse
	}
	delete(s.pending, key)
	direct := p.boundStream()
	target := direct
	if target == nil {
		target = s.live
	}
	eventID := s.emitLocked(b, target)
	s.mu.Unlock()

	p.resolve(res)
	if direct != nil {
		// The per-call stream exists for exactly one round trip.
		direct.close()
	}
	return eventID, nil
}

// EmitRequest sends a server-initiated request to the client over the live
// stream and registers it in the pending table. The caller awaits the
// returned entry; AcceptResponse resolves it when the client posts the
// matching response. Ids share a keyspace with client-initiated requests,
// so an id colliding with any pending entry fails with
// ErrDuplicateRequestID.
func (s *Session) EmitRequest(req *jsonrpc.Request) (*PendingRequest, error) {
	if req.IsNotification() {
		return nil, fmt.Errorf("request requires an id")
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	key := req.ID.String()
	if _, exists := s.pending[key]; exists {
		return nil, ErrDuplicateRequestID
	}
	p := newPendingRequest(req.ID)
	p.serverInitiated = true
	s.pending[key] = p
	s.emitLocked(b, s.live)
	return p, nil
}

// Ping writes a keep-alive notification directly to the live stream. Pings
// carry no event id and skip the replay buffer: a resumed stream has no use
// for stale keep-alives. Sessions without a live stream are skipped.
func (s *Session) Ping() error {
	note, err := jsonrpc.NewNotification(pingMethod, nil)
	if err != nil {
		return err
	}
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActive(); err != nil {
		return err
	}
	if s.live == nil {
		return nil
	}
	if err := s.live.write("", b); err != nil {
		st := s.live
		s.live = nil
		st.close()
		return fmt.Errorf("keep-alive write failed: %w", err)
	}
	return nil
}

// Terminate moves the session to Closing, detaches and closes any live
// stream, fails every outstanding pending request with ErrTerminated,
// cancels the session context, and lands in Closed. Removal from the
// registry is the caller's responsibility.
func (s *Session) Terminate() error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = StateClosing
	live := s.live
	s.live = nil
	drained := s.pending
	s.pending = make(map[string]*PendingRequest)
	s.mu.Unlock()

	if live != nil {
		live.close()
	}
	for _, p := range drained {
		p.fail(ErrTerminated)
		if st := p.boundStream(); st != nil {
			st.close()
		}
	}
	s.cancel()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return nil
}
