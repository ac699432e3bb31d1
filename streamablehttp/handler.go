package streamablehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/mcpwire/streamablehttp-go/internal/logctx"
	"github.com/mcpwire/streamablehttp-go/jsonrpc"
	"github.com/mcpwire/streamablehttp-go/session"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

	jsonMediaTypes        = []contenttype.MediaType{jsonMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	sessionIDHeader   = "Mcp-Session-Id"
	lastEventIDHeader = "Last-Event-ID"

	initializeMethod = "initialize"
)

// ServerHandler is the application layer the transport delegates decoded
// traffic to. Initialize produces the handshake result for the
// session-creating call; HandleRequest runs on a session-scoped context so a
// dropped per-request stream does not cancel the operation.
type ServerHandler interface {
	Initialize(ctx context.Context, sess *session.Session, req *jsonrpc.Request) (result any, err error)
	HandleRequest(ctx context.Context, sess *session.Session, req *jsonrpc.Request) (*jsonrpc.Response, error)
	HandleNotification(ctx context.Context, sess *session.Session, req *jsonrpc.Request) error
}

// Handler mounts the streamable HTTP transport on a single endpoint path:
// POST submits envelopes (and creates sessions), GET opens or resumes the
// session's live stream, DELETE terminates a session, HEAD probes the
// streaming capability. Handlers hold no state of their own; they route
// over the session registry.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	registry *session.Registry
	server   ServerHandler

	disallowDelete bool
	keepAlive      *keepAliveScheduler

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New constructs a Handler serving the transport at endpoint (for example
// "/mcp"). The registry, keep-alive scheduler, and shutdown coordinator are
// owned by the returned handler; call Close to drain.
func New(endpoint string, server ServerHandler, opts ...Option) (*Handler, error) {
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}
	if !strings.HasPrefix(endpoint, "/") {
		return nil, fmt.Errorf("endpoint must be an absolute path, got %q", endpoint)
	}

	cfg := &newConfig{
		logger:         slog.Default(),
		clock:          clockwork.NewRealClock(),
		replayCapacity: session.DefaultReplayCapacity,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &Handler{
		log: log,
		registry: session.NewRegistry(
			session.WithLogger(log),
			session.WithReplayCapacity(cfg.replayCapacity),
		),
		server:         server,
		disallowDelete: cfg.disallowDelete,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("HEAD %s", endpoint), h.handleHead)
	mux.HandleFunc(fmt.Sprintf("GET %s", endpoint), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("POST %s", endpoint), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", endpoint), h.handleDelete)
	h.mux = mux

	if cfg.keepAliveInterval > 0 {
		h.keepAlive = newKeepAliveScheduler(cfg.keepAliveInterval, cfg.clock, h.registry, log)
		go h.keepAlive.run()
	}

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handleHead answers the capability probe: success, the streaming content
// type advertised, no body.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.WriteHeader(http.StatusOK)
}

// handleGet opens or resumes the session's live stream and holds the
// connection until the client disconnects, the stream is superseded, or the
// session terminates.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if h.closing.Load() {
		errServerShuttingDown(w)
		h.log.InfoContext(ctx, "http.get.reject_closing")
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		errInvalidAccept(w, eventStreamMediaType.String())
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		errInternal(w)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		errMissingSessionID(w)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, ok := h.registry.Get(sessID)
	if !ok {
		errSessionNotFound(w, sessID)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	setSSEHeaders(w)

	// Attaching replays the backlog through wf, which commits the SSE
	// response on first write; failures below may no longer be able to
	// switch to a JSON error body.
	st, err := sess.AttachStream(&sseStream{wf: wf}, r.Header.Get(lastEventIDHeader))
	if err != nil {
		h.log.WarnContext(ctx, "sse.attach.fail", slog.String("err", err.Error()))
		switch {
		case errors.Is(err, session.ErrInvalidCursor):
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "invalid Last-Event-ID header")
		case errors.Is(err, session.ErrNotReady):
			errSessionNotReady(w)
		case errors.Is(err, session.ErrClosed):
			errSessionNotFound(w, sessID)
		default:
			writeSSEError(wf, jsonrpc.ErrorCodeInternalError, "failed to attach stream")
		}
		return
	}
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	select {
	case <-ctx.Done():
		// Client disconnect is a normal detach, not an error.
		sess.DetachStream(st)
	case <-st.Done():
		// Superseded by a newer stream or the session terminated.
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handlePost submits a single JSON-RPC envelope: the session-creating
// initialize call, an inbound response or notification (acknowledged with
// 202), or a request, which upgrades the call to a stream dedicated to that
// request/response round trip.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if h.closing.Load() {
		errServerShuttingDown(w)
		h.log.InfoContext(ctx, "http.post.reject_closing")
		return
	}

	if ctype, err := contenttype.GetMediaType(r); err != nil || !ctype.Matches(jsonMediaType) {
		writeRPCError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		errInvalidAccept(w, jsonMediaType.String()+", "+eventStreamMediaType.String())
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		errInvalidAccept(w, jsonMediaType.String()+", "+eventStreamMediaType.String())
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		errInternal(w)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		errParse(w, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		errParse(w, "JSON-RPC batch arrays are forbidden on streamable HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		errParse(w, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Kind:   msg.Kind(),
	})

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		h.handleInitialize(ctx, w, r, &msg, start)
		return
	}

	sess, ok := h.registry.Get(sessID)
	if !ok {
		errSessionNotFound(w, sessID)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})

	req := msg.AsRequest()
	if req != nil && req.Method == initializeMethod {
		writeRPCError(w, http.StatusConflict, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	if req != nil {
		if req.IsNotification() {
			h.handleInboundNotification(ctx, w, sess, req, start)
			return
		}
		h.handleInboundRequest(ctx, w, r, f, sess, req, start)
		return
	}

	if res := msg.AsResponse(); res != nil {
		h.handleInboundResponse(ctx, w, sess, res, start)
		return
	}

	writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "unknown message type")
	h.log.WarnContext(ctx, "jsonrpc.message.unrecognized")
}

// handleInitialize is the session-creating call: the body must be an
// initialize request, the handshake runs synchronously, and the new session
// id travels back out-of-band in a response header. The session is inserted
// into the registry before the handshake result is produced so a racing
// stream-open can find it.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.IsNotification() || req.Method != initializeMethod {
		errMissingSessionID(w)
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	sess := h.registry.Create()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})

	result, err := h.server.Initialize(ctx, sess, req)
	if err != nil {
		h.reapFailedSession(sess)
		errInternal(w)
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		h.reapFailedSession(sess)
		errInternal(w)
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	if err := sess.CompleteHandshake(); err != nil {
		// Terminated while the handshake was running (e.g. shutdown drain).
		h.reapFailedSession(sess)
		errServerShuttingDown(w)
		h.log.WarnContext(ctx, "session.initialize.superseded", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(sessionIDHeader, sess.ID())
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) reapFailedSession(sess *session.Session) {
	_ = sess.Terminate()
	h.registry.Remove(sess.ID())
}

// handleInboundNotification acknowledges immediately; there is no
// completion to deliver.
func (h *Handler) handleInboundNotification(ctx context.Context, w http.ResponseWriter, sess *session.Session, req *jsonrpc.Request, start time.Time) {
	if err := sess.AcceptNotification(req); err != nil {
		h.writeSessionStateError(ctx, w, sess, err)
		return
	}
	if err := h.server.HandleNotification(ctx, sess, req); err != nil {
		errInternal(w)
		h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
		return
	}
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleInboundResponse routes a client response to the pending
// server-initiated request carrying its id. An unmatched response is a
// protocol violation: reported to the offending call, dropped, never
// delivered elsewhere.
func (h *Handler) handleInboundResponse(ctx context.Context, w http.ResponseWriter, sess *session.Session, res *jsonrpc.Response, start time.Time) {
	if err := sess.AcceptResponse(res); err != nil {
		if errors.Is(err, session.ErrUnmatchedResponse) {
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "response does not match a pending request")
			h.log.WarnContext(ctx, "response.inbound.unmatched")
			return
		}
		h.writeSessionStateError(ctx, w, sess, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "response.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleInboundRequest upgrades the POST to a stream dedicated to this one
// request/response round trip. The operation itself runs on the session
// context: if the client drops the stream early, the request stays pending
// and its eventual response lands in the replay buffer.
func (h *Handler) handleInboundRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, f http.Flusher, sess *session.Session, req *jsonrpc.Request, start time.Time) {
	pnd, err := sess.AcceptRequest(req)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateRequestID) {
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "request id already pending")
			h.log.WarnContext(ctx, "rpc.inbound.duplicate_id")
			return
		}
		h.writeSessionStateError(ctx, w, sess, err)
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	setSSEHeaders(w)

	st, err := sess.BindRequestStream(pnd, &sseStream{wf: wf})
	if err != nil {
		h.writeSessionStateError(ctx, w, sess, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	// Detach the operation from the HTTP request lifetime; only session
	// termination cancels it.
	opCtx := logctx.WithSessionData(sess.Context(), &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})
	opCtx = logctx.WithRPCMessage(opCtx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Kind: "request"})

	go func() {
		res, err := h.server.HandleRequest(opCtx, sess, req)
		if err != nil {
			h.log.ErrorContext(opCtx, "rpc.inbound.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
		if _, err := sess.EmitResponse(res); err != nil {
			h.log.WarnContext(opCtx, "rpc.response.emit.fail", slog.String("err", err.Error()))
		}
	}()

	select {
	case <-pnd.Done():
		if err := pnd.Err(); err != nil {
			writeSSEError(wf, jsonrpc.ErrorCodeInternalError, err.Error())
			h.log.WarnContext(ctx, "rpc.inbound.aborted", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
	case <-ctx.Done():
		sess.ReleaseRequestStream(pnd, st)
		h.log.InfoContext(ctx, "rpc.stream.abandoned", slog.Duration("dur", time.Since(start)))
	}
}

// handleDelete terminates a session and removes it from the registry.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if h.closing.Load() {
		errServerShuttingDown(w)
		h.log.InfoContext(ctx, "http.delete.reject_closing")
		return
	}

	if h.disallowDelete {
		errDeletionNotAllowed(w)
		h.log.InfoContext(ctx, "session.delete.disallowed")
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		errMissingSessionID(w)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, ok := h.registry.Get(sessID)
	if !ok {
		errSessionNotFound(w, sessID)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})

	if err := sess.Terminate(); err != nil && !errors.Is(err, session.ErrClosed) {
		errInternal(w)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}
	h.registry.Remove(sess.ID())

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// writeSessionStateError maps the session package's state sentinels onto
// the HTTP error taxonomy.
func (h *Handler) writeSessionStateError(ctx context.Context, w http.ResponseWriter, sess *session.Session, err error) {
	switch {
	case errors.Is(err, session.ErrNotReady):
		errSessionNotReady(w)
		h.log.InfoContext(ctx, "session.not_ready")
	case errors.Is(err, session.ErrClosed):
		errSessionNotFound(w, sess.ID())
		h.log.InfoContext(ctx, "session.closed")
	default:
		errInternal(w)
		h.log.ErrorContext(ctx, "session.op.fail", slog.String("err", err.Error()))
	}
}

// Close drains the transport: new calls are rejected with 503, the
// keep-alive scheduler stops, and every registered session is terminated
// concurrently. One stuck session never blocks draining the rest; Close
// returns the aggregate of termination failures and the registry is cleared
// either way.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		if h.keepAlive != nil {
			h.keepAlive.Stop()
		}

		var g multierror.Group
		for _, sess := range h.registry.All() {
			sess := sess
			g.Go(func() error {
				defer h.registry.Remove(sess.ID())
				if err := sess.Terminate(); err != nil && !errors.Is(err, session.ErrClosed) {
					return fmt.Errorf("terminate session %s: %w", sess.ID(), err)
				}
				return nil
			})
		}
		h.closeErr = g.Wait().ErrorOrNil()

		// A session created while the closing flag was being flipped may
		// have slipped in behind the snapshot.
		for _, sess := range h.registry.All() {
			_ = sess.Terminate()
			h.registry.Remove(sess.ID())
		}

		h.log.Info("transport.close.done", slog.Int("sessions_remaining", h.registry.Len()))
	})
	return h.closeErr
}
