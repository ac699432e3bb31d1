package session

import (
	"sync"

	"github.com/mcpwire/streamablehttp-go/jsonrpc"
)

// PendingRequest tracks one request awaiting its response. Entries exist for
// both directions: client requests accepted over POST (resolved when the
// server emits the matching response) and server-initiated requests
// (resolved when the client posts the matching response).
type PendingRequest struct {
	id *jsonrpc.RequestID

	// serverInitiated entries await a response from the client rather than
	// from the application layer.
	serverInitiated bool

	mu     sync.Mutex
	stream *Stream
	resp   *jsonrpc.Response
	err    error
	done   chan struct{}
}

func newPendingRequest(id *jsonrpc.RequestID) *PendingRequest {
	return &PendingRequest{id: id, done: make(chan struct{})}
}

// ID returns the request id this entry is keyed by.
func (p *PendingRequest) ID() *jsonrpc.RequestID {
	return p.id
}

// Done is closed once the entry is resolved or failed.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Response returns the resolved response, or nil before Done closes or if
// the entry failed.
func (p *PendingRequest) Response() *jsonrpc.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resp
}

// Err returns the failure recorded on the entry, if any.
func (p *PendingRequest) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// bindStream dedicates a delivery stream to this request. The stream
// receives every envelope emitted with this request id as the target, the
// final response included.
func (p *PendingRequest) bindStream(st *Stream) {
	p.mu.Lock()
	p.stream = st
	p.mu.Unlock()
}

func (p *PendingRequest) boundStream() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

// unbindStream releases a dropped per-call stream without resolving the
// entry; the request stays live and its eventual response lands in the
// replay buffer.
func (p *PendingRequest) unbindStream(st *Stream) {
	p.mu.Lock()
	if p.stream == st {
		p.stream = nil
	}
	p.mu.Unlock()
	st.close()
}

func (p *PendingRequest) resolve(resp *jsonrpc.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resp != nil || p.err != nil {
		return
	}
	p.resp = resp
	close(p.done)
}

func (p *PendingRequest) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resp != nil || p.err != nil {
		return
	}
	p.err = err
	close(p.done)
}
