// Package streamablehttp implements a server-side streamable HTTP transport
// for JSON-RPC sessions. It mounts as a standard net/http handler on a
// single endpoint path and delivers ordered bidirectional JSON-RPC over
// long-lived Server-Sent-Events responses plus normal request/response for
// the handshake.
//
// Verb semantics
//
//	HEAD    capability probe: advertises the streaming content type
//	GET     opens or resumes the session's single live stream; an optional
//	        Last-Event-ID header replays the buffered backlog first
//	POST    submits one envelope: the session-creating initialize call is
//	        answered synchronously with the new session id in a response
//	        header; notifications and responses are acknowledged with 202;
//	        a request upgrades the call to a stream dedicated to that one
//	        round trip, closed once its response has been delivered
//	DELETE  terminates the session (can be disabled by policy, yielding 405)
//
// Sessions may span many HTTP connections; any individual stream may drop
// and be resumed without losing messages, because every outbound envelope
// is assigned a strictly increasing event id and retained in a bounded
// per-session replay buffer (see the session package).
//
// Construction
//
//	h, err := streamablehttp.New("/mcp", server,
//	    streamablehttp.WithKeepAliveInterval(30*time.Second),
//	)
//	...
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", h)
//
// NewFromEnv reads the same settings from the environment (MCP_ENDPOINT,
// MCP_DISALLOW_DELETE, MCP_KEEP_ALIVE_INTERVAL, MCP_REPLAY_CAPACITY).
//
// # Shutdown
//
// Close flips the transport into draining: new work is rejected with 503
// and a stable error code, the keep-alive scheduler stops, and all sessions
// are terminated concurrently. Termination failures are aggregated and
// returned, never allowed to block draining the remaining sessions.
//
// # Error Handling
//
// Every rejected call receives a JSON-RPC error object with a stable code,
// carried in the HTTP error body or, once a stream has been committed, as
// an SSE "error" event. Clients can retry on "service unavailable" and must
// not retry on an unknown session.
package streamablehttp
