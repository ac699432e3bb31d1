// Package session implements the session and stream lifecycle at the heart
// of the streamable HTTP transport: a state machine per session
// (Initializing -> Active -> Closing -> Closed) owning a bounded replay
// buffer, a single live outbound stream slot, and the table of requests
// awaiting responses.
//
// # Lifecycle
//
// Sessions are created through a Registry and are visible to concurrent
// lookups before the initialization handshake completes, so a racing
// stream-open can already resolve them. CompleteHandshake gates every other
// operation: until it runs, operations fail with ErrNotReady.
//
// # Streams and replay
//
// At most one live stream is attached at any instant; attaching another
// supersedes and closes the previous one (last writer wins). Every emitted
// envelope is appended to the replay buffer under a strictly increasing
// event id first, so a superseded or dropped stream loses nothing: a
// resumed stream supplies its last-seen id and receives the exact tail, in
// order, before any new traffic.
//
// # Requests and responses
//
// Inbound client requests are tracked as pending entries that the HTTP
// handler awaits; the response emitted for a request id is delivered on
// that request's dedicated per-call stream when one is bound, falling back
// to the live stream. Server-initiated requests use the same table in the
// opposite direction and are resolved by the response the client posts.
// A response matching no pending entry is dropped and reported, never
// delivered to an unrelated caller.
package session
