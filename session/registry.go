package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultReplayCapacity bounds each session's replay buffer unless
// overridden with WithReplayCapacity.
const DefaultReplayCapacity = 256

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	logger         *slog.Logger
	replayCapacity int
}

// WithLogger sets the logger handed to every created session. If not
// provided, slog.Default() is used.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(c *registryConfig) { c.logger = log }
}

// WithReplayCapacity bounds the per-session replay buffer. Once exceeded the
// oldest events are evicted and can no longer be replayed on resume.
func WithReplayCapacity(n int) RegistryOption {
	return func(c *registryConfig) {
		if n > 0 {
			c.replayCapacity = n
		}
	}
}

// Registry is the creation, lookup, and removal authority for live sessions.
// It exclusively owns the set of Session objects; entries are inserted
// exactly once at creation and removed exactly once when a session closes.
type Registry struct {
	log            *slog.Logger
	replayCapacity int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	cfg := &registryConfig{logger: slog.Default(), replayCapacity: DefaultReplayCapacity}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Registry{
		log:            cfg.logger,
		replayCapacity: cfg.replayCapacity,
		sessions:       make(map[string]*Session),
	}
}

// Create allocates a session with a fresh unguessable id and inserts it. The
// session is visible to concurrent lookups immediately, while still in
// StateInitializing, so a racing stream-open request can find it.
func (r *Registry) Create() *Session {
	sess := newSession(uuid.NewString(), r.replayCapacity, r.log)
	r.mu.Lock()
	r.sessions[sess.ID()] = sess
	r.mu.Unlock()
	return sess
}

// Get looks up a session by id. Absence is a normal outcome: the client may
// reference an unknown or already-reaped session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove deletes and returns the session if present.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return sess, ok
}

// All returns a point-in-time snapshot of the registered sessions. Iterating
// the snapshot never blocks concurrent inserts or removals.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
