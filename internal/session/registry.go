// Package session indexes local HTTP sessions by their SAML SessionIndex
// and guards single-logout flows against concurrent duplicates.
package session

import "sync"

// Session is the local-session handle indexed by the registry. The registry
// never owns the session lifecycle; a session invalidated elsewhere simply
// stops resolving.
type Session interface {
	ID() string
	Valid() bool
	Invalidate()
	Set(name string, value any)
	Get(name string) (any, bool)
}

// Registry maps SAML SessionIndex values to local sessions. Safe for
// concurrent use from multiple request goroutines.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Register indexes sess under sessionIndex. Re-registering the same index
// replaces the previous entry, so a double registration leaves exactly one.
func (r *Registry) Register(sessionIndex string, sess Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionIndex] = sess
}

// Get returns the session registered under sessionIndex. A stale entry
// whose session was invalidated independently is pruned and reported as
// missing instead of handing out dead state.
func (r *Registry) Get(sessionIndex string) (Session, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[sessionIndex]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !sess.Valid() {
		r.Unregister(sessionIndex)
		return nil, false
	}
	return sess, true
}

// Unregister removes the entry for sessionIndex. The underlying session is
// left untouched.
func (r *Registry) Unregister(sessionIndex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionIndex)
}

// Len returns the number of indexed sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
