package session

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
)

const cookieName = "ssogate_session"

// Manager is a cookie-backed in-memory session layer. It exists so the
// engine runs standalone; deployments embedding the engine in a larger
// application supply their own Session implementation instead.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	maxAge   int
}

// NewManager creates a session manager. maxAge is the cookie lifetime in
// seconds; zero means session cookies.
func NewManager(maxAge int) *Manager {
	return &Manager{
		sessions: make(map[string]*memorySession),
		maxAge:   maxAge,
	}
}

// Lookup returns the live session identified by the request cookie.
func (m *Manager) Lookup(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return nil, false
	}
	m.mu.RLock()
	sess, ok := m.sessions[c.Value]
	m.mu.RUnlock()
	if !ok || !sess.Valid() {
		return nil, false
	}
	return sess, true
}

// Attach returns the request's session, creating one and setting the cookie
// when none exists.
func (m *Manager) Attach(w http.ResponseWriter, r *http.Request) Session {
	if sess, ok := m.Lookup(r); ok {
		return sess
	}

	id := newSessionID()
	sess := &memorySession{id: id, values: make(map[string]any), valid: true}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   m.maxAge,
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: sameSiteMode(r),
	})
	return sess
}

// Drop invalidates and forgets the request's session and expires its cookie.
func (m *Manager) Drop(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return
	}
	m.mu.Lock()
	if sess, ok := m.sessions[c.Value]; ok {
		sess.Invalidate()
		delete(m.sessions, c.Value)
	}
	m.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name: cookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true,
	})
}

func newSessionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

type memorySession struct {
	id     string
	mu     sync.RWMutex
	values map[string]any
	valid  bool
}

func (s *memorySession) ID() string { return s.id }

func (s *memorySession) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

func (s *memorySession) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
	s.values = make(map[string]any)
}

func (s *memorySession) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valid {
		s.values[name] = value
	}
}

func (s *memorySession) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func sameSiteMode(r *http.Request) http.SameSite {
	if isHTTPS(r) {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}
