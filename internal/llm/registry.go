package llm

import "sync"

// SessionRegistry tracks live sessions by session id so a later turn can
// resume the conversation it belongs to.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Put registers a session under its id. Sessions without an id yet are
// ignored.
func (r *SessionRegistry) Put(s *Session) {
	id := s.ID()
	if id == "" {
		return
	}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
}

// Get returns the session registered under id.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops the session registered under id.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
