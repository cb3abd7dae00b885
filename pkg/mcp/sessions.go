package mcp

import "sync"

// SessionRegistry maps user IDs to MCP session IDs.
// Populated when a tool call carrying user_id arrives over a session.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // userID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a user ID with a session ID.
// A later session for the same user replaces the earlier one.
func (r *SessionRegistry) Register(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = sessionID
}

// SessionFor returns the session ID for the given user, if connected.
func (r *SessionRegistry) SessionFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[userID]
	return sid, ok
}

// Remove deletes all user mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, uid)
		}
	}
}

// Len returns the number of mapped users.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
