package router

import (
	"log/slog"
	"sync"
)

// ClientSession is one connected browser tab.
type ClientSession struct {
	ID     string
	UserID string
	Conn   Conn
}

// ClientRegistry maps a user id to the set of its live sessions.
type ClientRegistry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*ClientSession // userID → sessionID → session
	logger *slog.Logger
}

func NewClientRegistry(logger *slog.Logger) *ClientRegistry {
	return &ClientRegistry{
		byUser: make(map[string]map[string]*ClientSession),
		logger: logger,
	}
}

func (r *ClientRegistry) Add(s *ClientSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byUser[s.UserID]
	if !ok {
		sessions = make(map[string]*ClientSession)
		r.byUser[s.UserID] = sessions
	}
	sessions[s.ID] = s
}

// Remove drops one session; the user entry goes with its last session.
func (r *ClientRegistry) Remove(s *ClientSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byUser[s.UserID]
	if !ok {
		return
	}
	delete(sessions, s.ID)
	if len(sessions) == 0 {
		delete(r.byUser, s.UserID)
	}
}

// SessionsFor returns the live sessions of userID (empty if unknown).
func (r *ClientRegistry) SessionsFor(userID string) []*ClientSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byUser[userID]
	out := make([]*ClientSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast sends frame to every session of userID. Failed sends are logged
// and skipped.
func (r *ClientRegistry) Broadcast(userID string, frame []byte) {
	for _, s := range r.SessionsFor(userID) {
		if err := s.Conn.Send(frame); err != nil {
			r.logger.Debug("broadcast to closed session",
				"session_id", s.ID,
				"user_id", userID,
				"error", err,
			)
		}
	}
}

// Count returns the number of live sessions across all users.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sessions := range r.byUser {
		n += len(sessions)
	}
	return n
}
