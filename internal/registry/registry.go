// Package registry maps live connections to participant identities and
// participant identities to sessions. It is the single source of truth
// for who is reachable right now; the persisted store may still say
// "running" for sessions whose live state is long gone.
package registry

import (
	"sync"

	"go.uber.org/zap"
)

// Conn is the write side of a participant's connection.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
}

// Registry tracks connection and session bindings.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]Conn   // participant -> connection
	sessions map[string]string // participant -> session
	log      *zap.Logger
}

// New creates an empty registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		conns:    make(map[string]Conn),
		sessions: make(map[string]string),
		log:      log,
	}
}

// Register binds a connection to a participant, replacing any previous
// connection (reconnects supersede).
func (r *Registry) Register(participantID string, c Conn) {
	r.mu.Lock()
	r.conns[participantID] = c
	r.mu.Unlock()
}

// Unregister drops the participant's connection if it is still c.
// Session bindings survive disconnects so the participant can rejoin.
func (r *Registry) Unregister(participantID string, c Conn) {
	r.mu.Lock()
	if cur, ok := r.conns[participantID]; ok && cur == c {
		delete(r.conns, participantID)
	}
	r.mu.Unlock()
}

// Count returns the number of connected participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Bind associates a participant with a session.
func (r *Registry) Bind(participantID, sessionID string) {
	r.mu.Lock()
	r.sessions[participantID] = sessionID
	r.mu.Unlock()
}

// SessionOf returns the participant's bound session, or "".
func (r *Registry) SessionOf(participantID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[participantID]
}

// UnbindSession clears all participant bindings for a session.
func (r *Registry) UnbindSession(sessionID string) {
	r.mu.Lock()
	for pid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, pid)
		}
	}
	r.mu.Unlock()
}

// ToParticipant sends a message to one participant, if connected.
func (r *Registry) ToParticipant(participantID string, msg any) {
	r.mu.RLock()
	c := r.conns[participantID]
	r.mu.RUnlock()
	if c == nil {
		return
	}
	if err := c.WriteJSON(msg); err != nil {
		r.log.Warn("send failed", zap.String("participant", participantID), zap.Error(err))
	}
}

// ToParticipants sends a message to each listed participant that is
// currently connected. There is no atomic-delivery guarantee.
func (r *Registry) ToParticipants(ids []string, msg any) {
	for _, id := range ids {
		r.ToParticipant(id, msg)
	}
}

// Broadcast sends a message to every connected participant.
func (r *Registry) Broadcast(msg any) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	r.ToParticipants(ids, msg)
}

// ToSession sends a message to every connected member of a session.
func (r *Registry) ToSession(sessionID string, msg any) {
	r.mu.RLock()
	ids := make([]string, 0, 4)
	for pid, sid := range r.sessions {
		if sid == sessionID {
			ids = append(ids, pid)
		}
	}
	r.mu.RUnlock()
	r.ToParticipants(ids, msg)
}
