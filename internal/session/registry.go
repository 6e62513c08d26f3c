// Package session issues opaque session identifiers for worker clients and
// tracks their origin and liveness metadata.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an operation references an unknown id.
	ErrNotFound = errors.New("session not found")
	// ErrChannelInUse is returned when a second push channel is attached to
	// a session that already has one.
	ErrChannelInUse = errors.New("session already has a push channel")
)

// Session is one worker session. A session may exist without a push channel
// and gains one when the worker connects its WebSocket.
type Session struct {
	ID         string
	CreatedAt  time.Time
	RemoteAddr string
	LastSeen   time.Time
	Attached   bool
}

// Registry maps session ids to session records.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create registers a new session for the given remote address and returns it.
// The identifier is a 128-bit random token.
func (r *Registry) Create(remoteAddr string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  r.now(),
		RemoteAddr: remoteAddr,
		LastSeen:   r.now(),
	}
	r.sessions[s.ID] = s
	return *s
}

// Get returns a copy of the session, or false when unknown.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Touch refreshes lastSeen. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastSeen = r.now()
	}
}

// AttachChannel marks the session as having a live push channel. Attaching a
// second channel to the same id fails with ErrChannelInUse.
func (r *Registry) AttachChannel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Attached {
		return ErrChannelInUse
	}
	s.Attached = true
	s.LastSeen = r.now()
	return nil
}

// DetachChannel clears the push channel mark. Idempotent.
func (r *Registry) DetachChannel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Attached = false
		s.LastSeen = r.now()
	}
}

// Destroy removes the session. Idempotent.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count returns the number of known sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep destroys sessions that have no attached channel and have not been
// seen within the grace period. Returns the ids removed.
func (r *Registry) Sweep(grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-grace)
	var removed []string
	for id, s := range r.sessions {
		if !s.Attached && s.LastSeen.Before(cutoff) {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		slog.Debug("swept stale sessions", slog.Int("count", len(removed)))
	}
	return removed
}
