// Package hub owns the per-session push channels and the notification
// vocabulary pushed to workers over their WebSocket.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Type tags a push message.
type Type string

const (
	TypeAccessGranted  Type = "access_granted"
	TypeAccessRevoked  Type = "access_revoked"
	TypeTimeoutWarning Type = "timeout_warning"
	TypeCookiesUpdated Type = "cookies_updated"
	TypeCookiesCleared Type = "cookies_cleared"
	TypeQueuePosition  Type = "queue_position"
)

// Message is one push frame. Fields are populated per type and omitted
// otherwise.
type Message struct {
	Type    Type   `json:"type"`
	Message string `json:"message,omitempty"`

	AllocatedDomains []string `json:"allocated_domains,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	SecondsRemaining int      `json:"seconds_remaining,omitempty"`
	Count            int      `json:"count,omitempty"`
	LoggedIn         *bool    `json:"logged_in,omitempty"`
	Position         int      `json:"position,omitempty"`
	Timestamp        string   `json:"timestamp,omitempty"`
}

// lossless reports whether the message may never be silently dropped.
// Overflow on these closes the channel instead, forcing the worker to
// re-sync on reconnect.
func (m Message) lossless() bool {
	return m.Type == TypeAccessGranted || m.Type == TypeAccessRevoked
}

// ErrNoChannel is returned by Send when the session has no live channel.
var ErrNoChannel = errors.New("no push channel for session")

// channelBuffer bounds undelivered frames per session before the overflow
// policy kicks in.
const channelBuffer = 16

// Hub maps session ids to their push channel. Sends never block: a slow
// consumer loses its oldest droppable frame, or its whole channel when a
// lossless frame cannot be buffered.
type Hub struct {
	mu       sync.Mutex
	channels map[string]chan Message
}

func New() *Hub {
	return &Hub{channels: make(map[string]chan Message)}
}

// Attach creates the push channel for a session. The caller (the WebSocket
// writer) must drain the returned channel until it is closed. A session can
// hold at most one channel at a time.
func (h *Hub) Attach(sessionID string) (<-chan Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[sessionID]; ok {
		return nil, errors.New("push channel already attached")
	}
	ch := make(chan Message, channelBuffer)
	h.channels[sessionID] = ch
	return ch, nil
}

// Detach closes and removes the session's channel. Idempotent.
func (h *Hub) Detach(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(sessionID)
}

func (h *Hub) detachLocked(sessionID string) {
	if ch, ok := h.channels[sessionID]; ok {
		delete(h.channels, sessionID)
		close(ch)
	}
}

// Send queues a message for one session. Best-effort, at-most-once, in-order
// per session. On overflow the oldest undelivered frame is dropped, except
// for lossless types where the channel is closed instead.
func (h *Hub) Send(sessionID string, msg Message) error {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().Format(time.RFC3339Nano)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[sessionID]
	if !ok {
		return ErrNoChannel
	}
	select {
	case ch <- msg:
		return nil
	default:
	}

	if msg.lossless() {
		// The worker cannot be allowed to miss a grant or a revocation.
		// Drop the channel; the session re-syncs on its next contact.
		slog.Warn("push channel overflow on lossless frame, closing",
			slog.String("session_id", sessionID), slog.String("type", string(msg.Type)))
		h.detachLocked(sessionID)
		return errors.New("push channel overflow")
	}

	// Make room by discarding the oldest frame, then retry once. The second
	// send can still miss if the consumer races us; that loss is within the
	// best-effort contract.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
	default:
	}
	return nil
}

// Broadcast sends to every attached session. Individual failures do not
// affect other sessions.
func (h *Hub) Broadcast(msg Message) {
	for _, id := range h.Sessions() {
		_ = h.Send(id, msg)
	}
}

// Sessions returns the ids with a live channel.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.channels))
	for id := range h.channels {
		ids = append(ids, id)
	}
	return ids
}

// Connected reports whether the session has a live channel.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.channels[sessionID]
	return ok
}

// CloseAll detaches every session. Used on shutdown after the final
// notifications have been queued.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.channels {
		h.detachLocked(id)
	}
}
