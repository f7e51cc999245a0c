package receipt

import (
	"errors"
	"sync"
)

// ErrSessionNotFound is returned when a session has no receipts.
var ErrSessionNotFound = errors.New("session not found")

// SessionIndex tracks issued receipts per session so successive receipts can
// chain from the right predecessor. It is an in-memory index over receipts
// the caller owns; durable receipt custody stays with callers.
type SessionIndex struct {
	mu       sync.RWMutex
	sessions map[string][]*SignedReceipt
	order    []string
}

// NewSessionIndex creates an empty index.
func NewSessionIndex() *SessionIndex {
	return &SessionIndex{sessions: make(map[string][]*SignedReceipt)}
}

// Add records an issued receipt under its session.
func (x *SessionIndex) Add(r *SignedReceipt) {
	if r == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	id := r.Payload.SessionID
	if _, ok := x.sessions[id]; !ok {
		x.order = append(x.order, id)
	}
	x.sessions[id] = append(x.sessions[id], r)
}

// Tip returns the most recently added receipt of a session, or nil for a
// fresh session.
func (x *SessionIndex) Tip(sessionID string) *SignedReceipt {
	x.mu.RLock()
	defer x.mu.RUnlock()
	rs := x.sessions[sessionID]
	if len(rs) == 0 {
		return nil
	}
	return rs[len(rs)-1]
}

// Receipts returns a snapshot of a session's receipts in issue order.
func (x *SessionIndex) Receipts(sessionID string) ([]*SignedReceipt, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	rs, ok := x.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]*SignedReceipt, len(rs))
	copy(out, rs)
	return out, nil
}

// Sessions returns all known session ids in first-seen order.
func (x *SessionIndex) Sessions() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, len(x.order))
	copy(out, x.order)
	return out
}
