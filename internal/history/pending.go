package history

import (
	"strings"
	"sync"
)

// pendingKey identifies an in-flight streamed response awaiting stream_end.
type pendingKey struct {
	sessionID string
	messageID string
}

// Pending accumulates stream_delta text for in-flight messages, keyed by
// (sessionId, messageId), until stream_end materialises them into history.
// A late delta for a key that was never started (or already finalised) is
// dropped silently, per spec section 4.2's history recording rules.
type Pending struct {
	mu   sync.Mutex
	data map[pendingKey]*strings.Builder
}

// NewPending creates an empty pending-delta tracker.
func NewPending() *Pending {
	return &Pending{data: make(map[pendingKey]*strings.Builder)}
}

// Start registers a new in-flight message on stream_start.
func (p *Pending) Start(sessionID, messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[pendingKey{sessionID, messageID}] = &strings.Builder{}
}

// Append adds delta text to an in-flight message. Returns false if no
// pending entry exists (a late delta), in which case the caller drops it.
func (p *Pending) Append(sessionID, messageID, delta string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.data[pendingKey{sessionID, messageID}]
	if !ok {
		return false
	}
	b.WriteString(delta)
	return true
}

// Finish removes the pending entry for a message and returns its accumulated
// text. The second return value is false if no pending entry existed.
func (p *Pending) Finish(sessionID, messageID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pendingKey{sessionID, messageID}
	b, ok := p.data[key]
	if !ok {
		return "", false
	}
	delete(p.data, key)
	return b.String(), true
}

// DiscardSession drops all pending entries belonging to a session, used when
// a session is destroyed mid-stream.
func (p *Pending) DiscardSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.data {
		if k.sessionID == sessionID {
			delete(p.data, k)
		}
	}
}
