// Package permission implements the Permission Bridge: it turns an agent
// backend's tool-use ask into a client round-trip, either in-process (the
// backend blocks on requestPermission) or via a long-poll HTTP endpoint
// used by an external hook script. The Bridge exclusively owns all pending
// requests (spec section 3, Ownership); callers only ever see request ids.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is the closed set of valid permission decisions. Any other
// value is "no-decision": the request remains pending (spec section 4.3).
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionAllowAlways Decision = "allow_always"
	DecisionDeny        Decision = "deny"
	// decisionAsk is never accepted from a client; it is what the HTTP
	// long-poll path returns to the calling hook on timeout or shutdown,
	// signalling "fall through to a local prompt".
	decisionAsk Decision = "ask"
)

func isValidClientDecision(d Decision) bool {
	switch d {
	case DecisionAllow, DecisionAllowAlways, DecisionDeny:
		return true
	default:
		return false
	}
}

// Origin distinguishes an in-process SDK ask from the HTTP hook path; both
// surface identically to clients.
type Origin string

const (
	OriginSDK      Origin = "sdk"
	OriginHTTPHook Origin = "http_hook"
)

var (
	ErrRequestNotFound = errors.New("permission: request not found")
	ErrAlreadyResolved = errors.New("permission: already resolved")
)

// EventPublisher is the narrow surface the Bridge needs to notify a
// session's subscribers. Implemented by the Gateway; kept
// interface-only here so this package never imports session (and session
// never needs to import this package either — both are wired together by
// the caller that constructs a Bridge).
type EventPublisher interface {
	PublishPermissionRequest(sessionID, requestID, tool string, input json.RawMessage)
	PublishPermissionResolved(sessionID, requestID string, decision Decision, decidedBy string)
	PublishPermissionTimeout(sessionID, requestID string)
}

// AuditSink records every permission decision for the hash-chained audit
// trail. Implemented by internal/audit.Trail; nil disables auditing.
type AuditSink interface {
	RecordDecision(sessionID, requestID, tool string, input json.RawMessage, origin Origin, decision Decision, decidedBy string) error
}

type pendingRequest struct {
	id        string
	sessionID string
	tool      string
	input     json.RawMessage
	origin    Origin
	createdAt time.Time

	mu       sync.Mutex
	resolved bool
	decision Decision
	decidedBy string
	done     chan struct{}
}

// Bridge owns all pending permission requests process-wide.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	timeout   time.Duration
	publisher EventPublisher
	audit     AuditSink
}

// NewBridge builds a Bridge. timeout is the per-request decision deadline
// (spec default: 5 minutes). publisher may be nil and set later with
// SetPublisher — the Gateway, which implements EventPublisher, is
// constructed after the Bridge it wraps.
func NewBridge(timeout time.Duration, publisher EventPublisher, audit AuditSink) *Bridge {
	return &Bridge{
		pending:   make(map[string]*pendingRequest),
		timeout:   timeout,
		publisher: publisher,
		audit:     audit,
	}
}

// SetPublisher wires the event publisher after construction, breaking the
// Bridge/Gateway construction-order cycle.
func (b *Bridge) SetPublisher(publisher EventPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publisher = publisher
}

// RequestPermission implements session.PermissionRequester: the in-process
// path used when an agent backend calls out for a tool-use decision. It
// blocks until a client resolves the request or the timeout elapses.
func (b *Bridge) RequestPermission(ctx context.Context, sessionID, tool string, input json.RawMessage) (string, error) {
	req := b.register(sessionID, tool, input, OriginSDK)
	return b.await(ctx, req)
}

// RequestPermissionHTTP is the long-poll path: it registers a request the
// same way and blocks the caller (an HTTP handler) until resolution,
// timeout, or shutdown, always returning a decision string — "ask" on
// timeout/shutdown so the calling hook falls through to a local prompt.
func (b *Bridge) RequestPermissionHTTP(ctx context.Context, sessionID, tool string, input json.RawMessage) string {
	req := b.register(sessionID, tool, input, OriginHTTPHook)
	decision, err := b.await(ctx, req)
	if err != nil {
		return string(decisionAsk)
	}
	return decision
}

func (b *Bridge) register(sessionID, tool string, input json.RawMessage, origin Origin) *pendingRequest {
	req := &pendingRequest{
		id:        uuid.NewString(),
		sessionID: sessionID,
		tool:      tool,
		input:     input,
		origin:    origin,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.pending[req.id] = req
	b.mu.Unlock()

	if b.publisher != nil {
		b.publisher.PublishPermissionRequest(sessionID, req.id, tool, input)
	}
	return req
}

// await blocks until req is resolved, the caller's context is cancelled, or
// the 5-minute decision timeout elapses. The timeout outcome differs by
// origin per spec section 4.3: the in-process (SDK) path resolves to deny
// and emits permission_timeout; the HTTP hook path resolves to "ask" so the
// calling hook falls through to a local prompt.
func (b *Bridge) await(ctx context.Context, req *pendingRequest) (string, error) {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-req.done:
		req.mu.Lock()
		decision := req.decision
		req.mu.Unlock()
		return string(decision), nil
	case <-timer.C:
		return string(b.resolveTimeout(req)), nil
	case <-ctx.Done():
		b.resolveCancelled(req)
		return "", ctx.Err()
	}
}

func (b *Bridge) resolveTimeout(req *pendingRequest) Decision {
	fallback := DecisionDeny
	if req.origin == OriginHTTPHook {
		fallback = decisionAsk
	}

	req.mu.Lock()
	if req.resolved {
		existing := req.decision
		req.mu.Unlock()
		return existing
	}
	req.resolved = true
	req.decision = fallback
	req.decidedBy = ""
	close(req.done)
	req.mu.Unlock()

	b.forget(req.id)
	b.recordAudit(req, fallback, "")
	if req.origin == OriginSDK && b.publisher != nil {
		b.publisher.PublishPermissionTimeout(req.sessionID, req.id)
	}
	return fallback
}

// resolveCancelled handles the caller's context ending before either a
// decision or the 5-minute timeout (e.g. an HTTP client disconnecting).
func (b *Bridge) resolveCancelled(req *pendingRequest) {
	req.mu.Lock()
	if req.resolved {
		req.mu.Unlock()
		return
	}
	req.resolved = true
	req.decision = DecisionDeny
	close(req.done)
	req.mu.Unlock()
	b.forget(req.id)
	b.recordAudit(req, DecisionDeny, "")
}

// Resolve applies a client's decision to a pending request. The first
// valid decision wins; later calls for the same request id are reported to
// the caller as ErrAlreadyResolved and a permission_resolved notification
// is published so the losing client's UI can retract. An invalid decision
// value counts as no-decision: the request remains pending and no error is
// returned.
func (b *Bridge) Resolve(requestID string, decision Decision, decidedBy string) error {
	if !isValidClientDecision(decision) {
		return nil
	}

	b.mu.Lock()
	req, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return ErrRequestNotFound
	}

	req.mu.Lock()
	if req.resolved {
		existing := req.decision
		req.mu.Unlock()
		if b.publisher != nil {
			b.publisher.PublishPermissionResolved(req.sessionID, req.id, existing, req.decidedBy)
		}
		return ErrAlreadyResolved
	}

	applied := decision
	if applied == DecisionAllowAlways {
		// Treated equivalently to allow; not persisted as a standing grant
		// (spec section 4.3, acknowledged limitation).
		applied = DecisionAllow
	}
	req.resolved = true
	req.decision = applied
	req.decidedBy = decidedBy
	close(req.done)
	req.mu.Unlock()

	b.forget(requestID)
	b.recordAudit(req, decision, decidedBy)
	if b.publisher != nil {
		b.publisher.PublishPermissionResolved(req.sessionID, req.id, decision, decidedBy)
	}
	return nil
}

func (b *Bridge) forget(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

func (b *Bridge) recordAudit(req *pendingRequest, decision Decision, decidedBy string) {
	if b.audit == nil {
		return
	}
	_ = b.audit.RecordDecision(req.sessionID, req.id, req.tool, req.input, req.origin, decision, decidedBy)
}

// ShutdownAll resolves every outstanding request, regardless of origin, to
// "ask" so a waiting HTTP hook falls through to a local prompt and a waiting
// in-process caller gets a decision back. This is the Gateway-drain
// behaviour and is distinct from resolveTimeout's per-origin fallback.
func (b *Bridge) ShutdownAll() {
	b.mu.Lock()
	all := make([]*pendingRequest, 0, len(b.pending))
	for _, req := range b.pending {
		all = append(all, req)
	}
	b.mu.Unlock()

	for _, req := range all {
		req.mu.Lock()
		if req.resolved {
			req.mu.Unlock()
			continue
		}
		req.resolved = true
		req.decision = decisionAsk
		close(req.done)
		req.mu.Unlock()
		b.forget(req.id)
		b.recordAudit(req, decisionAsk, "")
	}
}

// PendingCount returns the number of unresolved requests.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
