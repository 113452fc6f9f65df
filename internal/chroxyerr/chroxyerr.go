// Package chroxyerr defines the error taxonomy shared across chroxy's
// subsystems, grouped the way spec section 7 enumerates them: Auth,
// Protocol, Session, Agent, Permission, Transport.
package chroxyerr

import "errors"

// Auth errors. Reported on the wire and close the connection.
var (
	ErrInvalidToken = errors.New("auth: invalid_token")
	ErrRateLimited  = errors.New("auth: rate_limited")
	ErrAuthTimeout  = errors.New("auth: timeout")
)

// Protocol errors. Dropped silently; repeated occurrences close the connection.
var (
	ErrUnknownType = errors.New("protocol: unknown_type")
	ErrBadField    = errors.New("protocol: bad_field")
	ErrOversized   = errors.New("protocol: oversized")
)

// Session errors. Reported via a session_error message; the connection stays open.
var (
	ErrSessionNotFound   = errors.New("session: not_found")
	ErrLastSession       = errors.New("session: last_session")
	ErrMaxSessionsReached = errors.New("session: max_sessions")
	ErrInvalidCwd        = errors.New("session: invalid_cwd")
	ErrNotReady          = errors.New("session: not_ready")
)

// Agent errors.
var (
	ErrAgentCrashed          = errors.New("agent: crashed")
	ErrAgentProtocol         = errors.New("agent: protocol")
	ErrModelChangeTimeout    = errors.New("agent: model_change_timeout")
	ErrInterruptFailed       = errors.New("agent: interrupt_failed")
	ErrUnknownModel          = errors.New("agent: unknown_model")
)

// Permission errors.
var (
	ErrPermissionTimeout   = errors.New("permission: timeout")
	ErrPermissionCancelled = errors.New("permission: cancelled")
)

// Transport errors.
var (
	ErrPingMissed  = errors.New("transport: ping_missed")
	ErrDraining    = errors.New("transport: draining")
	ErrShuttingDown = errors.New("transport: shutting_down")
)

// Kind returns the short wire-level string (e.g. "invalid_token") used in
// auth_fail.reason, session_error.error, and similar fields, for a known
// sentinel error. It returns "" for errors outside the taxonomy.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAuthTimeout):
		return "timeout"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrBadField):
		return "bad_field"
	case errors.Is(err, ErrOversized):
		return "oversized"
	case errors.Is(err, ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, ErrLastSession):
		return "last_session"
	case errors.Is(err, ErrMaxSessionsReached):
		return "max_sessions"
	case errors.Is(err, ErrInvalidCwd):
		return "invalid_cwd"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrAgentCrashed):
		return "crashed"
	case errors.Is(err, ErrAgentProtocol):
		return "protocol"
	case errors.Is(err, ErrModelChangeTimeout):
		return "model_change_timeout"
	case errors.Is(err, ErrInterruptFailed):
		return "interrupt_failed"
	case errors.Is(err, ErrUnknownModel):
		return "unknown_model"
	case errors.Is(err, ErrPermissionTimeout):
		return "timeout"
	case errors.Is(err, ErrPermissionCancelled):
		return "cancelled"
	case errors.Is(err, ErrPingMissed):
		return "ping_missed"
	case errors.Is(err, ErrDraining):
		return "draining"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return ""
	}
}
