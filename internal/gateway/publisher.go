package gateway

import (
	"encoding/json"

	"github.com/chroxy/chroxy/internal/permission"
)

// The Gateway implements permission.EventPublisher: it is the only
// component that knows which clients are viewing a session, so the Bridge
// delegates all client-facing notification to it.

func (g *Gateway) PublishPermissionRequest(sessionID, requestID, tool string, input json.RawMessage) {
	g.broadcastToSession(sessionID, map[string]any{
		"type": "permission_request", "sessionId": sessionID,
		"requestId": requestID, "tool": tool, "input": input,
	})
}

func (g *Gateway) PublishPermissionResolved(sessionID, requestID string, decision permission.Decision, decidedBy string) {
	g.broadcastToSession(sessionID, map[string]any{
		"type": "permission_resolved", "sessionId": sessionID,
		"requestId": requestID, "decision": decision, "decidedBy": decidedBy,
	})
}

func (g *Gateway) PublishPermissionTimeout(sessionID, requestID string) {
	g.broadcastToSession(sessionID, map[string]any{
		"type": "permission_timeout", "sessionId": sessionID, "requestId": requestID,
	})
}
