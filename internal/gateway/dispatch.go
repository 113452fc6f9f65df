package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/coder/websocket"

	"github.com/chroxy/chroxy/internal/chroxyerr"
	"github.com/chroxy/chroxy/internal/permission"
)

// maxProtocolErrors is the per-client abuse threshold (spec section 7):
// past this many dropped/invalid frames in one session, close with 1003.
const maxProtocolErrors = 100

// readLoop is the authenticated message-dispatch loop: every frame is
// decoded, shape-validated, and handed to its handler, or dropped.
func (g *Gateway) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			if g.protocolDrop(c) {
				return
			}
			continue
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			if g.protocolDrop(c) {
				return
			}
			continue
		}

		if !g.dispatch(c, env.Type, data) {
			if g.protocolDrop(c) {
				return
			}
		}
	}
}

// protocolDrop increments the abuse counter and reports whether the
// connection has now crossed the threshold and must be closed.
func (g *Gateway) protocolDrop(c *client) bool {
	if c.incProtocolError() > maxProtocolErrors {
		c.close(websocket.StatusUnsupportedData, "too many protocol errors")
		return true
	}
	return false
}

// dispatch routes one decoded frame by type. It returns false for unknown
// types or field-shape mismatches, which the caller counts as a protocol
// drop; a recognised, well-shaped message always returns true even if the
// operation itself later fails (that failure is reported via session_error
// or similar, not as a protocol drop).
func (g *Gateway) dispatch(c *client, msgType string, data json.RawMessage) bool {
	switch msgType {
	case msgAuth:
		return true // already authenticated; a second auth is a no-op, not an error
	case msgInput:
		return g.handleInput(c, data)
	case msgInterrupt:
		g.handleInterrupt(c)
		return true
	case msgSetModel:
		return g.handleSetModel(c, data)
	case msgSetPermissionMode:
		return g.handleSetPermissionMode(c, data)
	case msgPermissionResponse:
		return g.handlePermissionResponse(c, data)
	case msgUserQuestionResponse:
		return g.handleUserQuestionResponse(c, data)
	case msgListSessions:
		g.handleListSessions(c)
		return true
	case msgCreateSession:
		return g.handleCreateSession(c, data)
	case msgSwitchSession:
		return g.handleSwitchSession(c, data)
	case msgDestroySession:
		return g.handleDestroySession(c, data)
	case msgRenameSession:
		return g.handleRenameSession(c, data)
	case msgListDirectory:
		return g.handleListDirectory(c, data)
	default:
		return false
	}
}

func (g *Gateway) sendSessionError(c *client, sessionID, kind string) {
	c.send(map[string]any{"type": "session_error", "sessionId": sessionID, "error": kind})
}

func (g *Gateway) handleInput(c *client, data json.RawMessage) bool {
	var f inputFrame
	if !decodeField(data, &f) {
		return false
	}
	text, ok := nonEmptyTrimmed(f.Data)
	if !ok {
		return false
	}

	sessionID := c.getViewingSession()
	if g.isDraining() {
		g.sendSessionError(c, sessionID, chroxyerr.Kind(chroxyerr.ErrDraining))
		return true
	}

	agent, ok := g.sessions.GetSession(sessionID)
	if !ok {
		g.sendSessionError(c, sessionID, chroxyerr.Kind(chroxyerr.ErrSessionNotFound))
		return true
	}
	if err := agent.Send(text); err != nil {
		g.sendSessionError(c, sessionID, chroxyerr.Kind(err))
		return true
	}
	g.sessions.RecordUserInput(sessionID, text)
	g.setPrimary(sessionID, c)
	return true
}

// setPrimary marks c as the session's primary client if it wasn't already,
// broadcasting primary_changed to everyone viewing that session.
func (g *Gateway) setPrimary(sessionID string, c *client) {
	g.mu.Lock()
	prev, had := g.primary[sessionID]
	changed := !had || prev != c.id
	if changed {
		g.primary[sessionID] = c.id
	}
	g.mu.Unlock()

	if changed {
		g.broadcastToSession(sessionID, map[string]any{
			"type": "primary_changed", "clientId": c.id, "sessionId": sessionID,
		})
	}
}

func (g *Gateway) handleInterrupt(c *client) {
	sessionID := c.getViewingSession()
	agent, ok := g.sessions.GetSession(sessionID)
	if !ok {
		g.sendSessionError(c, sessionID, chroxyerr.Kind(chroxyerr.ErrSessionNotFound))
		return
	}
	_ = agent.Interrupt()
}

func (g *Gateway) handleSetModel(c *client, data json.RawMessage) bool {
	var f setModelFrame
	if !decodeField(data, &f) {
		return false
	}
	model, ok := nonEmptyTrimmed(f.Model)
	if !ok {
		return false
	}

	sessionID := c.getViewingSession()
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout.ModelChangeTimeout)
	defer cancel()
	if err := g.sessions.SetModel(ctx, sessionID, model, g.cfg.Timeout.ModelChangeTimeout); err != nil {
		g.sendSessionError(c, sessionID, chroxyerr.Kind(err))
		return true
	}
	g.broadcastToSession(sessionID, map[string]any{"type": "model_changed", "sessionId": sessionID, "model": model})
	return true
}

func (g *Gateway) handleSetPermissionMode(c *client, data json.RawMessage) bool {
	var f setPermissionModeFrame
	if !decodeField(data, &f) {
		return false
	}
	switch f.Mode {
	case "approve", "auto", "plan":
	default:
		return false
	}

	sessionID := c.getViewingSession()
	if f.Mode == "auto" && !f.Confirmed {
		c.send(map[string]any{
			"type":    "confirm_permission_mode",
			"mode":    "auto",
			"warning": "auto mode skips all permission prompts for this session until changed",
		})
		return true
	}

	if err := g.sessions.SetPermissionMode(sessionID, f.Mode); err != nil {
		g.sendSessionError(c, sessionID, chroxyerr.Kind(err))
		return true
	}
	g.broadcastToSession(sessionID, map[string]any{
		"type": "permission_mode_changed", "sessionId": sessionID, "mode": f.Mode,
	})
	return true
}

func (g *Gateway) handlePermissionResponse(c *client, data json.RawMessage) bool {
	var f permissionResponseFrame
	if !decodeField(data, &f) {
		return false
	}
	if _, ok := nonEmptyTrimmed(f.RequestID); !ok {
		return false
	}
	_ = g.bridge.Resolve(f.RequestID, permission.Decision(f.Decision), c.id)
	return true
}

func (g *Gateway) handleUserQuestionResponse(c *client, data json.RawMessage) bool {
	var f userQuestionResponseFrame
	if !decodeField(data, &f) {
		return false
	}
	sessionID := c.getViewingSession()
	agent, ok := g.sessions.GetSession(sessionID)
	if !ok {
		return true
	}
	_ = agent.AnswerUserQuestion(f.Answer)
	return true
}

func (g *Gateway) handleListSessions(c *client) {
	c.send(map[string]any{"type": "session_list", "sessions": g.sessions.ListSessions()})
}

func (g *Gateway) handleCreateSession(c *client, data json.RawMessage) bool {
	var f createSessionFrame
	if !decodeField(data, &f) {
		return false
	}
	id, err := g.sessions.CreateSession(f.Name, f.Cwd)
	if err != nil {
		g.sendSessionError(c, "", chroxyerr.Kind(err))
		return true
	}
	g.broadcastAll(map[string]any{"type": "session_list", "sessions": g.sessions.ListSessions()})
	c.setViewingSession(id)
	c.send(map[string]any{"type": "session_switched", "sessionId": id})
	g.deliverReplay(c, id)
	return true
}

func (g *Gateway) handleSwitchSession(c *client, data json.RawMessage) bool {
	var f switchSessionFrame
	if !decodeField(data, &f) {
		return false
	}
	if _, ok := g.sessions.GetSession(f.SessionID); !ok {
		g.sendSessionError(c, f.SessionID, chroxyerr.Kind(chroxyerr.ErrSessionNotFound))
		return true
	}
	c.setViewingSession(f.SessionID)
	c.send(map[string]any{"type": "session_switched", "sessionId": f.SessionID})
	g.deliverReplay(c, f.SessionID)
	return true
}

func (g *Gateway) handleDestroySession(c *client, data json.RawMessage) bool {
	var f destroySessionFrame
	if !decodeField(data, &f) {
		return false
	}
	if err := g.sessions.DestroySession(f.SessionID); err != nil {
		g.sendSessionError(c, f.SessionID, chroxyerr.Kind(err))
		return true
	}

	fallback := g.defaultSessionID()
	g.mu.Lock()
	affected := make([]*client, 0)
	for _, other := range g.clients {
		if other.getViewingSession() == f.SessionID {
			affected = append(affected, other)
		}
	}
	g.mu.Unlock()
	for _, other := range affected {
		other.setViewingSession(fallback)
		other.send(map[string]any{"type": "session_switched", "sessionId": fallback})
		g.deliverReplay(other, fallback)
	}

	g.broadcastAll(map[string]any{"type": "session_list", "sessions": g.sessions.ListSessions()})
	return true
}

func (g *Gateway) handleRenameSession(c *client, data json.RawMessage) bool {
	var f renameSessionFrame
	if !decodeField(data, &f) {
		return false
	}
	if err := g.sessions.RenameSession(f.SessionID, f.Name); err != nil {
		g.sendSessionError(c, f.SessionID, chroxyerr.Kind(err))
		return true
	}
	g.broadcastAll(map[string]any{"type": "session_list", "sessions": g.sessions.ListSessions()})
	return true
}

type directoryEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

func (g *Gateway) handleListDirectory(c *client, data json.RawMessage) bool {
	var f listDirectoryFrame
	if !decodeField(data, &f) {
		return false
	}
	path := expandHome(f.Path)
	if path == "" {
		path = "."
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		c.send(map[string]any{
			"type": "directory_listing", "path": path,
			"entries": []directoryEntry{}, "error": classifyDirError(err),
		})
		return true
	}

	listing := make([]directoryEntry, 0, len(entries))
	for _, e := range entries {
		listing = append(listing, directoryEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	c.send(map[string]any{"type": "directory_listing", "path": filepath.Clean(path), "entries": listing})
	return true
}

func classifyDirError(err error) string {
	if os.IsNotExist(err) {
		return "not_found"
	}
	if os.IsPermission(err) {
		return "permission_denied"
	}
	return "unknown"
}
