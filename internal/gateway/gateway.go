// Package gateway implements the WebSocket Gateway: it terminates client
// connections, authenticates them, applies rate limits, dispatches the
// client->server protocol, fans session events out with delta batching,
// tracks the primary client per session, and drains on shutdown.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chroxy/chroxy/internal/authtoken"
	"github.com/chroxy/chroxy/internal/chroxyerr"
	"github.com/chroxy/chroxy/internal/config"
	"github.com/chroxy/chroxy/internal/permission"
	"github.com/chroxy/chroxy/internal/ratelimit"
	"github.com/chroxy/chroxy/internal/session"
)

const maxClientFrameBytes = 64 << 10

// Gateway is the spec's most complex component: connection lifecycle,
// auth, protocol dispatch, delta batching, multi-client awareness, and
// draining all live here, coordinated by one dispatch goroutine reading
// the Session Manager's multiplexed event stream.
type Gateway struct {
	cfg         *config.Config
	sessions    *session.Manager
	bridge      *permission.Bridge
	authLimiter *ratelimit.AuthLimiter
	logger      *slog.Logger

	serverVersion string

	mu       sync.Mutex
	clients  map[string]*client
	primary  map[string]string // sessionId -> clientId currently primary
	draining bool

	managerEvents chan session.ManagerEvent
	stopDispatch  chan struct{}
}

// New builds a Gateway. Call Run once before serving connections.
func New(cfg *config.Config, sessions *session.Manager, bridge *permission.Bridge, authLimiter *ratelimit.AuthLimiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:           cfg,
		sessions:      sessions,
		bridge:        bridge,
		authLimiter:   authLimiter,
		logger:        logger,
		serverVersion: "dev",
		clients:       make(map[string]*client),
		primary:       make(map[string]string),
		managerEvents: sessions.Subscribe(),
		stopDispatch:  make(chan struct{}),
	}
	return g
}

// SetVersion records the build version surfaced in auth_ok and /health.
func (g *Gateway) SetVersion(v string) {
	if v != "" {
		g.serverVersion = v
	}
}

// Run starts the background dispatch loop that turns Session Manager
// events into client-bound wire frames. Call once, before accepting
// connections.
func (g *Gateway) Run() {
	go g.dispatchLoop()
}

func (g *Gateway) dispatchLoop() {
	for {
		select {
		case ev, ok := <-g.managerEvents:
			if !ok {
				return
			}
			g.routeSessionEvent(ev)
		case <-g.stopDispatch:
			return
		}
	}
}

func (g *Gateway) clientsViewing(sessionID string) []*client {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		if c.isAuthenticated() && c.getViewingSession() == sessionID {
			out = append(out, c)
		}
	}
	return out
}

func (g *Gateway) routeSessionEvent(mev session.ManagerEvent) {
	switch mev.Event.Type {
	case session.EventReady, session.EventExit:
		return // internal bookkeeping only, no wire representation
	case session.EventStreamDelta:
		for _, c := range g.clientsViewing(mev.SessionID) {
			c.sendDelta(mev.Event.MessageID, mev.Event.Delta)
		}
		return
	}

	payload := eventPayload(mev.Event)
	for _, c := range g.clientsViewing(mev.SessionID) {
		if mev.Event.MessageID != "" {
			c.sendForMessage(mev.Event.MessageID, payload)
			continue
		}
		c.send(payload)
	}
}

// eventPayload turns a session.Event into a wire-ready map using its own
// JSON tags, so every server->client field name here stays in lockstep
// with the Agent Session's event shape.
func eventPayload(ev session.Event) map[string]any {
	data, err := json.Marshal(ev)
	if err != nil {
		return map[string]any{"type": string(ev.Type)}
	}
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

// ServeHTTP upgrades a connection and runs it until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	draining := g.draining
	g.mu.Unlock()
	if draining {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}

	c := newClient(newClientID(), conn, g)
	g.addClient(c)
	defer g.removeClient(c)

	// coder/websocket enforces this itself: a frame over the limit makes
	// Read return an error and the library closes the connection, giving
	// us the spec's "oversized frame closes the connection" for free.
	c.conn.SetReadLimit(maxClientFrameBytes)

	go c.outboundLoop(g.cfg.Timeout.DeltaBatchInterval)
	go g.keepalive(c)

	g.serveClient(r.Context(), c, clientIP(r, g.cfg.RateLimit.TrustedProxy))
}

func (g *Gateway) addClient(c *client) {
	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
}

func (g *Gateway) removeClient(c *client) {
	c.close(websocket.StatusNormalClosure, "")

	g.mu.Lock()
	delete(g.clients, c.id)
	for sid, pid := range g.primary {
		if pid == c.id {
			delete(g.primary, sid)
		}
	}
	g.mu.Unlock()

	if c.isAuthenticated() {
		g.broadcastExcept(c.id, map[string]any{"type": "client_left", "clientId": c.id})
	}
}

// serveClient runs the auth handshake then the message-dispatch read loop.
func (g *Gateway) serveClient(ctx context.Context, c *client, ip string) {
	if !g.cfg.AuthRequired {
		g.completeAuth(c, deviceInfo{})
	} else if !g.awaitAuth(ctx, c, ip) {
		return
	}

	g.readLoop(ctx, c)
}

// awaitAuth enforces the 10s auth timeout and the pre-auth drop counter,
// accepting exactly one "auth" message and rejecting everything else
// silently (spec section 4.4.1).
func (g *Gateway) awaitAuth(ctx context.Context, c *client, ip string) bool {
	authCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout.AuthTimeout)
	defer cancel()

	for {
		typ, data, err := c.conn.Read(authCtx)
		if err != nil {
			return false
		}
		if typ == websocket.MessageBinary {
			continue
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil || env.Type != msgAuth {
			c.incPreAuthDrops()
			continue
		}

		var f authFrame
		if !decodeField(data, &f) {
			c.incPreAuthDrops()
			continue
		}
		if g.handleAuth(c, f, ip) {
			return true
		}
		return false
	}
}

// handleAuth validates the rate limit and token, sends auth_fail and
// closes on failure, or completes the handshake on success.
func (g *Gateway) handleAuth(c *client, f authFrame, ip string) bool {
	now := time.Now()
	if ok, _ := g.authLimiter.Allowed(ip, now); !ok {
		c.writeJSON(map[string]any{"type": "auth_fail", "reason": "rate_limited"})
		c.close(websocket.StatusPolicyViolation, "rate_limited")
		return false
	}

	if !authtoken.Equal(f.Token, g.cfg.Token) {
		g.authLimiter.RecordFailure(ip, now)
		c.writeJSON(map[string]any{"type": "auth_fail", "reason": chroxyerr.Kind(chroxyerr.ErrInvalidToken)})
		c.close(websocket.StatusPolicyViolation, "invalid_token")
		return false
	}

	g.authLimiter.RecordSuccess(ip)
	device := deviceInfo{}
	if f.DeviceInfo != nil {
		device = *f.DeviceInfo
	}
	g.completeAuth(c, device)
	return true
}

// completeAuth sends the exact post-auth sequence required by spec section
// 4.4.1, binds the client to the default session, and delivers its replay.
func (g *Gateway) completeAuth(c *client, device deviceInfo) {
	c.markAuthenticated(device)

	connected := g.connectedClientsSnapshot(c.id)
	c.send(map[string]any{
		"type":            "auth_ok",
		"clientId":        c.id,
		"serverMode":      g.serverMode(),
		"serverVersion":   g.serverVersion,
		"connectedClients": connected,
	})
	c.send(map[string]any{"type": "server_mode", "mode": g.serverMode()})
	c.send(map[string]any{"type": "status", "draining": g.isDraining()})
	c.send(map[string]any{"type": "session_list", "sessions": g.sessions.ListSessions()})
	c.send(map[string]any{"type": "available_models", "models": g.sessions.Models().Names()})
	c.send(map[string]any{"type": "available_permission_modes", "modes": []string{"approve", "auto", "plan"}})

	defaultID := g.defaultSessionID()
	c.setViewingSession(defaultID)
	c.send(map[string]any{"type": "session_switched", "sessionId": defaultID})
	g.deliverReplay(c, defaultID)

	g.broadcastExcept(c.id, map[string]any{"type": "client_joined", "client": map[string]any{
		"clientId": c.id,
		"device":   device,
	}})
}

// Health reports the status word the /health endpoint publishes: "ok"
// normally, "restarting" while draining (the Supervisor's own /health
// reports "restarting" while the child is down entirely; this is the
// in-process equivalent while the Gateway itself is draining).
func (g *Gateway) Health() (status, mode string) {
	if g.isDraining() {
		return "restarting", g.serverMode()
	}
	return "ok", g.serverMode()
}

func (g *Gateway) serverMode() string {
	if g.cfg.AuthRequired {
		return "remote"
	}
	return "cli"
}

func (g *Gateway) isDraining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draining
}

func (g *Gateway) connectedClientsSnapshot(exclude string) []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]map[string]any, 0, len(g.clients))
	for id, c := range g.clients {
		if id == exclude || !c.isAuthenticated() {
			continue
		}
		out = append(out, map[string]any{"clientId": id, "device": c.deviceSnapshot()})
	}
	return out
}

func (g *Gateway) defaultSessionID() string {
	infos := g.sessions.ListSessions()
	if len(infos) == 0 {
		return ""
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos[0].ID
}

func (g *Gateway) deliverReplay(c *client, sessionID string) {
	entries, err := g.sessions.GetHistory(sessionID)
	if err != nil {
		return
	}
	c.send(map[string]any{"type": "history_replay_start", "sessionId": sessionID})
	for _, e := range entries {
		c.send(map[string]any{"type": "message", "sessionId": sessionID, "entry": e})
	}
	c.send(map[string]any{"type": "history_replay_end", "sessionId": sessionID})
}

func (g *Gateway) broadcastExcept(exclude string, payload map[string]any) {
	g.mu.Lock()
	targets := make([]*client, 0, len(g.clients))
	for id, c := range g.clients {
		if id != exclude && c.isAuthenticated() {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()
	for _, c := range targets {
		c.send(payload)
	}
}

func (g *Gateway) broadcastToSession(sessionID string, payload map[string]any) {
	for _, c := range g.clientsViewing(sessionID) {
		c.send(payload)
	}
}

func (g *Gateway) broadcastAll(payload map[string]any) {
	g.mu.Lock()
	targets := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		if c.isAuthenticated() {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()
	for _, c := range targets {
		c.send(payload)
	}
}

// keepalive pings the client every PingInterval. Two consecutive missed
// pongs close the connection with 1011. This timer is intentionally never
// waited on at shutdown — it must not hold up process exit.
func (g *Gateway) keepalive(c *client) {
	ticker := time.NewTicker(g.cfg.Timeout.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout.PingInterval/2)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.mu.Lock()
				c.pingMisses++
				missed := c.pingMisses
				c.mu.Unlock()
				if missed >= 2 {
					c.close(websocket.StatusInternalError, "ping_missed")
					return
				}
				continue
			}
			c.mu.Lock()
			c.pingMisses = 0
			c.mu.Unlock()
		}
	}
}

func newClientID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// clientIP returns the rate-limit/auth key for a connection: the raw
// socket peer by default, or X-Forwarded-For only when the server is
// explicitly configured to trust a reverse proxy (spec section 4.4.1 —
// never trust the header by default).
func clientIP(r *http.Request, trustedProxy bool) string {
	if trustedProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// expandHome resolves a leading "~" in path to the current user's home
// directory, as list_directory must (spec section 4.4.2).
func expandHome(path string) string {
	if path == "~" {
		if u, err := user.Current(); err == nil {
			return u.HomeDir
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if u, err := user.Current(); err == nil {
			return filepath.Join(u.HomeDir, path[2:])
		}
	}
	return path
}

// Drain enters draining mode: new connections are refused, in-flight
// turns are given up to DrainTimeout to finish, then all pending
// permission requests resolve to "ask", every client is closed with 1001,
// and sessions are destroyed (spec section 4.4.5).
func (g *Gateway) Drain(ctx context.Context) {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()

	deadline := time.After(g.cfg.Timeout.DrainTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

waitLoop:
	for {
		select {
		case <-deadline:
			break waitLoop
		case <-ctx.Done():
			break waitLoop
		case <-ticker.C:
			if !g.anySessionBusy() {
				break waitLoop
			}
		}
	}

	g.bridge.ShutdownAll()

	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "draining")
	}

	close(g.stopDispatch)
	g.sessions.DestroyAll()
}

func (g *Gateway) anySessionBusy() bool {
	for _, info := range g.sessions.ListSessions() {
		if info.Busy {
			return true
		}
	}
	return false
}
