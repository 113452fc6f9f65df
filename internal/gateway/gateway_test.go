package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/chroxy/chroxy/internal/config"
	"github.com/chroxy/chroxy/internal/permission"
	"github.com/chroxy/chroxy/internal/ratelimit"
	"github.com/chroxy/chroxy/internal/session"
)

func testConfig(authRequired bool, token string) *config.Config {
	return &config.Config{
		Port:         "0",
		Token:        token,
		AuthRequired: authRequired,
		AllowedModels: []string{"sonnet", "claude-sonnet-4-5"},
		Timeout: config.TimeoutConfig{
			AuthTimeout:        time.Second,
			ModelChangeTimeout: time.Second,
			PermissionTimeout:  time.Second,
			DrainTimeout:       time.Second,
			PingInterval:       time.Hour, // keep keepalive out of the way of short-lived tests
			DeltaBatchInterval: 20 * time.Millisecond,
		},
		RateLimit: config.RateLimitConfig{
			FailureThreshold: 5,
			Window:           time.Minute,
			CooldownCap:      5 * time.Minute,
		},
		Session: config.SessionConfig{MaxSessions: 5, HistoryCap: 100, DefaultCwd: "."},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	t.Cleanup(session.SetAgentBinaryForTesting("true"))
	sessionsManager := session.NewManager(cfg.Session.MaxSessions, cfg.Session.HistoryCap, session.DefaultModelRegistry(), nil, nil)
	bridge := permission.NewBridge(cfg.Timeout.PermissionTimeout, nil, nil)
	authLimiter := ratelimit.NewAuthLimiter(cfg.RateLimit.FailureThreshold, cfg.RateLimit.Window, cfg.RateLimit.CooldownCap)

	gw := New(cfg, sessionsManager, bridge, authLimiter, nil)
	bridge.SetPublisher(gw)
	gw.Run()

	if _, err := sessionsManager.CreateSession("default", "."); err != nil {
		t.Fatalf("seeding default session: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	t.Cleanup(srv.Close)
	return gw, srv
}

func dial(t *testing.T, srv *httptest.Server) (*websocket.Conn, func()) {
	t.Helper()
	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() { conn.Close(websocket.StatusNormalClosure, "") }
}

func readType(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return env.Type
}

func TestGateway_AutoAuthLocalMode(t *testing.T) {
	cfg := testConfig(false, "")
	_, srv := newTestGateway(t, cfg)
	conn, closeFn := dial(t, srv)
	defer closeFn()

	want := []string{"auth_ok", "server_mode", "status", "session_list", "available_models"}
	for _, w := range want {
		if got := readType(t, conn); got != w {
			t.Fatalf("expected %q, got %q", w, got)
		}
	}
}

func TestGateway_InvalidToken(t *testing.T) {
	cfg := testConfig(true, "test-secret-token")
	_, srv := newTestGateway(t, cfg)
	conn, closeFn := dial(t, srv)
	defer closeFn()

	auth, _ := json.Marshal(map[string]any{"type": "auth", "token": "wrong-token"})
	if err := conn.Write(context.Background(), websocket.MessageText, auth); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Type != "auth_fail" || resp.Reason != "invalid_token" {
		t.Fatalf("expected auth_fail/invalid_token, got %+v", resp)
	}

	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected the connection to close after auth_fail")
	}
}

func TestGateway_PreAuthMessagesAreDropped(t *testing.T) {
	cfg := testConfig(true, "test-secret-token")
	_, srv := newTestGateway(t, cfg)
	conn, closeFn := dial(t, srv)
	defer closeFn()

	preAuth := []map[string]any{
		{"type": "input", "data": "hello"},
		{"type": "list_sessions"},
		{"type": "interrupt"},
	}
	for _, m := range preAuth {
		data, _ := json.Marshal(m)
		if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	auth, _ := json.Marshal(map[string]any{"type": "auth", "token": "test-secret-token"})
	if err := conn.Write(context.Background(), websocket.MessageText, auth); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	if got := readType(t, conn); got != "auth_ok" {
		t.Fatalf("expected auth_ok as the first message seen after valid auth, got %q", got)
	}
}

func TestGateway_SetPermissionModeAutoRequiresConfirmation(t *testing.T) {
	cfg := testConfig(false, "")
	_, srv := newTestGateway(t, cfg)
	conn, closeFn := dial(t, srv)
	defer closeFn()

	// auth_ok, server_mode, status, session_list, available_models,
	// available_permission_modes, session_switched, history_replay_start,
	// history_replay_end.
	for i := 0; i < 9; i++ {
		readType(t, conn)
	}

	msg, _ := json.Marshal(map[string]any{"type": "set_permission_mode", "mode": "auto"})
	if err := conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readType(t, conn); got != "confirm_permission_mode" {
		t.Fatalf("expected confirm_permission_mode, got %q", got)
	}

	msg, _ = json.Marshal(map[string]any{"type": "set_permission_mode", "mode": "auto", "confirmed": true})
	if err := conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readType(t, conn); got != "permission_mode_changed" {
		t.Fatalf("expected permission_mode_changed, got %q", got)
	}
}
