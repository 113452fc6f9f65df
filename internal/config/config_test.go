package config

import (
	"os"
	"testing"
)

func clearChroxyEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		for _, prefix := range []string{"CHROXY_", "FRONTEND_URL"} {
			if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
				key := e
				if idx := indexByte(e, '='); idx >= 0 {
					key = e[:idx]
				}
				os.Unsetenv(key)
			}
		}
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func TestLoad_Defaults(t *testing.T) {
	clearChroxyEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.AuthRequired {
		t.Error("expected AuthRequired=false when CHROXY_TOKEN is unset")
	}
	if cfg.Permission.DefaultMode != "approve" {
		t.Errorf("expected default permission mode approve, got %q", cfg.Permission.DefaultMode)
	}
	if cfg.Session.MaxSessions != 5 {
		t.Errorf("expected default max sessions 5, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Session.HistoryCap != 100 {
		t.Errorf("expected default history cap 100, got %d", cfg.Session.HistoryCap)
	}
	if len(cfg.AllowedModels) == 0 {
		t.Error("expected a non-empty default allowed-models list")
	}
}

func TestLoad_TokenEnablesAuth(t *testing.T) {
	clearChroxyEnv(t)
	os.Setenv("CHROXY_TOKEN", "secret-value")
	defer os.Unsetenv("CHROXY_TOKEN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !cfg.AuthRequired {
		t.Error("expected AuthRequired=true when CHROXY_TOKEN is set")
	}
	if cfg.Token != "secret-value" {
		t.Errorf("expected token to round-trip, got %q", cfg.Token)
	}
}

func TestValidate_RejectsUnknownPermissionMode(t *testing.T) {
	clearChroxyEnv(t)
	os.Setenv("CHROXY_PERMISSION_MODE", "yolo")
	defer os.Unsetenv("CHROXY_PERMISSION_MODE")

	if _, err := Load(); err == nil {
		t.Error("expected Load to reject an unknown permission mode")
	}
}

func TestValidate_RejectsZeroMaxSessions(t *testing.T) {
	clearChroxyEnv(t)
	os.Setenv("CHROXY_MAX_SESSIONS", "0")
	defer os.Unsetenv("CHROXY_MAX_SESSIONS")

	if _, err := Load(); err == nil {
		t.Error("expected Load to reject CHROXY_MAX_SESSIONS=0")
	}
}

func TestSplitCSV_TrimsAndDropsEmpty(t *testing.T) {
	got := splitCSV(" sonnet ,, opus,haiku ")
	want := []string{"sonnet", "opus", "haiku"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
