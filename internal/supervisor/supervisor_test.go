package supervisor

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chroxy/chroxy/internal/config"
)

func testCfg(t *testing.T) config.SupervisorConfig {
	dir := t.TempDir()
	return config.SupervisorConfig{
		MaxRestarts:          3,
		StableRunDuration:    time.Hour,
		RestartBaseDelay:     10 * time.Millisecond,
		RestartMaxDelay:      80 * time.Millisecond,
		ShutdownGraceTimeout: time.Second,
		PIDFile:              filepath.Join(dir, "supervisor.pid"),
		KnownGoodMarkerPath:  filepath.Join(dir, "known_good"),
	}
}

func TestBackoffDelay_DoublesUpToCap(t *testing.T) {
	base, max := 10*time.Millisecond, 80*time.Millisecond
	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 80 * time.Millisecond},
		{5, 80 * time.Millisecond}, // capped
	}
	for _, c := range cases {
		if got := backoffDelay(c.n, base, max); got != c.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", c.n, got, c.want)
		}
	}
}

func TestSupervisor_RestartsCrashingChildUpToMax(t *testing.T) {
	cfg := testCfg(t)
	s := New(cfg, "/bin/sh", []string{"-c", "exit 1"}, os.Environ(), "127.0.0.1:0", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop after exhausting restarts")
	}

	s.mu.Lock()
	count := s.restartCount
	s.mu.Unlock()
	if count <= cfg.MaxRestarts {
		t.Errorf("expected restartCount to exceed MaxRestarts (%d), got %d", cfg.MaxRestarts, count)
	}
}

func TestSupervisor_HealthHandlerReflectsRestartingState(t *testing.T) {
	s := New(testCfg(t), "/bin/true", nil, nil, "127.0.0.1:0", nil)

	rec := httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 || rec.Body.String() != `{"status":"ok"}` {
		t.Fatalf("expected ok status, got %d %q", rec.Code, rec.Body.String())
	}

	s.setRestarting(true)
	rec = httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 503 || rec.Body.String() != `{"status":"restarting"}` {
		t.Fatalf("expected restarting status, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestSupervisor_PIDFileWrittenAndRemoved(t *testing.T) {
	cfg := testCfg(t)
	s := New(cfg, "/bin/sleep", []string{"5"}, os.Environ(), "127.0.0.1:0", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(cfg.PIDFile); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(cfg.PIDFile); err != nil {
		t.Fatalf("expected pid file to exist: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatalf("expected pid file to be removed, stat err: %v", err)
	}
}
