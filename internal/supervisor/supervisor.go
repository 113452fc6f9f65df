// Package supervisor runs the gateway binary as a resilient child process:
// bounded exponential-backoff restarts, an optional known-good-marker deploy
// rollback, a standby health endpoint while the child is down, and a
// graceful SIGTERM path that never exits before the child has.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chroxy/chroxy/internal/atomicio"
	"github.com/chroxy/chroxy/internal/config"
)

// Supervisor owns the gateway child process across its whole lifetime.
type Supervisor struct {
	cfg        config.SupervisorConfig
	binPath    string
	args       []string
	env        []string
	healthAddr string
	logger     *slog.Logger

	mu           sync.Mutex
	cmd          *exec.Cmd
	cmdExited    chan struct{} // closed by superviseLoop once cmd.Wait() returns for the current child
	restartCount int
	restarting   bool
	lastGoodBin  string

	watcher *fsnotify.Watcher
}

// New builds a Supervisor for binPath run with args/env. healthAddr is the
// address the standby /health endpoint listens on while the child is down.
func New(cfg config.SupervisorConfig, binPath string, args, env []string, healthAddr string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:        cfg,
		binPath:    binPath,
		args:       args,
		env:        env,
		healthAddr: healthAddr,
		logger:     logger,
	}
}

// Run starts the supervision loop and blocks until ctx is cancelled
// (typically by a SIGTERM handler upstream), then drains the child with a
// bounded grace period before returning. It never returns before the child
// has fully exited, so the caller may os.Exit(0) safely right after.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := atomicio.WriteFile(s.cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("supervisor: writing pid file: %w", err)
	}
	defer os.Remove(s.cfg.PIDFile)

	if s.cfg.KnownGoodMarkerPath != "" {
		if w, err := s.watchKnownGoodMarker(); err != nil {
			s.logger.Warn("known-good marker watch disabled", "error", err)
		} else {
			s.watcher = w
			defer w.Close()
		}
	}

	health := s.startHealthServer()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
	}()

	childExited := make(chan struct{})
	go func() {
		defer close(childExited)
		s.superviseLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		s.terminateChild()
		<-childExited
	case <-childExited:
		// The loop gave up on its own (restarts exhausted, or the child
		// exited cleanly) — nothing left to terminate.
	}
	return nil
}

// superviseLoop spawns the child, waits for it to exit, and decides whether
// to restart, roll back, or give up — until ctx is cancelled.
func (s *Supervisor) superviseLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.setRestarting(s.restartCount > 0)
		startedAt := time.Now()
		binPath := s.currentBinary()

		cmd, err := s.spawn(binPath)
		if err != nil {
			s.logger.Error("failed to spawn gateway child", "binary", binPath, "error", err)
			if !s.waitBackoff(ctx) {
				return
			}
			continue
		}

		exited := make(chan struct{})
		s.mu.Lock()
		s.cmd = cmd
		s.cmdExited = exited
		s.mu.Unlock()

		waitErr := cmd.Wait()
		close(exited)
		ranFor := time.Since(startedAt)
		s.setRestarting(false)

		if ctx.Err() != nil {
			return
		}

		if waitErr == nil {
			s.logger.Info("gateway child exited cleanly, not restarting", "ran_for", ranFor)
			return
		}

		s.logger.Error("gateway child exited", "ran_for", ranFor, "error", waitErr)

		if ranFor >= s.cfg.StableRunDuration {
			s.mu.Lock()
			s.restartCount = 0
			s.mu.Unlock()
		} else if s.withinDeployWindow(startedAt) && s.rollbackAvailable() {
			s.logger.Warn("crash within deploy window, rolling back to last known-good binary")
			s.mu.Lock()
			s.binPath = s.lastGoodBin
			s.mu.Unlock()
		}

		s.mu.Lock()
		s.restartCount++
		attempt := s.restartCount
		s.mu.Unlock()

		if attempt > s.cfg.MaxRestarts {
			s.logger.Error("exceeded max restart attempts, giving up", "attempts", attempt)
			return
		}

		if !s.waitBackoff(ctx) {
			return
		}
	}
}

func (s *Supervisor) spawn(binPath string) (*exec.Cmd, error) {
	cmd := exec.Command(binPath, s.args...)
	cmd.Env = s.env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// waitBackoff sleeps backoffDelay(n) before the next restart attempt, or
// returns false if ctx is cancelled first.
func (s *Supervisor) waitBackoff(ctx context.Context) bool {
	s.mu.Lock()
	n := s.restartCount
	s.mu.Unlock()

	delay := backoffDelay(n, s.cfg.RestartBaseDelay, s.cfg.RestartMaxDelay)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// backoffDelay computes min(maxDelay, base*2^(n-1)) for restart attempt n (1-indexed).
func backoffDelay(n int, base, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (s *Supervisor) withinDeployWindow(startedAt time.Time) bool {
	info, err := os.Stat(s.binPath)
	if err != nil {
		return false
	}
	return startedAt.Sub(info.ModTime()) < 30*time.Second
}

func (s *Supervisor) rollbackAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGoodBin != "" && s.lastGoodBin != s.binPath
}

func (s *Supervisor) currentBinary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binPath
}

func (s *Supervisor) setRestarting(v bool) {
	s.mu.Lock()
	s.restarting = v
	s.mu.Unlock()
}

// terminateChild sends the child SIGTERM and escalates to SIGKILL after the
// configured grace period if it hasn't exited. It never calls Wait itself —
// superviseLoop's cmd.Wait() is the sole waiter for the child; calling Wait
// a second time here would race it and could report "exited" before the
// process actually has.
func (s *Supervisor) terminateChild() {
	s.mu.Lock()
	cmd := s.cmd
	done := s.cmdExited
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil || done == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGraceTimeout):
		s.logger.Warn("gateway child did not exit within grace period, killing")
		_ = cmd.Process.Kill()
		<-done
	}
}

// startHealthServer serves /health so external monitors can distinguish a
// supervised restart from a total outage. While restarting it reports
// {"status":"restarting"}; otherwise {"status":"ok"}.
func (s *Supervisor) startHealthServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)

	srv := &http.Server{Addr: s.healthAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("supervisor health endpoint stopped", "error", err)
		}
	}()
	return srv
}

func (s *Supervisor) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	restarting := s.restarting
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if restarting {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"restarting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// watchKnownGoodMarker watches the known-good marker file; whenever it
// changes, its contents (a binary path) become the rollback target for the
// next crash-within-deploy-window decision.
func (s *Supervisor) watchKnownGoodMarker() (*fsnotify.Watcher, error) {
	if data, err := os.ReadFile(s.cfg.KnownGoodMarkerPath); err == nil {
		s.lastGoodBin = string(data)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating known-good marker watcher: %w", err)
	}
	dir := filepath.Dir(s.cfg.KnownGoodMarkerPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(s.cfg.KnownGoodMarkerPath) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				data, err := os.ReadFile(s.cfg.KnownGoodMarkerPath)
				if err != nil {
					continue
				}
				s.mu.Lock()
				s.lastGoodBin = string(data)
				s.mu.Unlock()
				s.logger.Info("known-good marker updated", "binary", string(data))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Error("known-good marker watcher error", "error", err)
			}
		}
	}()
	return w, nil
}
