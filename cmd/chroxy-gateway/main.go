// Command chroxy-gateway is the Chroxy gateway process: it wires the Session
// Manager, Permission Bridge, and WebSocket Gateway together and serves them
// over HTTP until a shutdown signal arrives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/chroxy/chroxy/internal/audit"
	"github.com/chroxy/chroxy/internal/config"
	"github.com/chroxy/chroxy/internal/gateway"
	"github.com/chroxy/chroxy/internal/middleware"
	"github.com/chroxy/chroxy/internal/permission"
	"github.com/chroxy/chroxy/internal/ratelimit"
	"github.com/chroxy/chroxy/internal/session"
)

// version is injected at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting chroxy gateway", "port", cfg.Port, "auth_required", cfg.AuthRequired, "version", version)

	models := session.NewModelRegistryFromCSVPairs(cfg.AllowedModels)

	var trail *audit.Trail
	if cfg.Audit.Enabled {
		trail, err = audit.Open(cfg.Audit.Dir)
		if err != nil {
			slog.Error("failed to open audit trail", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := trail.Close(); closeErr != nil {
				slog.Error("failed to close audit trail", "error", closeErr)
			}
		}()
	}

	// publisher is nil at construction time: the Bridge is built before the
	// Gateway, which is the only thing that can implement EventPublisher.
	// bridge.SetPublisher(gw) below closes the loop.
	var auditSink permission.AuditSink
	if trail != nil {
		auditSink = trail
	}
	bridge := permission.NewBridge(cfg.Timeout.PermissionTimeout, nil, auditSink)

	sessions := session.NewManager(cfg.Session.MaxSessions, cfg.Session.HistoryCap, models, bridge, logger)

	authLimiter := ratelimit.NewAuthLimiter(cfg.RateLimit.FailureThreshold, cfg.RateLimit.Window, cfg.RateLimit.CooldownCap)
	hookLimiter := ratelimit.NewHTTPLimiter(cfg.Permission.HTTPRateLimitRPS, cfg.Permission.HTTPRateLimitBurst)

	gw := gateway.New(cfg, sessions, bridge, authLimiter, logger)
	gw.SetVersion(version)
	bridge.SetPublisher(gw)
	gw.Run()

	if _, err := sessions.CreateSession("default", cfg.Session.DefaultCwd); err != nil {
		slog.Error("failed to create default session", "error", err)
		os.Exit(1)
	}

	hookHandler := permission.NewHTTPHandler(bridge, cfg.Token, cfg.Permission.HTTPMaxBodyBytes, hookLimiter)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	// chiMiddleware.RealIP is deliberately not used here: it unconditionally
	// rewrites r.RemoteAddr from X-Forwarded-For/X-Real-IP before gw.ServeHTTP
	// ever sees the request, defeating clientIP's own trusted-proxy gate
	// (spec section 4.4.1 — never trust the header by default) and making
	// the auth/permission rate limiters bypassable by spoofing the header.
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{cfg.FrontendURL, "*"}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, mode := gw.Health()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"mode":    mode,
			"version": version,
		})
	})
	r.Get("/ws", gw.ServeHTTP)
	r.Post("/permission", hookHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming agent output has no natural upper bound
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down, draining sessions", "timeout", cfg.Timeout.DrainTimeout)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Timeout.DrainTimeout)
	defer cancelDrain()
	gw.Drain(drainCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}
