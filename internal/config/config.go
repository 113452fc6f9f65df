// Package config provides application configuration.
//
// Configuration is loaded from environment variables (optionally seeded by a
// .env file via godotenv) with sensible defaults. Per spec section 6, only
// CHROXY_PORT, CHROXY_TOKEN, and CHROXY_PERMISSION_MODE are authoritative
// runtime inputs; everything else here is an operational knob with a
// conservative default — all runtime config stays explicit.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TimeoutConfig holds timeout-related configuration.
type TimeoutConfig struct {
	AuthTimeout         time.Duration // time a connection has to send `auth` before drop
	ModelChangeTimeout  time.Duration // setModel blocking budget before ModelChangeTimeout
	PermissionTimeout   time.Duration // time a permission request waits before resolving to deny
	DrainTimeout        time.Duration // shutdown drain window before forced close
	PingInterval        time.Duration // keepalive ping cadence
	DeltaBatchInterval  time.Duration // stream_delta coalescing window
}

// RateLimitConfig holds auth rate-limiting configuration.
type RateLimitConfig struct {
	FailureThreshold int           // failed auths within Window before cooldown kicks in
	Window           time.Duration // sliding window over which failures are counted
	CooldownCap      time.Duration // maximum exponential-backoff cooldown
	TrustedProxy     bool          // honor X-Forwarded-For for rate-limit/IP keying
}

// SessionConfig holds Session Manager limits.
type SessionConfig struct {
	MaxSessions int    // hard cap on concurrent sessions (default: 5)
	HistoryCap  int    // replay history ring capacity per session (default: 100)
	DefaultCwd  string // working directory for the auto-created default session
}

// PermissionConfig holds Permission Bridge settings.
type PermissionConfig struct {
	DefaultMode        string        // approve | auto | plan
	HTTPMaxBodyBytes   int64         // /permission request body cap
	HTTPRateLimitRPS   float64       // token-bucket rate for the /permission endpoint
	HTTPRateLimitBurst int
}

// AuditConfig controls the permission decision audit trail.
type AuditConfig struct {
	Enabled  bool
	Dir      string // directory holding the hash-chained JSONL log
	IndexDSN string // loaded from the environment but not read by audit.Open, which always uses <Dir>/index.db
}

// SupervisorConfig holds process-supervision parameters.
type SupervisorConfig struct {
	MaxRestarts          int
	StableRunDuration    time.Duration // runtime after which the restart counter resets
	RestartBaseDelay     time.Duration
	RestartMaxDelay      time.Duration
	ShutdownGraceTimeout time.Duration
	PIDFile              string
	KnownGoodMarkerPath  string
}

// Config holds all application configuration.
type Config struct {
	Port         string
	Token        string // CHROXY_TOKEN; empty means AuthRequired is false (local-only mode)
	AuthRequired bool
	FrontendURL  string

	AllowedModels []string // closed allow-list, short and long identifiers

	Timeout    TimeoutConfig
	RateLimit  RateLimitConfig
	Session    SessionConfig
	Permission PermissionConfig
	Audit      AuditConfig
	Supervisor SupervisorConfig
}

// Load reads configuration from the environment, first seeding it from a
// .env file if one is present (missing .env is not an error).
func Load() (*Config, error) {
	_ = godotenv.Load()

	token := getEnv("CHROXY_TOKEN", "")

	cfg := &Config{
		Port:         getEnv("CHROXY_PORT", "8080"),
		Token:        token,
		AuthRequired: token != "",
		FrontendURL:  getEnv("FRONTEND_URL", ""),

		AllowedModels: splitCSV(getEnv("CHROXY_ALLOWED_MODELS",
			"sonnet,claude-sonnet-4-5,opus,claude-opus-4-1,haiku,claude-haiku-4-5")),

		Timeout: TimeoutConfig{
			AuthTimeout:        getEnvDuration("CHROXY_AUTH_TIMEOUT", 10*time.Second),
			ModelChangeTimeout: getEnvDuration("CHROXY_MODEL_CHANGE_TIMEOUT", 10*time.Second),
			PermissionTimeout:  getEnvDuration("CHROXY_PERMISSION_TIMEOUT", 5*time.Minute),
			DrainTimeout:       getEnvDuration("CHROXY_DRAIN_TIMEOUT", 30*time.Second),
			PingInterval:       getEnvDuration("CHROXY_PING_INTERVAL", 30*time.Second),
			DeltaBatchInterval: getEnvDuration("CHROXY_DELTA_BATCH_INTERVAL", 50*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			FailureThreshold: getEnvInt("CHROXY_AUTH_FAILURE_THRESHOLD", 5),
			Window:           getEnvDuration("CHROXY_AUTH_FAILURE_WINDOW", 60*time.Second),
			CooldownCap:      getEnvDuration("CHROXY_AUTH_COOLDOWN_CAP", 300*time.Second),
			TrustedProxy:     getEnvBool("CHROXY_TRUSTED_PROXY", false),
		},
		Session: SessionConfig{
			MaxSessions: getEnvInt("CHROXY_MAX_SESSIONS", 5),
			HistoryCap:  getEnvInt("CHROXY_HISTORY_CAP", 100),
			DefaultCwd:  getEnv("CHROXY_DEFAULT_CWD", "."),
		},
		Permission: PermissionConfig{
			DefaultMode:        getEnv("CHROXY_PERMISSION_MODE", "approve"),
			HTTPMaxBodyBytes:   getEnvInt64("CHROXY_PERMISSION_HTTP_MAX_BODY", 64<<10), // 64 KiB
			HTTPRateLimitRPS:   getEnvFloat("CHROXY_PERMISSION_HTTP_RPS", 5),
			HTTPRateLimitBurst: getEnvInt("CHROXY_PERMISSION_HTTP_BURST", 10),
		},
		Audit: AuditConfig{
			Enabled:  getEnvBool("CHROXY_AUDIT_ENABLED", true),
			Dir:      getEnv("CHROXY_AUDIT_DIR", "./data/audit"),
			IndexDSN: getEnv("CHROXY_AUDIT_DB_PATH", "./data/audit/index.db"),
		},
		Supervisor: SupervisorConfig{
			MaxRestarts:          getEnvInt("CHROXY_SUPERVISOR_MAX_RESTARTS", 10),
			StableRunDuration:    getEnvDuration("CHROXY_SUPERVISOR_STABLE_RUN", 60*time.Second),
			RestartBaseDelay:     getEnvDuration("CHROXY_SUPERVISOR_RESTART_BASE_DELAY", 2*time.Second),
			RestartMaxDelay:      getEnvDuration("CHROXY_SUPERVISOR_RESTART_MAX_DELAY", 10*time.Second),
			ShutdownGraceTimeout: getEnvDuration("CHROXY_SUPERVISOR_SHUTDOWN_GRACE", 30*time.Second),
			PIDFile:              getEnv("CHROXY_PID_FILE", "./data/chroxy.pid"),
			KnownGoodMarkerPath:  getEnv("CHROXY_KNOWN_GOOD_MARKER", "./data/known_good"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("CHROXY_PORT cannot be empty")
	}
	if len(c.AllowedModels) == 0 {
		return fmt.Errorf("CHROXY_ALLOWED_MODELS must list at least one model")
	}
	switch c.Permission.DefaultMode {
	case "approve", "auto", "plan":
	default:
		return fmt.Errorf("CHROXY_PERMISSION_MODE must be one of approve, auto, plan; got %q", c.Permission.DefaultMode)
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("CHROXY_MAX_SESSIONS must be > 0")
	}
	if c.Session.HistoryCap <= 0 {
		return fmt.Errorf("CHROXY_HISTORY_CAP must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running against a local frontend.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
