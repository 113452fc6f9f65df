// Command chroxy is the supervisor front-end: it starts, stops, and reports
// on the chroxy-gateway process via the Supervisor (spec.md section 4.5).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chroxy/chroxy/internal/atomicio"
	"github.com/chroxy/chroxy/internal/audit"
	"github.com/chroxy/chroxy/internal/config"
	"github.com/chroxy/chroxy/internal/supervisor"
)

// Exit codes per spec.md section 6.
const (
	exitOK             = 0
	exitGeneric        = 1
	exitUsage          = 2
	exitAuthInit       = 3
	exitPortBindFailed = 4
)

var (
	errUsage    = errors.New("usage error")
	errAuthInit = errors.New("auth init failure")
	errPortBind = errors.New("port bind failure")
)

var (
	flagPort   int
	flagNoAuth bool
	flagTunnel string
)

var rootCmd = &cobra.Command{
	Use:   "chroxy",
	Short: "chroxy — supervisor front-end for the gateway process",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway under the supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print gateway health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the permission decision audit trail",
}

var flagAuditLimit int

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print the most recent permission decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAuditQuery(flagAuditLimit)
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit trail's hash chain is intact",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAuditVerify()
	},
}

func init() {
	startCmd.Flags().IntVar(&flagPort, "port", 0, "override CHROXY_PORT")
	startCmd.Flags().BoolVar(&flagNoAuth, "no-auth", false, "disable bearer auth (local-only mode)")
	startCmd.Flags().StringVar(&flagTunnel, "tunnel", "", "reverse-proxy tunnel kind (opaque; lifecycle managed externally)")

	auditQueryCmd.Flags().IntVar(&flagAuditLimit, "limit", 50, "number of recent decisions to print (0 for all)")
	auditCmd.AddCommand(auditQueryCmd, auditVerifyCmd)

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, auditCmd)
	rootCmd.SilenceUsage = true
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		os.Exit(exitOK)
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	case errors.Is(err, errAuthInit):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitAuthInit)
	case errors.Is(err, errPortBind):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitPortBindFailed)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitGeneric)
	}
}

// runStart resolves effective config, runs the auth-init and port-bind
// preflight checks, then blocks running the Supervisor until ctx is done.
func runStart(ctx context.Context) error {
	if flagTunnel != "" {
		slog.Info("tunnel kind requested; tunnel lifecycle is managed externally", "kind", flagTunnel)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: loading configuration: %v", errUsage, err)
	}
	if flagPort > 0 {
		cfg.Port = strconv.Itoa(flagPort)
	}
	if flagNoAuth {
		cfg.Token = ""
		cfg.AuthRequired = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if err := initAuthToken(cfg); err != nil {
		return fmt.Errorf("%w: %v", errAuthInit, err)
	}

	if err := preflightPortBind(cfg.Port); err != nil {
		return fmt.Errorf("%w: %v", errPortBind, err)
	}

	gatewayBin, err := locateGatewayBinary()
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	env := os.Environ()
	env = append(env, "CHROXY_PORT="+cfg.Port)
	if cfg.Token != "" {
		env = append(env, "CHROXY_TOKEN="+cfg.Token)
	}

	healthAddr := "127.0.0.1:" + standbyHealthPort(cfg.Port)
	sup := supervisor.New(cfg.Supervisor, gatewayBin, nil, env, healthAddr, slog.Default())

	slog.Info("supervisor starting gateway", "binary", gatewayBin, "port", cfg.Port, "standby_health", healthAddr)
	return sup.Run(ctx)
}

// initAuthToken, when auth is required, persists the supplied bearer token
// to the on-disk config file (spec.md section 6: config.json, chmod 0600,
// atomic write), or, when no token is set, loads a previously saved
// apiToken from that file. It does not generate a token.
func initAuthToken(cfg *config.Config) error {
	if !cfg.AuthRequired {
		return nil
	}
	dir := configStateDir()
	path := filepath.Join(dir, "config.json")

	if cfg.Token != "" {
		data, err := json.Marshal(map[string]string{"apiToken": cfg.Token})
		if err != nil {
			return err
		}
		return atomicio.WriteSecretFile(path, data)
	}

	if data, err := os.ReadFile(path); err == nil {
		var saved struct {
			APIToken string `json:"apiToken"`
		}
		if json.Unmarshal(data, &saved) == nil && saved.APIToken != "" {
			cfg.Token = saved.APIToken
			return nil
		}
	}

	return fmt.Errorf("auth required but no CHROXY_TOKEN set and no saved token at %s", path)
}

func configStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.chroxy"
	}
	return filepath.Join(home, ".chroxy")
}

// preflightPortBind fails fast with a clear error before handing control to
// the supervisor, rather than letting the child crash-loop on EADDRINUSE.
func preflightPortBind(port string) error {
	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}
	return ln.Close()
}

// locateGatewayBinary finds the chroxy-gateway binary alongside the running
// chroxy executable, falling back to PATH lookup.
func locateGatewayBinary() (string, error) {
	self, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(self), "chroxy-gateway")
		if _, statErr := os.Stat(sibling); statErr == nil {
			return sibling, nil
		}
	}
	if path, err := exec.LookPath("chroxy-gateway"); err == nil {
		return path, nil
	}
	return "", errors.New("chroxy-gateway binary not found next to chroxy or on PATH")
}

func standbyHealthPort(gatewayPort string) string {
	n, err := strconv.Atoi(gatewayPort)
	if err != nil {
		return "8081"
	}
	return strconv.Itoa(n + 1)
}

func runStop() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	data, err := os.ReadFile(cfg.Supervisor.PIDFile)
	if err != nil {
		return fmt.Errorf("supervisor is not running (no pid file at %s): %w", cfg.Supervisor.PIDFile, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid pid in %s: %w", cfg.Supervisor.PIDFile, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal supervisor (pid %d): %w", pid, err)
	}
	fmt.Printf("sent stop signal to supervisor (pid %d)\n", pid)
	return nil
}

func runStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	addr := "http://127.0.0.1:" + cfg.Port
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("status: not running")
		return nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("status: %s\n", string(body))
	return nil
}

// openTrail opens the audit trail for the query/verify subcommands; like
// any audit.Open it may create the directory, genesis file and index. These run standalone (no running gateway required): they
// open the same on-disk trail the gateway process writes to.
func openTrail() (*audit.Trail, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if !cfg.Audit.Enabled {
		return nil, fmt.Errorf("%w: audit trail is disabled (CHROXY_AUDIT_ENABLED=false)", errUsage)
	}
	trail, err := audit.Open(cfg.Audit.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening audit trail at %s: %w", cfg.Audit.Dir, err)
	}
	return trail, nil
}

func runAuditQuery(limit int) error {
	trail, err := openTrail()
	if err != nil {
		return err
	}
	defer trail.Close()

	entries, err := trail.Tail(limit)
	if err != nil {
		return fmt.Errorf("querying audit trail: %w", err)
	}
	for _, e := range entries {
		fmt.Printf("%d\t%s\t%s\t%s\t%s\t%s\t%s\n", e.Seq, e.Timestamp, e.SessionID, e.Tool, e.Origin, e.Decision, e.DecidedBy)
	}
	fmt.Printf("%d decision(s)\n", len(entries))
	return nil
}

func runAuditVerify() error {
	trail, err := openTrail()
	if err != nil {
		return err
	}
	defer trail.Close()

	result, err := trail.VerifyChain()
	if err != nil {
		return fmt.Errorf("verifying audit trail: %w", err)
	}
	if result.Valid {
		fmt.Printf("chain valid: %d entries checked\n", result.EntriesChecked)
		return nil
	}
	fmt.Printf("chain BROKEN at entry %d (checked %d): expected hash %s, got %s\n",
		result.BrokenAt, result.EntriesChecked, result.ExpectedHash, result.ActualHash)
	return fmt.Errorf("audit chain verification failed at entry %d", result.BrokenAt)
}
