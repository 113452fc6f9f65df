package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/chroxy/chroxy/internal/chroxyerr"
)

// agentInboundType is the closed set of message types chroxy writes to the
// child process's stdin.
type agentInboundType string

const (
	inboundUserTurn           agentInboundType = "user_turn"
	inboundInterrupt          agentInboundType = "interrupt"
	inboundSetModel           agentInboundType = "set_model"
	inboundSetPermissionMode  agentInboundType = "set_permission_mode"
	inboundPermissionResponse agentInboundType = "permission_response"
	inboundUserQuestionAnswer agentInboundType = "user_question_response"
)

type agentInboundMessage struct {
	Type      agentInboundType `json:"type"`
	Text      string           `json:"text,omitempty"`
	Model     string           `json:"model,omitempty"`
	Mode      string           `json:"mode,omitempty"`
	AutoSkip  bool             `json:"autoSkipPermissions,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
	Decision  string           `json:"decision,omitempty"`
	Answer    string           `json:"answer,omitempty"`
}

// PermissionRequester is the narrow interface an Agent uses to turn a
// backend-issued tool-use ask into a client round-trip. Implemented by the
// Permission Bridge; the Agent never inspects decisions beyond the
// returned string, keeping ownership of pending requests exclusively with
// the bridge (spec section 3, Ownership).
type PermissionRequester interface {
	RequestPermission(ctx context.Context, sessionID, tool string, input json.RawMessage) (decision string, err error)
}

// agentBinary is the executable chroxy launches for the coding-agent
// backend. It is a package variable so tests can substitute a stub.
var agentBinary = "claude"

// SetAgentBinaryForTesting overrides the child-process binary launched by
// every Agent, for other packages' tests that need a real process without
// a coding-agent backend installed. Returns a restore func.
func SetAgentBinaryForTesting(bin string) func() {
	prev := agentBinary
	agentBinary = bin
	return func() { agentBinary = prev }
}

// Agent wraps one agent backend child process and emits a uniform event
// stream over subscriber channels, independent of the backend's own wire
// format.
type Agent struct {
	sessionID string
	cwd       string

	mu             sync.Mutex
	model          string
	permissionMode string
	ready          bool
	busy           bool
	destroyed      bool
	started        bool
	processGen     int

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	cancel   context.CancelFunc
	exitedCh chan struct{} // closed by waitLoop once cmd.Wait() returns for the current generation

	subscribers map[chan Event]struct{}

	permissions PermissionRequester
	logger      *slog.Logger
}

// NewAgent constructs an Agent bound to a session. It does not start the
// child process; call Start for that.
func NewAgent(sessionID, cwd, model, permissionMode string, permissions PermissionRequester, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		sessionID:      sessionID,
		cwd:            cwd,
		model:          model,
		permissionMode: permissionMode,
		subscribers:    make(map[chan Event]struct{}),
		permissions:    permissions,
		logger:         logger.With("sessionId", sessionID),
	}
}

// Subscribe returns a channel of events for this agent. The channel stays
// open across process restarts (e.g. after setModel) until Unsubscribe or
// destroy.
func (a *Agent) Subscribe() chan Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan Event, 256)
	a.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel. Safe to call twice.
func (a *Agent) Unsubscribe(ch chan Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subscribers[ch]; ok {
		delete(a.subscribers, ch)
		close(ch)
	}
}

func (a *Agent) closeAllSubscribersLocked() {
	for ch := range a.subscribers {
		close(ch)
	}
	a.subscribers = make(map[chan Event]struct{})
}

func (a *Agent) fanOut(event Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch := range a.subscribers {
		select {
		case ch <- event:
		default:
			a.logger.Warn("dropping event for slow subscriber", "type", event.Type)
		}
	}
}

// Start spawns the child process if it is not already running.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	gen := a.processGen + 1
	a.processGen = gen
	model := a.model
	a.mu.Unlock()

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--include-partial-messages",
		"--model", model,
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, agentBinary, args...)
	cmd.Dir = a.cwd
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("agent stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("agent start: %w", err)
	}

	exitedCh := make(chan struct{})

	a.mu.Lock()
	a.cmd = cmd
	a.stdin = stdin
	a.cancel = cancel
	a.started = true
	a.exitedCh = exitedCh
	a.mu.Unlock()

	go a.readLoop(stdout, gen)
	go a.waitLoop(cmd, exitedCh, gen)

	return nil
}

// waitLoop is the sole caller of cmd.Wait() for this process generation:
// Destroy selects on exitedCh instead of waiting on cmd itself, since
// calling Wait twice on the same *exec.Cmd races and can report the
// process exited before it actually has.
func (a *Agent) waitLoop(cmd *exec.Cmd, exitedCh chan struct{}, gen int) {
	err := cmd.Wait()
	close(exitedCh)

	a.mu.Lock()
	if a.processGen != gen {
		a.mu.Unlock()
		return
	}
	a.started = false
	wasDestroyed := a.destroyed
	a.mu.Unlock()

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}

	if !wasDestroyed && err != nil {
		a.fanOut(Event{Type: EventError, Kind: "crashed", Message: err.Error(), Recoverable: true})
	}
	a.fanOut(Event{Type: EventExit, Code: code})
}

// readLoop parses NDJSON lines from the child's stdout and turns them into
// the uniform Event stream, resolving permission_request asks through the
// bridge before handing control back to the agent.
func (a *Agent) readLoop(stdout io.Reader, gen int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		a.mu.Lock()
		stale := a.processGen != gen
		a.mu.Unlock()
		if stale {
			return
		}

		var raw struct {
			Type      string          `json:"type"`
			SessionID string          `json:"sessionId"`
			Model     string          `json:"model"`
			MessageID string          `json:"messageId"`
			Delta     string          `json:"delta"`
			Tool      string          `json:"tool"`
			Input     json.RawMessage `json:"input"`
			Cost      float64         `json:"cost"`
			Duration  float64         `json:"duration"`
			Usage     json.RawMessage `json:"usage"`
			RequestID string          `json:"requestId"`
			ToolUseID string          `json:"toolUseId"`
			Questions []string        `json:"questions"`
			Kind      string          `json:"kind"`
			Message   string          `json:"message"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			a.logger.Error("malformed NDJSON from agent", "error", err)
			a.fanOut(Event{Type: EventError, Kind: "protocol", Message: err.Error(), Recoverable: false})
			a.Destroy(context.Background())
			return
		}

		switch EventType(raw.Type) {
		case EventReady:
			a.mu.Lock()
			a.ready = true
			a.mu.Unlock()
			a.fanOut(Event{Type: EventReady, SessionID: a.sessionID, Model: raw.Model})
		case EventStreamStart:
			a.mu.Lock()
			a.busy = true
			a.mu.Unlock()
			a.fanOut(Event{Type: EventStreamStart, MessageID: raw.MessageID})
		case EventStreamDelta:
			a.fanOut(Event{Type: EventStreamDelta, MessageID: raw.MessageID, Delta: raw.Delta})
		case EventToolStart:
			a.fanOut(Event{Type: EventToolStart, MessageID: raw.MessageID, Tool: raw.Tool, Input: string(raw.Input)})
		case EventStreamEnd:
			a.fanOut(Event{Type: EventStreamEnd, MessageID: raw.MessageID})
		case EventResult:
			a.mu.Lock()
			a.busy = false
			a.mu.Unlock()
			a.fanOut(Event{Type: EventResult, Cost: raw.Cost, Duration: raw.Duration, Usage: raw.Usage})
		case "control_request":
			a.handlePermissionRequest(raw.RequestID, raw.Tool, raw.Input)
		case EventUserQuestion:
			a.fanOut(Event{Type: EventUserQuestion, ToolUseID: raw.ToolUseID, Questions: raw.Questions})
		case EventError:
			a.fanOut(Event{Type: EventError, Kind: raw.Kind, Message: raw.Message, Recoverable: true})
		default:
			a.logger.Warn("unrecognised agent event type", "type", raw.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		a.fanOut(Event{Type: EventError, Kind: "protocol", Message: err.Error(), Recoverable: false})
	}
}

// handlePermissionRequest bridges a backend tool-use ask to the Permission
// Bridge and writes the resulting decision back to the child's stdin. This
// runs on the read-loop goroutine but blocking here is acceptable: deltas
// for this turn are not expected until the tool call resolves.
//
// childReqID correlates the reply with the child's own control_request
// framing; it is never shown to clients. The Permission Bridge mints its
// own request id for the client-facing permission_request/permission_response
// round trip, per spec section 4.3 (the bridge, not the backend, owns
// pending request identity).
func (a *Agent) handlePermissionRequest(childReqID, tool string, input json.RawMessage) {
	if a.permissions == nil {
		a.writeStdin(agentInboundMessage{Type: inboundPermissionResponse, RequestID: childReqID, Decision: "deny"})
		return
	}

	decision, err := a.permissions.RequestPermission(context.Background(), a.sessionID, tool, input)
	if err != nil {
		decision = "deny"
	}
	a.writeStdin(agentInboundMessage{Type: inboundPermissionResponse, RequestID: childReqID, Decision: decision})
}

// Send delivers a user turn to the backend. Fails with NotReady if the
// backend has not yet signalled ready.
func (a *Agent) Send(text string) error {
	a.mu.Lock()
	ready := a.ready
	a.mu.Unlock()
	if !ready {
		return chroxyerr.ErrNotReady
	}
	return a.writeStdin(agentInboundMessage{Type: inboundUserTurn, Text: text})
}

// Interrupt cancels the current turn. A no-op when idle.
func (a *Agent) Interrupt() error {
	a.mu.Lock()
	busy := a.busy
	a.mu.Unlock()
	if !busy {
		return nil
	}
	return a.writeStdin(agentInboundMessage{Type: inboundInterrupt})
}

// AnswerUserQuestion forwards a user's answer to an outstanding
// user_question back to the backend.
func (a *Agent) AnswerUserQuestion(answer string) error {
	return a.writeStdin(agentInboundMessage{Type: inboundUserQuestionAnswer, Answer: answer})
}

// SetModel validates id against the registry and, on change, restarts the
// backend process, blocking up to the given timeout.
func (a *Agent) SetModel(ctx context.Context, registry *ModelRegistry, id string, timeout time.Duration) error {
	if !registry.IsAllowed(id) {
		return chroxyerr.ErrUnknownModel
	}
	long := registry.ToLongModelID(id)

	a.mu.Lock()
	if a.model == long {
		a.mu.Unlock()
		return nil
	}
	a.model = long
	a.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		a.restart(ctx)
		done <- nil
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return chroxyerr.ErrModelChangeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restart tears down the current child process and starts a fresh one with
// the current model, preserving subscribers across the transition.
func (a *Agent) restart(ctx context.Context) {
	a.mu.Lock()
	cancel := a.cancel
	a.ready = false
	a.started = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	time.Sleep(50 * time.Millisecond)
	_ = a.Start(ctx)
}

// SetPermissionMode validates mode and applies it. When mode is "auto" the
// backend flag that skips permission prompts entirely is set; the Gateway
// is responsible for obtaining user confirmation before calling this.
func (a *Agent) SetPermissionMode(mode string) error {
	switch mode {
	case "approve", "auto", "plan":
	default:
		return chroxyerr.ErrBadField
	}
	a.mu.Lock()
	a.permissionMode = mode
	a.mu.Unlock()
	return a.writeStdin(agentInboundMessage{
		Type:     inboundSetPermissionMode,
		Mode:     mode,
		AutoSkip: mode == "auto",
	})
}

// Destroy SIGTERMs the child, waits up to 5s, SIGKILLs, releases all
// listeners, and marks the agent destroyed.
func (a *Agent) Destroy(ctx context.Context) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	cmd := a.cmd
	cancel := a.cancel
	done := a.exitedCh
	a.closeAllSubscribersLocked()
	a.mu.Unlock()

	if cmd == nil || cmd.Process == nil || done == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if cancel != nil {
			cancel() // escalates to kill via the command's context
		}
		_ = cmd.Process.Kill()
		<-done
	}
}

func (a *Agent) writeStdin(msg agentInboundMessage) error {
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return chroxyerr.ErrNotReady
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = stdin.Write(data)
	return err
}

// IsBusy reports whether a turn is in flight.
func (a *Agent) IsBusy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// IsReady reports whether the backend has signalled ready.
func (a *Agent) IsReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// Model returns the current long model identifier.
func (a *Agent) Model() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}
