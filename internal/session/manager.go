package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chroxy/chroxy/internal/chroxyerr"
	"github.com/chroxy/chroxy/internal/history"
)

// Info is an exported, wire-friendly summary of a session.
type Info struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Cwd            string    `json:"cwd"`
	Model          string    `json:"model"`
	PermissionMode string    `json:"permissionMode"`
	Busy           bool      `json:"busy"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ManagerEvent is an item on the Session Manager's single multiplexed
// "session_event" surface (spec section 4.2): every Agent's event stream,
// tagged with the session it came from.
type ManagerEvent struct {
	SessionID string
	Event     Event
}

// transientEventTypes are forwarded on the session_event surface but never
// recorded into replay history (spec section 4.2).
var transientEventTypes = map[EventType]struct{}{
	EventPermissionRequest: {},
	EventAgentSpawned:      {},
	EventAgentComplete:     {},
	EventPlanStarted:       {},
	EventPlanReady:         {},
	EventStatusUpdate:      {},
}

type managedSession struct {
	id             string
	name           string
	cwd            string
	permissionMode string
	createdAt      time.Time

	agent   *Agent
	history *history.Ring[history.Entry]
	pending *history.Pending

	subCh chan Event
	done  chan struct{}
}

// Manager owns the full set of concurrent sessions, their replay history,
// and the multiplexed event stream the Gateway subscribes to.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*managedSession

	maxSessions int
	historyCap  int
	models      *ModelRegistry
	permissions PermissionRequester
	logger      *slog.Logger

	subscribers map[chan ManagerEvent]struct{}
}

// NewManager builds an empty Session Manager.
func NewManager(maxSessions, historyCap int, models *ModelRegistry, permissions PermissionRequester, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:    make(map[string]*managedSession),
		maxSessions: maxSessions,
		historyCap:  historyCap,
		models:      models,
		permissions: permissions,
		logger:      logger,
		subscribers: make(map[chan ManagerEvent]struct{}),
	}
}

// Subscribe returns a channel receiving every session's events, tagged by
// session id.
func (m *Manager) Subscribe() chan ManagerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan ManagerEvent, 512)
	m.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(ch chan ManagerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscribers[ch]; ok {
		delete(m.subscribers, ch)
		close(ch)
	}
}

func (m *Manager) fanOut(ev ManagerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("dropping manager event for slow subscriber", "sessionId", ev.SessionID, "type", ev.Event.Type)
		}
	}
}

// CreateSession creates and starts a new session. Fails with
// MaxSessionsReached if the hard cap is hit, or InvalidCwd if cwd does not
// exist or is not a directory.
func (m *Manager) CreateSession(name, cwd string) (string, error) {
	if cwd == "" {
		cwd = "."
	}
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return "", chroxyerr.ErrInvalidCwd
	}

	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return "", chroxyerr.ErrMaxSessionsReached
	}
	id := newSessionID()
	if name == "" {
		name = fmt.Sprintf("Session %d", len(m.sessions)+1)
	}
	m.mu.Unlock()

	model := m.models.ToLongModelID("sonnet")
	agent := NewAgent(id, cwd, model, "approve", m.permissions, m.logger)

	ms := &managedSession{
		id:             id,
		name:           name,
		cwd:            cwd,
		permissionMode: "approve",
		createdAt:      time.Now(),
		agent:          agent,
		history:        history.NewRing[history.Entry](m.historyCap),
		pending:        history.NewPending(),
		subCh:          agent.Subscribe(),
		done:           make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = ms
	m.mu.Unlock()

	go m.pump(ms)

	if err := agent.Start(context.Background()); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return "", fmt.Errorf("starting agent: %w", err)
	}

	m.fanOut(ManagerEvent{SessionID: id, Event: Event{Type: "session_created"}})
	return id, nil
}

// pump reads one session's Agent events, records replay history per the
// history recording rules, and re-emits everything (including transient
// events) onto the Manager's multiplexed stream.
func (m *Manager) pump(ms *managedSession) {
	for {
		select {
		case ev, ok := <-ms.subCh:
			if !ok {
				return
			}
			m.recordHistory(ms, ev)
			m.fanOut(ManagerEvent{SessionID: ms.id, Event: ev})
		case <-ms.done:
			return
		}
	}
}

func (m *Manager) recordHistory(ms *managedSession, ev Event) {
	if _, transient := transientEventTypes[ev.Type]; transient {
		return
	}

	switch ev.Type {
	case EventStreamStart:
		ms.pending.Start(ms.id, ev.MessageID)
	case EventStreamDelta:
		ms.pending.Append(ms.id, ev.MessageID, ev.Delta)
	case EventStreamEnd:
		text, ok := ms.pending.Finish(ms.id, ev.MessageID)
		if ok && text != "" {
			ms.history.Append(history.Entry{
				Kind:      history.KindAssistantResponse,
				MessageID: ev.MessageID,
				Text:      text,
				At:        time.Now(),
			})
		}
	case EventToolStart:
		ms.history.Append(history.Entry{
			Kind:      history.KindToolStart,
			MessageID: ev.MessageID,
			Tool:      ev.Tool,
			Input:     ev.Input,
			At:        time.Now(),
		})
	case EventUserQuestion:
		ms.history.Append(history.Entry{
			Kind:      history.KindUserQuestion,
			ToolUseID: ev.ToolUseID,
			Questions: ev.Questions,
			At:        time.Now(),
		})
	case EventResult:
		ms.history.Append(history.Entry{
			Kind:     history.KindResult,
			Cost:     ev.Cost,
			Duration: ev.Duration,
			At:       time.Now(),
		})
	}
}

// RecordUserInput records a user's input into a session's history at the
// moment the Gateway accepts it (spec section 4.2 treats user input as its
// own history entry kind, recorded at receipt time like tool_start).
func (m *Manager) RecordUserInput(sessionID, text string) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ms.history.Append(history.Entry{Kind: history.KindUserInput, Text: text, At: time.Now()})
}

// GetSession returns the session's Agent, or false.
func (m *Manager) GetSession(id string) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return ms.agent, true
}

// ListSessions returns a summary of every session.
func (m *Manager) ListSessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, Info{
			ID:             ms.id,
			Name:           ms.name,
			Cwd:            ms.cwd,
			Model:          ms.agent.Model(),
			PermissionMode: ms.permissionMode,
			Busy:           ms.agent.IsBusy(),
			CreatedAt:      ms.createdAt,
		})
	}
	return out
}

// RenameSession updates a session's display name.
func (m *Manager) RenameSession(id, name string) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if ok {
		ms.name = name
	}
	m.mu.Unlock()
	if !ok {
		return chroxyerr.ErrSessionNotFound
	}
	m.fanOut(ManagerEvent{SessionID: id, Event: Event{Type: "session_updated"}})
	return nil
}

// SetPermissionMode updates a session's stored permission mode and applies
// it to the backend.
func (m *Manager) SetPermissionMode(id, mode string) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return chroxyerr.ErrSessionNotFound
	}
	if err := ms.agent.SetPermissionMode(mode); err != nil {
		return err
	}
	m.mu.Lock()
	ms.permissionMode = mode
	m.mu.Unlock()
	return nil
}

// SetModel validates and applies a model change to a session's backend,
// blocking up to timeout (spec section 4.1: up to 10s, else
// ModelChangeTimeout).
func (m *Manager) SetModel(ctx context.Context, id, modelID string, timeout time.Duration) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return chroxyerr.ErrSessionNotFound
	}
	return ms.agent.SetModel(ctx, m.models, modelID, timeout)
}

// Models exposes the shared model registry, used by the Gateway to answer
// available_models and validate set_model requests before delegating.
func (m *Manager) Models() *ModelRegistry {
	return m.models
}

// DestroySession destroys a session unless it is the last one remaining.
func (m *Manager) DestroySession(id string) error {
	m.mu.Lock()
	if len(m.sessions) <= 1 {
		if _, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return chroxyerr.ErrLastSession
		}
	}
	ms, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return chroxyerr.ErrSessionNotFound
	}

	close(ms.done)
	ms.agent.Destroy(context.Background())
	ms.pending.DiscardSession(id)
	m.fanOut(ManagerEvent{SessionID: id, Event: Event{Type: "session_destroyed"}})
	return nil
}

// DestroyAll tears down every session, in map (arbitrary but stable within
// one call) order.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	all := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		all = append(all, ms)
	}
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()

	for _, ms := range all {
		close(ms.done)
		ms.agent.Destroy(context.Background())
	}
}

// GetHistory returns a session's replay history in insertion order.
func (m *Manager) GetHistory(id string) ([]history.Entry, error) {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, chroxyerr.ErrSessionNotFound
	}
	return ms.history.Entries(), nil
}

func newSessionID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
