package session

import (
	"testing"
)

// useStubAgentBinary points the Agent's child-process launcher at a
// harmless, universally available command so tests can exercise session
// lifecycle without a real coding-agent backend installed.
func useStubAgentBinary(t *testing.T) {
	t.Helper()
	prev := agentBinary
	agentBinary = "true"
	t.Cleanup(func() { agentBinary = prev })
}

func newTestManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	useStubAgentBinary(t)
	return NewManager(maxSessions, 100, DefaultModelRegistry(), nil, nil)
}

func TestManager_CreateSession_InvalidCwd(t *testing.T) {
	m := newTestManager(t, 5)

	if _, err := m.CreateSession("", "/path/that/does/not/exist"); err == nil {
		t.Fatal("expected InvalidCwd error for a nonexistent directory")
	}
}

func TestManager_CreateSession_MaxSessionsReached(t *testing.T) {
	m := newTestManager(t, 2)

	if _, err := m.CreateSession("one", "."); err != nil {
		t.Fatalf("CreateSession 1: %v", err)
	}
	if _, err := m.CreateSession("two", "."); err != nil {
		t.Fatalf("CreateSession 2: %v", err)
	}
	if _, err := m.CreateSession("three", "."); err == nil {
		t.Fatal("expected MaxSessionsReached on the third session")
	}
}

func TestManager_DestroySession_RefusesLastSession(t *testing.T) {
	m := newTestManager(t, 5)

	id, err := m.CreateSession("only", ".")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := m.DestroySession(id); err == nil {
		t.Fatal("expected destroying the last remaining session to fail")
	}
}

func TestManager_DestroySession_AllowsNonLastSession(t *testing.T) {
	m := newTestManager(t, 5)

	id1, err := m.CreateSession("first", ".")
	if err != nil {
		t.Fatalf("CreateSession 1: %v", err)
	}
	if _, err := m.CreateSession("second", "."); err != nil {
		t.Fatalf("CreateSession 2: %v", err)
	}

	if err := m.DestroySession(id1); err != nil {
		t.Fatalf("expected destroying a non-last session to succeed, got %v", err)
	}

	if _, ok := m.GetSession(id1); ok {
		t.Error("expected the destroyed session to be gone")
	}
}

func TestManager_RenameSession(t *testing.T) {
	m := newTestManager(t, 5)

	id, err := m.CreateSession("original", ".")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := m.RenameSession(id, "renamed"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}

	for _, info := range m.ListSessions() {
		if info.ID == id && info.Name != "renamed" {
			t.Errorf("expected renamed session, got %q", info.Name)
		}
	}
}

func TestManager_GetHistory_UnknownSession(t *testing.T) {
	m := newTestManager(t, 5)

	if _, err := m.GetHistory("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown session id")
	}
}

func TestManager_RecordUserInput_AppearsInHistory(t *testing.T) {
	m := newTestManager(t, 5)

	id, err := m.CreateSession("s", ".")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	m.RecordUserInput(id, "hello agent")

	entries, err := m.GetHistory(id)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "hello agent" {
		t.Fatalf("expected one user_input entry, got %+v", entries)
	}
}
