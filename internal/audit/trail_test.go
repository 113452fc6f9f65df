package audit

import (
	"testing"

	"github.com/chroxy/chroxy/internal/permission"
)

func TestTrail_RecordDecisionAndVerifyChain(t *testing.T) {
	trail, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer trail.Close()

	for i := 0; i < 5; i++ {
		if err := trail.RecordDecision("sess-1", "req-1", "bash", nil, permission.OriginSDK, permission.DecisionAllow, "client-1"); err != nil {
			t.Fatalf("RecordDecision: %v", err)
		}
	}

	result, err := trail.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected a valid chain, broke at %d", result.BrokenAt)
	}
	if result.EntriesChecked != 5 {
		t.Errorf("expected 5 entries checked, got %d", result.EntriesChecked)
	}
}

func TestTrail_TailReturnsMostRecent(t *testing.T) {
	trail, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer trail.Close()

	for i := 0; i < 3; i++ {
		if err := trail.RecordDecision("sess-1", "req", "bash", nil, permission.OriginSDK, permission.DecisionAllow, ""); err != nil {
			t.Fatalf("RecordDecision: %v", err)
		}
	}

	entries, err := trail.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestTrail_RecoversStateAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	trail, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := trail.RecordDecision("sess-1", "req-1", "bash", nil, permission.OriginSDK, permission.DecisionDeny, ""); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	trail.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if err := reopened.RecordDecision("sess-1", "req-2", "bash", nil, permission.OriginSDK, permission.DecisionAllow, ""); err != nil {
		t.Fatalf("RecordDecision after reopen: %v", err)
	}

	result, err := reopened.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected the chain to remain valid across reopen, broke at %d", result.BrokenAt)
	}
	if result.EntriesChecked != 2 {
		t.Errorf("expected 2 entries across both sessions, got %d", result.EntriesChecked)
	}
}
