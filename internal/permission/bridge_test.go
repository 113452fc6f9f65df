package permission

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type recordingPublisher struct {
	requests []string
	resolved []string
	timeouts []string
}

func (p *recordingPublisher) PublishPermissionRequest(sessionID, requestID, tool string, input json.RawMessage) {
	p.requests = append(p.requests, requestID)
}

func (p *recordingPublisher) PublishPermissionResolved(sessionID, requestID string, decision Decision, decidedBy string) {
	p.resolved = append(p.resolved, requestID)
}

func (p *recordingPublisher) PublishPermissionTimeout(sessionID, requestID string) {
	p.timeouts = append(p.timeouts, requestID)
}

func TestBridge_RequestPermission_ResolvedByClient(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBridge(5*time.Minute, pub, nil)

	var requestID string
	go func() {
		// Poll briefly for the request to land, then resolve it.
		for i := 0; i < 100 && len(pub.requests) == 0; i++ {
			time.Sleep(time.Millisecond)
		}
		if len(pub.requests) == 0 {
			t.Error("expected a permission_request to be published")
			return
		}
		requestID = pub.requests[0]
		_ = b.Resolve(requestID, DecisionAllow, "client-1")
	}()

	decision, err := b.RequestPermission(context.Background(), "sess-1", "bash", nil)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if decision != string(DecisionAllow) {
		t.Errorf("expected %q, got %q", DecisionAllow, decision)
	}
}

func TestBridge_AllowAlwaysCoercedToAllow(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBridge(5*time.Minute, pub, nil)

	go func() {
		for i := 0; i < 100 && len(pub.requests) == 0; i++ {
			time.Sleep(time.Millisecond)
		}
		_ = b.Resolve(pub.requests[0], DecisionAllowAlways, "client-1")
	}()

	decision, err := b.RequestPermission(context.Background(), "sess-1", "bash", nil)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if decision != string(DecisionAllow) {
		t.Errorf("expected allow_always to be coerced to allow, got %q", decision)
	}
}

func TestBridge_SecondResolutionIsDiscardedAndReported(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBridge(5*time.Minute, pub, nil)

	var requestID string
	go func() {
		for i := 0; i < 100 && len(pub.requests) == 0; i++ {
			time.Sleep(time.Millisecond)
		}
		requestID = pub.requests[0]
		_ = b.Resolve(requestID, DecisionAllow, "client-1")
		// Losing response for the same request.
		err := b.Resolve(requestID, DecisionDeny, "client-2")
		if err != ErrAlreadyResolved {
			t.Errorf("expected ErrAlreadyResolved for the second resolution, got %v", err)
		}
	}()

	decision, err := b.RequestPermission(context.Background(), "sess-1", "bash", nil)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if decision != string(DecisionAllow) {
		t.Errorf("expected the first decision (allow) to win, got %q", decision)
	}

	time.Sleep(10 * time.Millisecond) // let the second Resolve's notification land
	if len(pub.resolved) == 0 {
		t.Error("expected a permission_resolved notification for the losing client")
	}
}

func TestBridge_InvalidDecisionLeavesRequestPending(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBridge(50*time.Millisecond, pub, nil)

	go func() {
		for i := 0; i < 100 && len(pub.requests) == 0; i++ {
			time.Sleep(time.Millisecond)
		}
		// Garbage decision: must be ignored, not accepted.
		_ = b.Resolve(pub.requests[0], Decision("yolo"), "client-1")
	}()

	decision, err := b.RequestPermission(context.Background(), "sess-1", "bash", nil)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	// Falls through to the timeout's deny since no valid decision arrived.
	if decision != string(DecisionDeny) {
		t.Errorf("expected deny after timeout, got %q", decision)
	}
	if len(pub.timeouts) != 1 {
		t.Errorf("expected exactly one permission_timeout notification, got %d", len(pub.timeouts))
	}
}

func TestBridge_HTTPPathTimesOutToAsk(t *testing.T) {
	b := NewBridge(20*time.Millisecond, nil, nil)

	decision := b.RequestPermissionHTTP(context.Background(), "sess-1", "bash", nil)
	if decision != string(decisionAsk) {
		t.Errorf("expected %q on HTTP-path timeout, got %q", decisionAsk, decision)
	}
}

func TestBridge_ShutdownAllResolvesToAsk(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBridge(5*time.Minute, pub, nil)

	resultCh := make(chan string, 1)
	go func() {
		d, _ := b.RequestPermission(context.Background(), "sess-1", "bash", nil)
		resultCh <- d
	}()

	for i := 0; i < 100 && b.PendingCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	b.ShutdownAll()

	select {
	case d := <-resultCh:
		if d != string(decisionAsk) {
			t.Errorf("expected shutdown to resolve to %q, got %q", decisionAsk, d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown resolution")
	}
}
