package history

import "testing"

func TestPending_AccumulatesDeltasInOrder(t *testing.T) {
	p := NewPending()
	p.Start("sess-1", "msg-1")

	if ok := p.Append("sess-1", "msg-1", "Hel"); !ok {
		t.Fatal("expected Append to succeed on a started message")
	}
	if ok := p.Append("sess-1", "msg-1", "lo, "); !ok {
		t.Fatal("expected Append to succeed on a started message")
	}
	if ok := p.Append("sess-1", "msg-1", "world"); !ok {
		t.Fatal("expected Append to succeed on a started message")
	}

	text, ok := p.Finish("sess-1", "msg-1")
	if !ok {
		t.Fatal("expected Finish to find the accumulated message")
	}
	if text != "Hello, world" {
		t.Errorf("expected %q, got %q", "Hello, world", text)
	}
}

func TestPending_LateDeltaDroppedSilently(t *testing.T) {
	p := NewPending()

	if ok := p.Append("sess-1", "msg-never-started", "stray"); ok {
		t.Error("expected Append for an unstarted message to report false")
	}

	p.Start("sess-1", "msg-1")
	if _, ok := p.Finish("sess-1", "msg-1"); !ok {
		t.Fatal("expected Finish to succeed once")
	}

	// A delta arriving after stream_end has already finalised the message.
	if ok := p.Append("sess-1", "msg-1", "too late"); ok {
		t.Error("expected Append after Finish to report false")
	}
	if _, ok := p.Finish("sess-1", "msg-1"); ok {
		t.Error("expected a second Finish to report false")
	}
}

func TestPending_DiscardSessionRemovesOnlyThatSession(t *testing.T) {
	p := NewPending()
	p.Start("sess-1", "msg-1")
	p.Start("sess-2", "msg-1")

	p.DiscardSession("sess-1")

	if _, ok := p.Finish("sess-1", "msg-1"); ok {
		t.Error("expected sess-1's pending entry to be discarded")
	}
	if _, ok := p.Finish("sess-2", "msg-1"); !ok {
		t.Error("expected sess-2's pending entry to survive the discard")
	}
}

func TestPending_DistinctSessionsDoNotCollide(t *testing.T) {
	p := NewPending()
	p.Start("sess-1", "msg-1")
	p.Start("sess-2", "msg-1")

	p.Append("sess-1", "msg-1", "from one")
	p.Append("sess-2", "msg-1", "from two")

	text1, _ := p.Finish("sess-1", "msg-1")
	text2, _ := p.Finish("sess-2", "msg-1")

	if text1 != "from one" {
		t.Errorf("sess-1: expected %q, got %q", "from one", text1)
	}
	if text2 != "from two" {
		t.Errorf("sess-2: expected %q, got %q", "from two", text2)
	}
}
