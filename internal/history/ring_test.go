package history

import "testing"

func TestRing_BoundedAtCapacity(t *testing.T) {
	r := NewRing[int](Cap)

	for i := 0; i < Cap+37; i++ {
		r.Append(i)
	}

	entries := r.Entries()
	if len(entries) != Cap {
		t.Fatalf("expected exactly %d entries, got %d", Cap, len(entries))
	}

	// Oldest K=37 dropped: first entry should be 37, last should be Cap+36.
	if entries[0] != 37 {
		t.Errorf("expected oldest surviving entry to be 37, got %d", entries[0])
	}
	if entries[len(entries)-1] != Cap+36 {
		t.Errorf("expected newest entry to be %d, got %d", Cap+36, entries[len(entries)-1])
	}
}

func TestRing_UnderCapacityPreservesOrder(t *testing.T) {
	r := NewRing[string](Cap)
	r.Append("a")
	r.Append("b")
	r.Append("c")

	entries := r.Entries()
	want := []string{"a", "b", "c"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, v := range want {
		if entries[i] != v {
			t.Errorf("entry %d: expected %q, got %q", i, v, entries[i])
		}
	}
}

func TestRing_ConcurrentAppend(t *testing.T) {
	r := NewRing[int](Cap)
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(base int) {
			for i := 0; i < 100; i++ {
				r.Append(base + i)
			}
			done <- struct{}{}
		}(g * 1000)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	if r.Len() != Cap {
		t.Fatalf("expected ring to be full at %d, got %d", Cap, r.Len())
	}
}
