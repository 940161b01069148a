package mailbox

import "testing"

func TestPublishKeepsLatest(t *testing.T) {
	m := New[int]()
	for i := 1; i <= 3; i++ {
		if !m.Publish(i) {
			t.Fatalf("publish %d rejected", i)
		}
	}

	if got := <-m.C(); got != 3 {
		t.Fatalf("expected latest value 3, got %d", got)
	}
	select {
	case v := <-m.C():
		t.Fatalf("expected empty mailbox, got %d", v)
	default:
	}
}

func TestCloseDiscardsAndRejects(t *testing.T) {
	m := New[string]()
	m.Publish("stale")

	if !m.Close() {
		t.Fatal("first close should report true")
	}
	if m.Close() {
		t.Fatal("second close should report false")
	}
	if m.Publish("late") {
		t.Fatal("publish after close should be rejected")
	}
	if v, ok := <-m.C(); ok {
		t.Fatalf("expected closed channel, got %q", v)
	}
	select {
	case <-m.Done():
	default:
		t.Fatal("done should be closed")
	}
}
