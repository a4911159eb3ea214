package coord

import (
	"testing"
	"time"
)

func TestDedupWindowMarkIdempotence(t *testing.T) {
	w := NewDedupWindow()

	if w.Mark("msg-1", time.Minute) {
		t.Fatal("first Mark of a fresh key should report not-present")
	}
	if !w.Mark("msg-1", time.Minute) {
		t.Fatal("second Mark of the same unexpired key should report present")
	}
	if w.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", w.Len())
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	w := NewDedupWindow()
	now := time.Now()
	w.now = func() time.Time { return now }

	w.Mark("msg-1", time.Second)
	now = now.Add(2 * time.Second)

	if w.Contains("msg-1") {
		t.Fatal("entry should have expired")
	}
	if w.Mark("msg-1", time.Second) {
		t.Fatal("Mark after expiry should treat the key as fresh")
	}
}

func TestDedupWindowSweepsExpiredOnAccess(t *testing.T) {
	w := NewDedupWindow()
	now := time.Now()
	w.now = func() time.Time { return now }

	w.Mark("a", time.Second)
	w.Mark("b", time.Second)
	now = now.Add(2 * time.Second)
	w.Mark("c", time.Second)

	if w.Len() != 1 {
		t.Fatalf("expected only the fresh entry to survive a sweep, got %d", w.Len())
	}
}
