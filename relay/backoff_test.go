package relay

import (
	"testing"
	"time"
)

func TestBackoffTableShouldTryUnknownPeer(t *testing.T) {
	b := NewBackoffTable()
	if !b.ShouldTry("never-seen") {
		t.Fatal("ShouldTry() = false for a peer with no entry, want true")
	}
}

func TestBackoffTableDoublesWaitOnRepeatedFailure(t *testing.T) {
	b := NewBackoffTable()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.nowFunc = func() time.Time { return now }

	b.RecordFailure("p")
	if b.tried["p"].wait != 1 {
		t.Fatalf("wait after first failure = %d, want 1", b.tried["p"].wait)
	}
	b.RecordFailure("p")
	if b.tried["p"].wait != 2 {
		t.Fatalf("wait after second failure = %d, want 2", b.tried["p"].wait)
	}
	b.RecordFailure("p")
	if b.tried["p"].wait != 4 {
		t.Fatalf("wait after third failure = %d, want 4", b.tried["p"].wait)
	}
}

func TestBackoffTableShouldTryRespectsWindow(t *testing.T) {
	b := NewBackoffTable()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.nowFunc = func() time.Time { return now }

	b.RecordFailure("p")
	if b.ShouldTry("p") {
		t.Fatal("ShouldTry() = true immediately after a failure, want false")
	}

	now = now.Add(2 * time.Second)
	if !b.ShouldTry("p") {
		t.Fatal("ShouldTry() = false once the wait window elapsed, want true")
	}
}

func TestBackoffTableClear(t *testing.T) {
	b := NewBackoffTable()
	b.RecordFailure("p")
	b.Clear("p")
	if !b.ShouldTry("p") {
		t.Fatal("ShouldTry() = false after Clear, want true")
	}
}

func TestBackoffTableClearAll(t *testing.T) {
	b := NewBackoffTable()
	b.RecordFailure("p1")
	b.RecordFailure("p2")
	b.ClearAll()
	if !b.ShouldTry("p1") || !b.ShouldTry("p2") {
		t.Fatal("ShouldTry() false for a peer after ClearAll, want true")
	}
}
