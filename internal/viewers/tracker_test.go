package viewers

import (
	"context"
	"errors"
	"testing"

	"vodforge/internal/kv"
)

func TestTrackerJoinLeave(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	tracker, err := NewTracker(store)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	for _, viewer := range []string{"alice", "bob", "alice"} {
		if _, err := tracker.Join(ctx, "abc", viewer); err != nil {
			t.Fatalf("Join(%s): %v", viewer, err)
		}
	}
	count, err := tracker.Count(ctx, "abc")
	if err != nil || count != 2 {
		t.Fatalf("Count = %d, %v; want 2", count, err)
	}
	watching, err := tracker.IsWatching(ctx, "abc", "bob")
	if err != nil || !watching {
		t.Fatalf("IsWatching(bob) = %v, %v", watching, err)
	}

	count, err = tracker.Leave(ctx, "abc", "bob")
	if err != nil || count != 1 {
		t.Fatalf("Leave = %d, %v; want 1", count, err)
	}
	if count, err = tracker.Leave(ctx, "abc", "bob"); err != nil || count != 1 {
		t.Fatalf("second Leave = %d, %v; want 1", count, err)
	}
	watching, err = tracker.IsWatching(ctx, "abc", "bob")
	if err != nil || watching {
		t.Fatalf("IsWatching(bob) after leave = %v, %v", watching, err)
	}

	if other, err := tracker.Count(ctx, "other"); err != nil || other != 0 {
		t.Fatalf("Count(other) = %d, %v", other, err)
	}
	if ok, err := store.SetIsMember(ctx, "viewers:abc", "alice"); err != nil || !ok {
		t.Fatalf("expected alice under viewers:abc, got %v %v", ok, err)
	}
}

func TestTrackerValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := NewTracker(nil); err == nil {
		t.Fatal("expected error without store")
	}
	tracker, _ := NewTracker(kv.NewMemoryStore())
	if _, err := tracker.Join(ctx, "abc", " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := tracker.Count(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
