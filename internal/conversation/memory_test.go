package conversation

import (
	"context"
	"testing"
)

func TestMemoryStore_HistoryOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	contents := []string{"first", "second", "third", "fourth"}
	for i, c := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAgent
		}
		if _, err := store.Append(ctx, "conv-a", role, c); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		// interleave another conversation
		if _, err := store.Append(ctx, "conv-b", RoleUser, "other"); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	turns, err := store.List(ctx, "conv-a")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(turns) != len(contents) {
		t.Fatalf("Expected %d turns, got %d", len(contents), len(turns))
	}
	for i, turn := range turns {
		if turn.Content != contents[i] {
			t.Errorf("turn %d: expected %q, got %q", i, contents[i], turn.Content)
		}
		if i > 0 && turn.ID <= turns[i-1].ID {
			t.Errorf("turn %d: IDs not increasing", i)
		}
	}
}

func TestMemoryStore_ListReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Append(ctx, "conv", RoleUser, "hello")

	turns, _ := store.List(ctx, "conv")
	turns[0].Content = "mutated"

	again, _ := store.List(ctx, "conv")
	if again[0].Content != "hello" {
		t.Error("Expected stored turns to be immutable")
	}
}

func TestMemoryStore_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewMemoryStore().Append(ctx, "conv", RoleUser, "hello"); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
