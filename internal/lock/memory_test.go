package lock

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryEnterAndMutualExclusion(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a"); err != nil {
		t.Fatalf("first enter failed: %v", err)
	}

	err := store.Enter(ctx, "story-1", "bob", BlockSections, "sec-a")
	if !errors.Is(err, ErrBlockUnavailable) {
		t.Fatalf("expected ErrBlockUnavailable, got %v", err)
	}

	// The failed enter must not disturb the holder.
	holder, held, err := store.HolderOf(ctx, "story-1", BlockSections, "sec-a")
	if err != nil {
		t.Fatalf("HolderOf failed: %v", err)
	}
	if !held || holder.UserID != "alice" {
		t.Errorf("expected alice to hold the block, got %+v held=%v", holder, held)
	}
}

func TestMemoryIdempotentReentry(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.Enter(ctx, "story-1", "alice", BlockResources, "res-1"); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	first, _, _ := store.HolderOf(ctx, "story-1", BlockResources, "res-1")

	if err := store.Enter(ctx, "story-1", "alice", BlockResources, "res-1"); err != nil {
		t.Fatalf("re-entry should succeed: %v", err)
	}
	second, _, _ := store.HolderOf(ctx, "story-1", BlockResources, "res-1")
	if !second.Since.Equal(first.Since) {
		t.Error("re-entry should keep the original Since")
	}
}

func TestMemoryLeaveIsTolerant(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	// Leaving a block nobody holds is a no-op.
	if err := store.Leave(ctx, "story-1", "alice", BlockSections, "sec-a"); err != nil {
		t.Fatalf("leave of open block failed: %v", err)
	}

	if err := store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a"); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	// Leaving someone else's block does nothing.
	if err := store.Leave(ctx, "story-1", "bob", BlockSections, "sec-a"); err != nil {
		t.Fatalf("leave by non-holder failed: %v", err)
	}
	if _, held, _ := store.HolderOf(ctx, "story-1", BlockSections, "sec-a"); !held {
		t.Fatal("non-holder leave must not release the block")
	}

	if err := store.Leave(ctx, "story-1", "alice", BlockSections, "sec-a"); err != nil {
		t.Fatalf("holder leave failed: %v", err)
	}
	if _, held, _ := store.HolderOf(ctx, "story-1", BlockSections, "sec-a"); held {
		t.Fatal("block should be open after holder leaves")
	}
}

func TestMemoryBlockIndependence(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a"); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	// Same id under a different block type is a different block.
	if err := store.Enter(ctx, "story-1", "bob", BlockResources, "sec-a"); err != nil {
		t.Fatalf("different block type should be independent: %v", err)
	}
	// Same block in a different story is independent too.
	if err := store.Enter(ctx, "story-2", "bob", BlockSections, "sec-a"); err != nil {
		t.Fatalf("different story should be independent: %v", err)
	}
}

func TestMemoryReverseMap(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_ = store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a")
	_ = store.Enter(ctx, "story-1", "bob", BlockSections, "sec-b")
	_ = store.Enter(ctx, "story-1", "bob", BlockResources, "res-1")

	reverse, err := store.ReverseMap(ctx, "story-1", BlockSections)
	if err != nil {
		t.Fatalf("ReverseMap failed: %v", err)
	}
	if len(reverse) != 2 || reverse["sec-a"] != "alice" || reverse["sec-b"] != "bob" {
		t.Errorf("unexpected reverse map: %v", reverse)
	}
}

func TestMemoryReleaseUser(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_ = store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a")
	_ = store.Enter(ctx, "story-1", "alice", BlockResources, "res-1")
	_ = store.Enter(ctx, "story-1", "bob", BlockSections, "sec-b")

	if err := store.ReleaseUser(ctx, "story-1", "alice"); err != nil {
		t.Fatalf("ReleaseUser failed: %v", err)
	}

	if _, held, _ := store.HolderOf(ctx, "story-1", BlockSections, "sec-a"); held {
		t.Error("alice's section lock should be released")
	}
	if _, held, _ := store.HolderOf(ctx, "story-1", BlockResources, "res-1"); held {
		t.Error("alice's resource lock should be released")
	}
	if holder, held, _ := store.HolderOf(ctx, "story-1", BlockSections, "sec-b"); !held || holder.UserID != "bob" {
		t.Error("bob's lock must survive")
	}
}

func TestValidBlockType(t *testing.T) {
	for _, valid := range []BlockType{BlockSections, BlockResources, BlockStoryMetadata} {
		if !ValidBlockType(valid) {
			t.Errorf("%s should be valid", valid)
		}
	}
	if ValidBlockType(BlockType("paragraphs")) {
		t.Error("unknown block type accepted")
	}
}
