package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewRedisWithClient(client, 10*time.Minute), s
}

func TestRedisEnterAndMutualExclusion(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a"); err != nil {
		t.Fatalf("first enter failed: %v", err)
	}

	err := store.Enter(ctx, "story-1", "bob", BlockSections, "sec-a")
	if !errors.Is(err, ErrBlockUnavailable) {
		t.Fatalf("expected ErrBlockUnavailable, got %v", err)
	}

	holder, held, err := store.HolderOf(ctx, "story-1", BlockSections, "sec-a")
	if err != nil {
		t.Fatalf("HolderOf failed: %v", err)
	}
	if !held || holder.UserID != "alice" {
		t.Errorf("expected alice to hold the block, got %+v held=%v", holder, held)
	}
}

func TestRedisReentryKeepsSince(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

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

func TestRedisLockExpires(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisWithClient(client, time.Second)
	defer store.Close()

	ctx := context.Background()
	if err := store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a"); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	s.FastForward(2 * time.Second)

	// The expired block is open again for another user.
	if err := store.Enter(ctx, "story-1", "bob", BlockSections, "sec-a"); err != nil {
		t.Fatalf("enter after expiry failed: %v", err)
	}
}

func TestRedisExpiredHolderCannotDisturbNewHolder(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisWithClient(client, time.Second)
	defer store.Close()

	ctx := context.Background()
	if err := store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a"); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	// Alice's lock expires and bob takes the block.
	s.FastForward(2 * time.Second)
	if err := store.Enter(ctx, "story-1", "bob", BlockSections, "sec-a"); err != nil {
		t.Fatalf("enter after expiry failed: %v", err)
	}

	// Alice's late leave and re-entry must leave bob's lock standing.
	if err := store.Leave(ctx, "story-1", "alice", BlockSections, "sec-a"); err != nil {
		t.Fatalf("stale leave should not error: %v", err)
	}
	if err := store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a"); !errors.Is(err, ErrBlockUnavailable) {
		t.Fatalf("expected ErrBlockUnavailable for alice, got %v", err)
	}
	holder, held, err := store.HolderOf(ctx, "story-1", BlockSections, "sec-a")
	if err != nil {
		t.Fatalf("HolderOf failed: %v", err)
	}
	if !held || holder.UserID != "bob" {
		t.Errorf("bob should still hold the block, got %+v held=%v", holder, held)
	}
}

func TestRedisLeaveIsTolerant(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Leave(ctx, "story-1", "alice", BlockSections, "sec-a"); err != nil {
		t.Fatalf("leave of open block failed: %v", err)
	}

	if err := store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a"); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
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

func TestRedisReverseMap(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	_ = store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a")
	_ = store.Enter(ctx, "story-1", "bob", BlockSections, "sec-b")
	_ = store.Enter(ctx, "story-1", "bob", BlockResources, "res-1")
	_ = store.Enter(ctx, "story-2", "carol", BlockSections, "sec-z")

	reverse, err := store.ReverseMap(ctx, "story-1", BlockSections)
	if err != nil {
		t.Fatalf("ReverseMap failed: %v", err)
	}
	if len(reverse) != 2 || reverse["sec-a"] != "alice" || reverse["sec-b"] != "bob" {
		t.Errorf("unexpected reverse map: %v", reverse)
	}
}

func TestRedisReleaseUser(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	_ = store.Enter(ctx, "story-1", "alice", BlockSections, "sec-a")
	_ = store.Enter(ctx, "story-1", "alice", BlockStoryMetadata, "story-1")
	_ = store.Enter(ctx, "story-1", "bob", BlockSections, "sec-b")

	if err := store.ReleaseUser(ctx, "story-1", "alice"); err != nil {
		t.Fatalf("ReleaseUser failed: %v", err)
	}

	if _, held, _ := store.HolderOf(ctx, "story-1", BlockSections, "sec-a"); held {
		t.Error("alice's section lock should be released")
	}
	if _, held, _ := store.HolderOf(ctx, "story-1", BlockStoryMetadata, "story-1"); held {
		t.Error("alice's metadata lock should be released")
	}
	if holder, held, _ := store.HolderOf(ctx, "story-1", BlockSections, "sec-b"); !held || holder.UserID != "bob" {
		t.Error("bob's lock must survive")
	}
}
