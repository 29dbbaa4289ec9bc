package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*PresenceStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewPresenceStore("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create presence store: %v", err)
	}
	return store, s
}

func TestNewPresenceStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewPresenceStore("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewPresenceStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewPresenceStoreInvalidURL(t *testing.T) {
	if _, err := NewPresenceStore("://nope", time.Minute); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestTouchAndList(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if err := store.Touch(ctx, "doc-1", Member{UserID: "bob", DisplayName: "Bob", Role: "editor"}); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	now = now.Add(time.Second)
	if err := store.Touch(ctx, "doc-1", Member{UserID: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	members, err := store.List(ctx, "doc-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].UserID != "bob" || members[1].UserID != "alice" {
		t.Errorf("expected join order bob, alice; got %s, %s", members[0].UserID, members[1].UserID)
	}
	// Default role if empty
	if members[1].Role != "viewer" {
		t.Errorf("expected default viewer role, got %q", members[1].Role)
	}

	if ttl := s.TTL("presence:doc-1"); ttl != time.Minute {
		t.Errorf("expected key ttl 1m, got %s", ttl)
	}
}

func TestTouchKeepsJoinTime(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	joined := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := joined
	store.now = func() time.Time { return now }

	if err := store.Touch(ctx, "doc-1", Member{UserID: "bob", Role: "editor"}); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	now = joined.Add(30 * time.Second)
	if err := store.Touch(ctx, "doc-1", Member{UserID: "bob", Role: "editor"}); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	members, err := store.List(ctx, "doc-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected a single entry per user, got %d", len(members))
	}
	if !members[0].JoinedAt.Equal(joined) {
		t.Errorf("expected joined_at %s, got %s", joined, members[0].JoinedAt)
	}
	if !members[0].SeenAt.Equal(now) {
		t.Errorf("expected seen_at %s, got %s", now, members[0].SeenAt)
	}
}

func TestListPrunesExpiredMembers(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if err := store.Touch(ctx, "doc-1", Member{UserID: "stale"}); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	now = now.Add(45 * time.Second)
	if err := store.Touch(ctx, "doc-1", Member{UserID: "fresh"}); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	now = now.Add(30 * time.Second)

	members, err := store.List(ctx, "doc-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "fresh" {
		t.Fatalf("expected only the fresh member, got %+v", members)
	}
	if s.HGet("presence:doc-1", "stale") != "" {
		t.Error("expected expired member to be deleted from redis")
	}
}

func TestRemoveAndClear(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := store.Touch(ctx, "doc-1", Member{UserID: id}); err != nil {
			t.Fatalf("Touch failed: %v", err)
		}
	}
	if err := store.Touch(ctx, "doc-2", Member{UserID: "a"}); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	if err := store.Remove(ctx, "doc-1", "a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	// Removing a missing member should not error
	if err := store.Remove(ctx, "doc-1", "missing"); err != nil {
		t.Fatalf("Remove of missing member failed: %v", err)
	}
	members, err := store.List(ctx, "doc-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "b" {
		t.Fatalf("expected only b, got %+v", members)
	}

	if err := store.Clear(ctx, "doc-1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if s.Exists("presence:doc-1") {
		t.Error("expected presence key to be deleted")
	}
	other, err := store.List(ctx, "doc-2")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(other) != 1 {
		t.Errorf("clearing one document must not touch another, got %+v", other)
	}
}

func TestKeyExpiresWithoutTouch(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Touch(ctx, "doc-1", Member{UserID: "a"}); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	// Fast-forward time in miniredis
	s.FastForward(2 * time.Minute)

	members, err := store.List(ctx, "doc-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("expected no members after key expiry, got %d", len(members))
	}
}
