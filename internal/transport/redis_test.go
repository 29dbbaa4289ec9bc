package transport

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	tr, err := NewRedis("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis transport: %v", err)
	}
	return tr, s
}

func TestNewRedisInvalidURL(t *testing.T) {
	if _, err := NewRedis("not a url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestRedisPublishSubscribe(t *testing.T) {
	tr, s := setupTestRedis(t)
	defer tr.Close()
	defer s.Close()

	ctx := context.Background()
	if err := tr.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	sub, err := tr.Subscribe(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if !sub.Connected() {
		t.Fatal("expected subscription to be connected")
	}

	join := JoinPayload{Identity: Identity{UserID: "u1", DisplayName: "Ada", Role: "editor"}}
	if err := tr.Publish(ctx, mustEvent(t, KindJoin, "doc-1", "u1", join)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := receive(t, sub)
	if got.Kind != KindJoin || got.UserID != "u1" || got.DocumentID != "doc-1" {
		t.Fatalf("unexpected event %+v", got)
	}
	var decoded JoinPayload
	if err := got.Decode(&decoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.DisplayName != "Ada" || decoded.Role != "editor" {
		t.Fatalf("unexpected join payload %+v", decoded)
	}
}

func TestRedisDropsMalformedMessages(t *testing.T) {
	tr, s := setupTestRedis(t)
	defer tr.Close()
	defer s.Close()

	ctx := context.Background()
	sub, err := tr.Subscribe(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	s.Publish("collab:doc:doc-1", "{not json")
	s.Publish("collab:doc:doc-1", `{"type":"shout","documentId":"doc-1","userId":"u1"}`)
	if err := tr.Publish(ctx, mustEvent(t, KindTypingStop, "doc-1", "u2", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := receive(t, sub)
	if got.Kind != KindTypingStop || got.UserID != "u2" {
		t.Fatalf("expected the valid event to arrive first, got %+v", got)
	}
}

func TestRedisSubscriptionClose(t *testing.T) {
	tr, s := setupTestRedis(t)
	defer tr.Close()
	defer s.Close()

	sub, err := tr.Subscribe(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected events channel to be closed")
	}
}
