package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cosession/api/internal/store"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRelayForwardsToLocalHub(t *testing.T) {
	client := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	relay := NewRedisRelay(client, hub, nil)
	if err := relay.Start(ctx); err != nil {
		t.Fatalf("relay start: %v", err)
	}
	defer relay.Close()

	sub := hub.Subscribe("s1", CategoryContent)
	defer sub.Close()

	publisher := NewRedisPublisher(client)
	session := store.Session{ID: "s1", Content: json.RawMessage(`{"v":1}`)}
	event := NewEvent("s1", KindContentUpdated, "host", time.Now().UTC())
	event.Session = &session
	if err := publisher.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receive(t, sub.Stream(CategoryContent))
	if got.Kind != KindContentUpdated || got.Origin != "host" {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.Session == nil || string(got.Session.Content) != `{"v":1}` {
		t.Fatalf("session payload lost: %+v", got.Session)
	}
	if got.Seq != 1 {
		t.Fatalf("expected local seq 1, got %d", got.Seq)
	}
}

func TestRedisPublisherUsesPerCategoryChannel(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	pubsub := client.Subscribe(ctx, "cosession:events:s1:presence")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	event := NewEvent("s1", KindPresenceSync, "", time.Now().UTC())
	event.Presence = []PresenceRecord{{ConnectionID: "c1", ParticipantID: "g1"}}
	if err := NewRedisPublisher(client).Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-pubsub.Channel():
		var decoded Event
		if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(decoded.Presence) != 1 || decoded.Presence[0].ConnectionID != "c1" {
			t.Fatalf("unexpected presence payload %+v", decoded.Presence)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence message")
	}
}

func TestRedisRelayCloseIsIdempotent(t *testing.T) {
	client := setupTestRedis(t)
	relay := NewRedisRelay(client, NewHub(nil), nil)
	if err := relay.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := relay.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
	if err := relay.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := relay.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
