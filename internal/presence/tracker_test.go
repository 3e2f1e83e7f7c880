package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cosession/api/internal/broadcast"
	"cosession/api/internal/clock"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event broadcast.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) last(t *testing.T) broadcast.Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		t.Fatal("no events published")
	}
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func registries(t *testing.T) map[string]Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Registry{
		"memory": NewMemoryRegistry(),
		"redis":  NewRedisRegistry(client),
	}
}

func TestTrackerJoinLeavePublishesSnapshots(t *testing.T) {
	for name, registry := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			pub := &recordingPublisher{}
			tracker := NewTracker(registry, pub, clk, 45*time.Second, nil)

			if _, err := tracker.Join(ctx, "s1", broadcast.PresenceRecord{ConnectionID: "c1", ParticipantID: "host", Role: "host"}); err != nil {
				t.Fatalf("join host: %v", err)
			}
			clk.Advance(time.Second)
			members, err := tracker.Join(ctx, "s1", broadcast.PresenceRecord{ConnectionID: "c2", ParticipantID: "g1", Role: "guest"})
			if err != nil {
				t.Fatalf("join guest: %v", err)
			}
			if len(members) != 2 || members[0].ConnectionID != "c1" || members[1].ConnectionID != "c2" {
				t.Fatalf("unexpected members %+v", members)
			}

			event := pub.last(t)
			if event.Kind != broadcast.KindPresenceSync || event.Category != broadcast.CategoryPresence {
				t.Fatalf("unexpected event %+v", event)
			}
			if len(event.Presence) != 2 {
				t.Fatalf("expected 2 presence records, got %d", len(event.Presence))
			}

			if err := tracker.Leave(ctx, "s1", "c1"); err != nil {
				t.Fatalf("leave: %v", err)
			}
			if got := pub.last(t).Presence; len(got) != 1 || got[0].ParticipantID != "g1" {
				t.Fatalf("unexpected presence after leave %+v", got)
			}

			before := pub.count()
			if err := tracker.Leave(ctx, "s1", "c1"); err != nil {
				t.Fatalf("repeat leave: %v", err)
			}
			if pub.count() != before {
				t.Fatal("unknown connection leave should not publish")
			}
		})
	}
}

func TestTrackerSweepRemovesStaleConnections(t *testing.T) {
	for name, registry := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			pub := &recordingPublisher{}
			tracker := NewTracker(registry, pub, clk, 45*time.Second, nil)

			for _, rec := range []broadcast.PresenceRecord{
				{ConnectionID: "stale", ParticipantID: "g1"},
				{ConnectionID: "live", ParticipantID: "g2"},
			} {
				if _, err := tracker.Join(ctx, "s1", rec); err != nil {
					t.Fatalf("join %s: %v", rec.ConnectionID, err)
				}
			}

			clk.Advance(30 * time.Second)
			if err := tracker.Heartbeat(ctx, "s1", "live"); err != nil {
				t.Fatalf("heartbeat: %v", err)
			}
			clk.Advance(30 * time.Second)

			removed, err := tracker.Sweep(ctx)
			if err != nil {
				t.Fatalf("sweep: %v", err)
			}
			if removed != 1 {
				t.Fatalf("expected 1 stale connection removed, got %d", removed)
			}
			members, err := tracker.Snapshot(ctx, "s1")
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			if len(members) != 1 || members[0].ConnectionID != "live" {
				t.Fatalf("unexpected survivors %+v", members)
			}
			if got := pub.last(t).Presence; len(got) != 1 {
				t.Fatalf("sweep should publish the survivor list, got %+v", got)
			}
		})
	}
}

func TestTrackerRefreshRestoresSweptConnection(t *testing.T) {
	for name, registry := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			pub := &recordingPublisher{}
			tracker := NewTracker(registry, pub, clk, 45*time.Second, nil)

			members, err := tracker.Join(ctx, "s1", broadcast.PresenceRecord{ConnectionID: "c1", ParticipantID: "g1", Role: "guest"})
			if err != nil {
				t.Fatalf("join: %v", err)
			}
			joined := members[0]

			restored, err := tracker.Refresh(ctx, "s1", joined)
			if err != nil || restored {
				t.Fatalf("refresh of a live connection: restored=%v err=%v", restored, err)
			}

			// The socket stays open but its pong lands after the sweep.
			clk.Advance(46 * time.Second)
			if removed, err := tracker.Sweep(ctx); err != nil || removed != 1 {
				t.Fatalf("sweep removed %d, err %v", removed, err)
			}
			if got := pub.last(t).Presence; len(got) != 0 {
				t.Fatalf("sweep should publish an empty membership, got %+v", got)
			}

			clk.Advance(8 * time.Second)
			restored, err = tracker.Refresh(ctx, "s1", joined)
			if err != nil || !restored {
				t.Fatalf("refresh after sweep: restored=%v err=%v", restored, err)
			}
			members, err = tracker.Snapshot(ctx, "s1")
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			if len(members) != 1 || members[0].ConnectionID != "c1" || members[0].Role != "guest" {
				t.Fatalf("unexpected members after refresh %+v", members)
			}
			if !members[0].ConnectedAt.Equal(joined.ConnectedAt) || !members[0].LastSeen.Equal(clk.Now()) {
				t.Fatalf("timestamps connected=%v seen=%v", members[0].ConnectedAt, members[0].LastSeen)
			}
			if got := pub.last(t).Presence; len(got) != 1 {
				t.Fatalf("refresh should republish the membership, got %+v", got)
			}

			if removed, err := tracker.Sweep(ctx); err != nil || removed != 0 {
				t.Fatalf("second sweep removed %d, err %v", removed, err)
			}
		})
	}
}

func TestNewTrackerDefaultsTTL(t *testing.T) {
	tracker := NewTracker(NewMemoryRegistry(), &recordingPublisher{}, clock.Fake(time.Now()), 0, nil)
	if tracker.TTL() != DefaultTTL {
		t.Fatalf("ttl %v, want %v", tracker.TTL(), DefaultTTL)
	}
}

func TestTrackerHeartbeatUnknownConnection(t *testing.T) {
	tracker := NewTracker(NewMemoryRegistry(), &recordingPublisher{}, clock.Fake(time.Now()), time.Minute, nil)
	err := tracker.Heartbeat(context.Background(), "s1", "missing")
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestTrackerJoinSurvivesPublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	tracker := NewTracker(NewMemoryRegistry(), pub, clock.Fake(time.Now()), time.Minute, nil)
	members, err := tracker.Join(context.Background(), "s1", broadcast.PresenceRecord{ConnectionID: "c1", ParticipantID: "g1"})
	if err != nil {
		t.Fatalf("join should not fail on publish error: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(members))
	}
}

func TestTrackerJoinValidatesRecord(t *testing.T) {
	tracker := NewTracker(NewMemoryRegistry(), &recordingPublisher{}, clock.Fake(time.Now()), time.Minute, nil)
	if _, err := tracker.Join(context.Background(), "s1", broadcast.PresenceRecord{ConnectionID: "c1"}); err == nil {
		t.Fatal("expected error for missing participant id")
	}
}
