package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cosession/api/internal/broadcast"
	"cosession/api/internal/clock"
	"cosession/api/internal/collab"
	"cosession/api/internal/presence"
	"cosession/api/internal/store"
)

type testEnv struct {
	svc     *collab.Service
	tracker *presence.Tracker
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithClock(t, clock.Real())
}

func newTestEnvWithClock(t *testing.T, clk clock.Clock) *testEnv {
	t.Helper()
	hub := broadcast.NewHub(nil)
	svc := collab.New(store.NewMemoryStore(), hub, nil, clk, nil, collab.Options{})
	tracker := presence.NewTracker(presence.NewMemoryRegistry(), hub, clk, time.Minute, nil)
	handler := NewHandler(svc, hub, tracker, "*", nil)

	ctx := context.Background()
	if _, err := svc.CreateSession(ctx, collab.CreateSessionInput{SessionID: "s1", HostID: "host", HostName: "Hana", Content: json.RawMessage(`{"v":0}`)}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		participant, err := svc.GetParticipant(r.Context(), "s1", r.URL.Query().Get("participantId"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		var categories []broadcast.Category
		if raw := r.URL.Query().Get("categories"); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				category, err := broadcast.ParseCategory(part)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				categories = append(categories, category)
			}
		}
		handler.Serve(w, r, participant, categories)
	}))
	t.Cleanup(func() {
		handler.Shutdown()
		server.Close()
	})
	return &testEnv{svc: svc, tracker: tracker, server: server}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?" + query
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readUntil(t *testing.T, ws *websocket.Conn, kind broadcast.Kind) broadcast.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		var event broadcast.Event
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if event.Kind == kind {
			return event
		}
	}
}

func TestServeSendsSnapshotsThenChanges(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "participantId=host")

	snapshot := readUntil(t, ws, broadcast.KindSessionSnapshot)
	if snapshot.Session == nil || string(snapshot.Session.Content) != `{"v":0}` {
		t.Fatalf("unexpected session snapshot %+v", snapshot.Session)
	}
	participants := readUntil(t, ws, broadcast.KindParticipantsSnapshot)
	if len(participants.Participants) != 1 || participants.Participants[0].ParticipantID != "host" {
		t.Fatalf("unexpected participants snapshot %+v", participants.Participants)
	}
	presenceEvent := readUntil(t, ws, broadcast.KindPresenceSync)
	if len(presenceEvent.Presence) != 1 || presenceEvent.Presence[0].ParticipantID != "host" {
		t.Fatalf("unexpected presence %+v", presenceEvent.Presence)
	}

	if _, err := env.svc.PersistContent(context.Background(), "s1", "host", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	update := readUntil(t, ws, broadcast.KindContentUpdated)
	if update.Origin != "host" || string(update.Session.Content) != `{"v":1}` {
		t.Fatalf("unexpected content update %+v", update)
	}
}

func TestServeCategoryFilterAndPresenceLeave(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.JoinSession(context.Background(), "s1", collab.JoinInput{ParticipantID: "g1", Name: "Guest"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	watcher := env.dial(t, "participantId=host&categories=presence")
	first := readUntil(t, watcher, broadcast.KindPresenceSync)
	if len(first.Presence) != 1 {
		t.Fatalf("expected only the watcher present, got %+v", first.Presence)
	}

	guest := env.dial(t, "participantId=g1&categories=content")
	readUntil(t, guest, broadcast.KindSessionSnapshot)
	joined := readUntil(t, watcher, broadcast.KindPresenceSync)
	if len(joined.Presence) != 2 {
		t.Fatalf("expected guest to appear, got %+v", joined.Presence)
	}

	if err := guest.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	_ = guest.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = guest.Close()

	left := readUntil(t, watcher, broadcast.KindPresenceSync)
	if len(left.Presence) != 1 || left.Presence[0].ParticipantID != "host" {
		t.Fatalf("expected guest to leave presence, got %+v", left.Presence)
	}
}

func TestServeRejectsUnknownParticipant(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/?participantId=stranger"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
}

func TestHeartbeatRestoresSweptConnection(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	env := newTestEnvWithClock(t, clk)
	ws := env.dial(t, "participantId=host&categories=presence")
	if joined := readUntil(t, ws, broadcast.KindPresenceSync); len(joined.Presence) != 1 {
		t.Fatalf("expected the host present, got %+v", joined.Presence)
	}

	clk.Advance(2 * time.Minute)
	if removed, err := env.tracker.Sweep(context.Background()); err != nil || removed != 1 {
		t.Fatalf("sweep removed %d, err %v", removed, err)
	}
	if swept := readUntil(t, ws, broadcast.KindPresenceSync); len(swept.Presence) != 0 {
		t.Fatalf("expected an empty membership after the sweep, got %+v", swept.Presence)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	restored := readUntil(t, ws, broadcast.KindPresenceSync)
	if len(restored.Presence) != 1 || restored.Presence[0].ParticipantID != "host" {
		t.Fatalf("expected the host back in presence, got %+v", restored.Presence)
	}
}

func TestPingPeriodFor(t *testing.T) {
	cases := []struct {
		name string
		ttl  time.Duration
		want time.Duration
	}{
		{"default presence ttl", 45 * time.Second, 15 * time.Second},
		{"unset ttl", 0, defaultPingPeriod},
		{"long ttl keeps the pong deadline", 10 * time.Minute, defaultPingPeriod},
		{"tiny ttl", time.Second, minPingPeriod},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PingPeriodFor(tc.ttl); got != tc.want {
				t.Fatalf("PingPeriodFor(%v) = %v, want %v", tc.ttl, got, tc.want)
			}
			if tc.ttl > 3*minPingPeriod && PingPeriodFor(tc.ttl)*2 > tc.ttl {
				t.Fatalf("fewer than two pings fit in %v", tc.ttl)
			}
		})
	}
}
