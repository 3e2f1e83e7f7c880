package store

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func newMemorySession(t *testing.T) (*MemoryStore, Session) {
	t.Helper()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	session, err := s.CreateSession(context.Background(), Session{
		ID:               "ses_1",
		HostID:           "host",
		Content:          json.RawMessage(`{"doc":"hello"}`),
		ContentUpdatedAt: now,
	}, Participant{ParticipantID: "host", Name: "Hana", JoinedAt: now})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return s, session
}

func TestMemoryCreateSessionRejectsDuplicate(t *testing.T) {
	s, session := newMemorySession(t)
	_, err := s.CreateSession(context.Background(), session, Participant{ParticipantID: "other"})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestMemoryUpdateContentRoundTripAndMonotonicTimestamp(t *testing.T) {
	s, session := newMemorySession(t)
	ctx := context.Background()

	content := json.RawMessage(`{"doc":{"type":"paragraph","text":"v2"}}`)
	// Same wall-clock instant as creation: timestamp must still move forward.
	updated, err := s.UpdateContent(ctx, session.ID, content, session.ContentUpdatedAt)
	if err != nil {
		t.Fatalf("UpdateContent failed: %v", err)
	}
	if !updated.ContentUpdatedAt.After(session.ContentUpdatedAt) {
		t.Fatalf("expected timestamp after %v, got %v", session.ContentUpdatedAt, updated.ContentUpdatedAt)
	}

	read, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	var want, got any
	_ = json.Unmarshal(content, &want)
	_ = json.Unmarshal(read.Content, &got)
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("content mismatch: want %s, got %s", content, read.Content)
	}
}

func TestMemoryLastWriteWins(t *testing.T) {
	s, session := newMemorySession(t)
	ctx := context.Background()
	t0 := session.ContentUpdatedAt.Add(time.Second)

	if _, err := s.UpdateContent(ctx, session.ID, json.RawMessage(`{"by":"guest-a"}`), t0); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := s.UpdateContent(ctx, session.ID, json.RawMessage(`{"by":"guest-b"}`), t0.Add(time.Second)); err != nil {
		t.Fatalf("second write: %v", err)
	}
	read, _ := s.GetSession(ctx, session.ID)
	if string(read.Content) != `{"by":"guest-b"}` {
		t.Fatalf("expected last writer content, got %s", read.Content)
	}
}

func TestMemorySwapLock(t *testing.T) {
	s, session := newMemorySession(t)
	ctx := context.Background()

	locked, err := s.SwapLock(ctx, session.ID, "", "host")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !locked.Locked || locked.LockHolder() != "host" {
		t.Fatalf("unexpected lock state: %+v", locked)
	}
	if _, err := s.SwapLock(ctx, session.ID, "", "tab-2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	released, err := s.SwapLock(ctx, session.ID, "host", "")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Locked || released.LockedBy != nil {
		t.Fatalf("expected unlocked, got %+v", released)
	}
	if _, err := s.SwapLock(ctx, "missing", "", "host"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUpsertKeepsGuestPermissionOnRejoin(t *testing.T) {
	s, session := newMemorySession(t)
	ctx := context.Background()
	now := session.CreatedAt

	guest, err := s.UpsertParticipant(ctx, Participant{
		SessionID: session.ID, ParticipantID: "g1", Name: "Gil", Role: RoleGuest,
		PermissionStatus: PermissionNone, JoinedAt: now,
	})
	if err != nil {
		t.Fatalf("upsert guest: %v", err)
	}
	granted := PermissionState{EditEnabled: true, Status: PermissionGranted}
	if _, err := s.SwapPermission(ctx, session.ID, "g1", guest.PermissionState(), granted, now); err != nil {
		t.Fatalf("grant: %v", err)
	}

	rejoined, err := s.UpsertParticipant(ctx, Participant{
		SessionID: session.ID, ParticipantID: "g1", Name: "Gil B.", Role: RoleGuest,
		PermissionStatus: PermissionNone, JoinedAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if rejoined.Name != "Gil B." || !rejoined.EditEnabled || rejoined.PermissionStatus != PermissionGranted {
		t.Fatalf("rejoin should refresh name only, got %+v", rejoined)
	}
	participants, _ := s.ListParticipants(ctx, session.ID)
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(participants))
	}
}

func TestMemorySecondHostRejected(t *testing.T) {
	s, session := newMemorySession(t)
	_, err := s.UpsertParticipant(context.Background(), Participant{
		SessionID: session.ID, ParticipantID: "intruder", Name: "X", Role: RoleHost,
		EditEnabled: true, PermissionStatus: PermissionGranted, JoinedAt: session.CreatedAt,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemorySwapPermissionNeverTouchesHost(t *testing.T) {
	s, session := newMemorySession(t)
	ctx := context.Background()
	host, _ := s.GetParticipant(ctx, session.ID, "host")

	_, err := s.SwapPermission(ctx, session.ID, "host", host.PermissionState(), PermissionState{Status: PermissionNone}, session.CreatedAt)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for host row, got %v", err)
	}
	host, _ = s.GetParticipant(ctx, session.ID, "host")
	if !host.EditEnabled || host.PermissionStatus != PermissionGranted {
		t.Fatalf("host permission changed: %+v", host)
	}
}

func TestMemorySwapPermissionDetectsStaleExpectation(t *testing.T) {
	s, session := newMemorySession(t)
	ctx := context.Background()
	now := session.CreatedAt
	guest, _ := s.UpsertParticipant(ctx, Participant{
		SessionID: session.ID, ParticipantID: "g1", Name: "Gil", Role: RoleGuest,
		PermissionStatus: PermissionNone, JoinedAt: now,
	})
	requested := PermissionState{Status: PermissionRequested, RequestedAt: &now}
	if _, err := s.SwapPermission(ctx, session.ID, "g1", guest.PermissionState(), requested, now); err != nil {
		t.Fatalf("request: %v", err)
	}
	// A second writer still holding the pre-request view must lose.
	_, err := s.SwapPermission(ctx, session.ID, "g1", guest.PermissionState(), PermissionState{EditEnabled: true, Status: PermissionGranted}, now)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryListSessionsWithStaleRequests(t *testing.T) {
	s, session := newMemorySession(t)
	ctx := context.Background()
	old := session.CreatedAt.Add(-25 * time.Hour)
	guest, _ := s.UpsertParticipant(ctx, Participant{
		SessionID: session.ID, ParticipantID: "g1", Name: "Gil", Role: RoleGuest,
		PermissionStatus: PermissionNone, JoinedAt: session.CreatedAt,
	})
	if _, err := s.SwapPermission(ctx, session.ID, "g1", guest.PermissionState(), PermissionState{Status: PermissionDenied, RequestedAt: &old}, session.CreatedAt); err != nil {
		t.Fatalf("seed denied: %v", err)
	}

	ids, err := s.ListSessionsWithStaleRequests(ctx, session.CreatedAt.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != session.ID {
		t.Fatalf("expected [%s], got %v", session.ID, ids)
	}
	ids, _ = s.ListSessionsWithStaleRequests(ctx, old)
	if len(ids) != 0 {
		t.Fatalf("expected no sessions, got %v", ids)
	}
}

func TestNextContentTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		prev time.Time
		now  time.Time
		want time.Time
	}{
		{name: "clock ahead", prev: base, now: base.Add(time.Second), want: base.Add(time.Second)},
		{name: "same instant", prev: base, now: base, want: base.Add(time.Microsecond)},
		{name: "clock behind", prev: base, now: base.Add(-time.Minute), want: base.Add(time.Microsecond)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextContentTime(tc.prev, tc.now); !got.Equal(tc.want) {
				t.Fatalf("NextContentTime = %v, want %v", got, tc.want)
			}
		})
	}
}
