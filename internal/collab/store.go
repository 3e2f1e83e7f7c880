package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"cosession/api/internal/store"
)

// SessionStore is the persistence the engine needs. Both store.PostgresStore
// and store.MemoryStore satisfy it.
type SessionStore interface {
	Ping(ctx context.Context) error
	CreateSession(ctx context.Context, session store.Session, host store.Participant) (store.Session, error)
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	UpdateContent(ctx context.Context, sessionID string, content json.RawMessage, now time.Time) (store.Session, error)
	SwapLock(ctx context.Context, sessionID, expected, next string) (store.Session, error)
	UpsertParticipant(ctx context.Context, p store.Participant) (store.Participant, error)
	GetParticipant(ctx context.Context, sessionID, participantID string) (store.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]store.Participant, error)
	DeleteParticipant(ctx context.Context, sessionID, participantID string) (bool, error)
	SwapPermission(ctx context.Context, sessionID, participantID string, expected, next store.PermissionState, now time.Time) (store.Participant, error)
	ListSessionsWithStaleRequests(ctx context.Context, before time.Time) ([]string, error)
}

var (
	_ SessionStore = (*store.PostgresStore)(nil)
	_ SessionStore = (*store.MemoryStore)(nil)
)

func loadSession(ctx context.Context, st SessionStore, sessionID string) (store.Session, error) {
	session, err := st.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, notFound("session")
	}
	return session, err
}

func loadParticipant(ctx context.Context, st SessionStore, sessionID, participantID string) (store.Participant, error) {
	p, err := st.GetParticipant(ctx, sessionID, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Participant{}, notFound("participant")
	}
	return p, err
}

// authorizeHost re-reads the session and the caller's participant record on
// every host-only call. A role claimed by the client is never trusted.
func authorizeHost(ctx context.Context, st SessionStore, sessionID, hostID string) (store.Session, error) {
	session, err := loadSession(ctx, st, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	forbidden := domainError(ErrAuthorization, "FORBIDDEN", "only the session host can do this", nil)
	if session.HostID != hostID {
		return store.Session{}, forbidden
	}
	host, err := st.GetParticipant(ctx, sessionID, hostID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, forbidden
	}
	if err != nil {
		return store.Session{}, err
	}
	if host.Role != store.RoleHost {
		return store.Session{}, forbidden
	}
	return session, nil
}
