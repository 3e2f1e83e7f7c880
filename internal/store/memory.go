package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. It backs single-instance
// development runs and tests; state is lost on restart and is not shared
// between API instances.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]Session
	participants map[string]map[string]Participant // sessionID -> participantID -> record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]Session),
		participants: make(map[string]map[string]Participant),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateSession(_ context.Context, session Session, host Participant) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return Session{}, ErrExists
	}
	session.ContentUpdatedAt = session.ContentUpdatedAt.UTC().Truncate(time.Microsecond)
	session.CreatedAt = session.ContentUpdatedAt
	session.Content = cloneRaw(session.Content)
	s.sessions[session.ID] = session

	host.SessionID = session.ID
	host.Role = RoleHost
	host.EditEnabled = true
	host.PermissionStatus = PermissionGranted
	host.PermissionRequestedAt = nil
	host.UpdatedAt = host.JoinedAt
	s.participants[session.ID] = map[string]Participant{host.ParticipantID: host}
	return cloneSession(session), nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, sessionID string, content json.RawMessage, now time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	session.Content = cloneRaw(content)
	session.ContentUpdatedAt = NextContentTime(session.ContentUpdatedAt, now)
	s.sessions[sessionID] = session
	return cloneSession(session), nil
}

func (s *MemoryStore) SwapLock(_ context.Context, sessionID, expected, next string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if session.LockHolder() != expected {
		return Session{}, ErrConflict
	}
	if next == "" {
		session.Locked = false
		session.LockedBy = nil
	} else {
		holder := next
		session.Locked = true
		session.LockedBy = &holder
	}
	s.sessions[sessionID] = session
	return cloneSession(session), nil
}

func (s *MemoryStore) UpsertParticipant(_ context.Context, p Participant) (Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[p.SessionID]; !ok {
		return Participant{}, ErrNotFound
	}
	members := s.participants[p.SessionID]
	if p.Role == RoleHost {
		for id, existing := range members {
			if existing.Role == RoleHost && id != p.ParticipantID {
				return Participant{}, ErrConflict
			}
		}
	}

	existing, ok := members[p.ParticipantID]
	if !ok {
		p.UpdatedAt = p.JoinedAt
		members[p.ParticipantID] = p
		return cloneParticipant(p), nil
	}
	existing.Name = p.Name
	existing.Role = p.Role
	if p.Role == RoleHost {
		existing.EditEnabled = true
		existing.PermissionStatus = PermissionGranted
	}
	existing.UpdatedAt = p.JoinedAt
	members[p.ParticipantID] = existing
	return cloneParticipant(existing), nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, sessionID, participantID string) (Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[sessionID][participantID]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return cloneParticipant(p), nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, sessionID string) ([]Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Participant, 0, len(s.participants[sessionID]))
	for _, p := range s.participants[sessionID] {
		items = append(items, cloneParticipant(p))
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].JoinedAt.Equal(items[j].JoinedAt) {
			return items[i].JoinedAt.Before(items[j].JoinedAt)
		}
		return items[i].ParticipantID < items[j].ParticipantID
	})
	return items, nil
}

func (s *MemoryStore) DeleteParticipant(_ context.Context, sessionID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.participants[sessionID]
	if _, ok := members[participantID]; !ok {
		return false, nil
	}
	delete(members, participantID)
	return true, nil
}

func (s *MemoryStore) SwapPermission(_ context.Context, sessionID, participantID string, expected, next PermissionState, now time.Time) (Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[sessionID][participantID]
	if !ok {
		return Participant{}, ErrNotFound
	}
	if p.Role != RoleGuest || !p.PermissionState().Equal(expected) {
		return Participant{}, ErrConflict
	}
	if next.RequestedAt != nil {
		at := next.RequestedAt.UTC().Truncate(time.Microsecond)
		next.RequestedAt = &at
	}
	p.apply(next)
	p.UpdatedAt = now
	s.participants[sessionID][participantID] = p
	return cloneParticipant(p), nil
}

func (s *MemoryStore) ListSessionsWithStaleRequests(_ context.Context, before time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for sessionID, members := range s.participants {
		for _, p := range members {
			if p.PermissionStatus != PermissionRequested && p.PermissionStatus != PermissionDenied {
				continue
			}
			if p.PermissionRequestedAt != nil && p.PermissionRequestedAt.Before(before) {
				ids = append(ids, sessionID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return json.RawMessage(bytes.Clone(raw))
}

func cloneSession(session Session) Session {
	session.Content = cloneRaw(session.Content)
	if session.LockedBy != nil {
		holder := *session.LockedBy
		session.LockedBy = &holder
	}
	return session
}

func cloneParticipant(p Participant) Participant {
	if p.PermissionRequestedAt != nil {
		at := *p.PermissionRequestedAt
		p.PermissionRequestedAt = &at
	}
	return p
}
