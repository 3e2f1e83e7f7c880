// Package collab is the shared-document session engine: membership,
// content persistence, the edit-permission state machine and the edit lock.
// Every mutation is persisted through a SessionStore and then published to
// the session's subscribers.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"cosession/api/internal/admission"
	"cosession/api/internal/broadcast"
	"cosession/api/internal/clock"
	"cosession/api/internal/store"
)

const (
	DefaultMaxContentBytes = 1 << 20
	maxNameLength          = 100
)

type Options struct {
	PermissionCooldown time.Duration
	PermissionExpiry   time.Duration
	MaxContentBytes    int
}

// Service owns the store connection and every piece of shared state the
// engine needs. It is constructed once in main and injected into the
// transport layers.
type Service struct {
	store     SessionStore
	publisher broadcast.Publisher
	gate      *admission.Gate
	clock     clock.Clock
	logger    *slog.Logger

	arbiter         *PermissionArbiter
	locks           *LockCoordinator
	maxContentBytes int
}

func New(st SessionStore, publisher broadcast.Publisher, gate *admission.Gate, clk clock.Clock, logger *slog.Logger, opts Options) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if gate == nil {
		gate = admission.NewGate(0)
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = DefaultMaxContentBytes
	}
	return &Service{
		store:           st,
		publisher:       publisher,
		gate:            gate,
		clock:           clk,
		logger:          logger,
		arbiter:         NewPermissionArbiter(st, publisher, clk, opts.PermissionCooldown, opts.PermissionExpiry, logger),
		locks:           NewLockCoordinator(st, publisher, clk, logger),
		maxContentBytes: opts.MaxContentBytes,
	}
}

func (s *Service) Arbiter() *PermissionArbiter { return s.arbiter }

func (s *Service) Locks() *LockCoordinator { return s.locks }

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type CreateSessionInput struct {
	SessionID string          `json:"sessionId"`
	HostID    string          `json:"hostId"`
	HostName  string          `json:"hostName"`
	Content   json.RawMessage `json:"content"`
	Password  string          `json:"password"`
}

func (s *Service) CreateSession(ctx context.Context, input CreateSessionInput) (store.Snapshot, error) {
	if input.SessionID == "" {
		input.SessionID = uuid.NewString()
	}
	if err := validateIDs("sessionId", input.SessionID, "hostId", input.HostID); err != nil {
		return store.Snapshot{}, err
	}
	name, err := validateName(input.HostName)
	if err != nil {
		return store.Snapshot{}, err
	}
	content := input.Content
	if len(bytes.TrimSpace(content)) == 0 {
		content = json.RawMessage(`{}`)
	}
	if err := s.validateContent(content); err != nil {
		return store.Snapshot{}, err
	}
	hash, err := s.gate.Hash(input.Password)
	if err != nil {
		return store.Snapshot{}, domainError(ErrValidation, "VALIDATION_ERROR", err.Error(), map[string]string{"field": "password"})
	}

	now := s.clock.Now().UTC()
	session := store.Session{
		ID:               input.SessionID,
		HostID:           input.HostID,
		Content:          content,
		ContentUpdatedAt: now,
		PasswordHash:     hash,
	}
	host := store.Participant{
		ParticipantID: input.HostID,
		Name:          name,
		Role:          store.RoleHost,
		JoinedAt:      now,
	}
	if _, err := s.store.CreateSession(ctx, session, host); err != nil {
		if errors.Is(err, store.ErrExists) {
			return store.Snapshot{}, domainError(ErrInvalidState, "SESSION_EXISTS", "session already exists", nil)
		}
		return store.Snapshot{}, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("session created", "session_id", input.SessionID, "host_id", input.HostID, "protected", hash != "")
	return s.GetState(ctx, input.SessionID)
}

type JoinInput struct {
	ParticipantID string     `json:"participantId"`
	Name          string     `json:"name"`
	Role          store.Role `json:"role"`
	Password      string     `json:"password"`
}

// JoinSession upserts the caller's participant record. Rejoining keeps the
// stored permission state and only refreshes name and role. The session's
// recorded host always joins as host; nobody else can.
func (s *Service) JoinSession(ctx context.Context, sessionID string, input JoinInput) (store.Participant, error) {
	if err := validateIDs("sessionId", sessionID, "participantId", input.ParticipantID); err != nil {
		return store.Participant{}, err
	}
	name, err := validateName(input.Name)
	if err != nil {
		return store.Participant{}, err
	}
	role := input.Role
	if role == "" {
		role = store.RoleGuest
	}
	if !role.Valid() {
		return store.Participant{}, domainError(ErrValidation, "VALIDATION_ERROR", "role must be host or guest", map[string]string{"field": "role"})
	}

	session, err := loadSession(ctx, s.store, sessionID)
	if err != nil {
		return store.Participant{}, err
	}
	if err := s.gate.Admit(session.PasswordHash, input.Password); err != nil {
		if errors.Is(err, admission.ErrPasswordRequired) || errors.Is(err, admission.ErrPasswordMismatch) {
			return store.Participant{}, domainError(ErrAuthorization, "ADMISSION_DENIED", err.Error(), nil)
		}
		return store.Participant{}, err
	}
	switch {
	case input.ParticipantID == session.HostID:
		role = store.RoleHost
	case role == store.RoleHost:
		return store.Participant{}, domainError(ErrAuthorization, "FORBIDDEN", "only the session host can join as host", nil)
	}

	participant := store.Participant{
		SessionID:        sessionID,
		ParticipantID:    input.ParticipantID,
		Name:             name,
		Role:             role,
		PermissionStatus: store.PermissionNone,
		JoinedAt:         s.clock.Now().UTC(),
	}
	if role == store.RoleHost {
		participant.EditEnabled = true
		participant.PermissionStatus = store.PermissionGranted
	}
	saved, err := s.store.UpsertParticipant(ctx, participant)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.Participant{}, notFound("session")
	case errors.Is(err, store.ErrConflict):
		return store.Participant{}, conflict("session already has a host")
	case err != nil:
		return store.Participant{}, fmt.Errorf("join session: %w", err)
	}
	publishParticipant(ctx, s.publisher, s.logger, saved, saved.ParticipantID, saved.UpdatedAt)
	s.logger.Info("participant joined", "session_id", sessionID, "participant_id", saved.ParticipantID, "role", saved.Role)

	if saved.Role == store.RoleHost {
		s.arbiter.CleanupExpired(ctx, sessionID)
	}
	return saved, nil
}

// LeaveSession removes the participant record. A participant holding the
// lock releases it on the way out. Leaving twice is a no-op.
func (s *Service) LeaveSession(ctx context.Context, sessionID, participantID string) error {
	if err := validateIDs("sessionId", sessionID, "participantId", participantID); err != nil {
		return err
	}
	session, err := loadSession(ctx, s.store, sessionID)
	if err != nil {
		return err
	}
	if session.LockHolder() == participantID {
		if _, err := s.locks.Release(ctx, sessionID, participantID); err != nil {
			s.logger.Warn("release lock on leave", "session_id", sessionID, "participant_id", participantID, "error", err)
		}
	}
	removed, err := s.store.DeleteParticipant(ctx, sessionID, participantID)
	if err != nil {
		return fmt.Errorf("leave session: %w", err)
	}
	if !removed {
		return nil
	}
	event := broadcast.NewEvent(sessionID, broadcast.KindParticipantRemoved, participantID, s.clock.Now().UTC())
	event.ParticipantID = participantID
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publish participant removal", "session_id", sessionID, "participant_id", participantID, "error", err)
	}
	s.logger.Info("participant left", "session_id", sessionID, "participant_id", participantID)
	return nil
}

// PersistContent replaces the session's content. The last accepted write
// wins; there is no merge.
func (s *Service) PersistContent(ctx context.Context, sessionID, editorID string, content json.RawMessage) (store.Session, error) {
	if err := validateIDs("sessionId", sessionID, "participantId", editorID); err != nil {
		return store.Session{}, err
	}
	if err := s.validateContent(content); err != nil {
		return store.Session{}, err
	}
	editor, err := loadParticipant(ctx, s.store, sessionID, editorID)
	if err != nil {
		return store.Session{}, err
	}
	if editor.Role != store.RoleHost && !editor.EditEnabled {
		return store.Session{}, domainError(ErrAuthorization, "READ_ONLY", "participant does not have edit permission", nil)
	}

	now := s.clock.Now().UTC()
	updated, err := s.store.UpdateContent(ctx, sessionID, content, now)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, notFound("session")
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("persist content: %w", err)
	}
	event := broadcast.NewEvent(sessionID, broadcast.KindContentUpdated, editorID, now)
	event.Session = &updated
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publish content change", "session_id", sessionID, "error", err)
	}
	return updated, nil
}

// GetState returns the authoritative session state, used for initial sync
// and as the polling payload.
func (s *Service) GetState(ctx context.Context, sessionID string) (store.Snapshot, error) {
	if err := validateID("sessionId", sessionID); err != nil {
		return store.Snapshot{}, err
	}
	session, err := loadSession(ctx, s.store, sessionID)
	if err != nil {
		return store.Snapshot{}, err
	}
	participants, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("list participants: %w", err)
	}
	return store.Snapshot{Session: session, Participants: participants}, nil
}

// GetParticipant looks up one participant record.
func (s *Service) GetParticipant(ctx context.Context, sessionID, participantID string) (store.Participant, error) {
	if err := validateIDs("sessionId", sessionID, "participantId", participantID); err != nil {
		return store.Participant{}, err
	}
	return loadParticipant(ctx, s.store, sessionID, participantID)
}

func (s *Service) RequestEditPermission(ctx context.Context, sessionID, participantID string) (store.Participant, error) {
	return s.arbiter.Request(ctx, sessionID, participantID)
}

func (s *Service) RespondToPermissionRequest(ctx context.Context, sessionID, hostID, targetID string, approved bool) (store.Participant, error) {
	return s.arbiter.Respond(ctx, sessionID, hostID, targetID, approved)
}

func (s *Service) SetEditPermission(ctx context.Context, sessionID, hostID, targetID string, enabled bool) (store.Participant, error) {
	return s.arbiter.SetEditPermission(ctx, sessionID, hostID, targetID, enabled)
}

func (s *Service) AcquireLock(ctx context.Context, sessionID, holderID string) (store.Session, error) {
	return s.locks.Acquire(ctx, sessionID, holderID)
}

func (s *Service) ReleaseLock(ctx context.Context, sessionID, holderID string) (store.Session, error) {
	return s.locks.Release(ctx, sessionID, holderID)
}

// CleanupExpired is best-effort: it never fails, it only reports how many
// records were reset.
func (s *Service) CleanupExpired(ctx context.Context, sessionID string) int {
	if validateID("sessionId", sessionID) != nil {
		return 0
	}
	return s.arbiter.CleanupExpired(ctx, sessionID)
}

func (s *Service) CleanupAll(ctx context.Context) int {
	return s.arbiter.CleanupAll(ctx)
}

func (s *Service) validateContent(content json.RawMessage) error {
	if len(content) > s.maxContentBytes {
		return domainError(ErrValidation, "CONTENT_TOO_LARGE",
			fmt.Sprintf("content exceeds %d bytes", s.maxContentBytes),
			map[string]int{"maxBytes": s.maxContentBytes})
	}
	if len(bytes.TrimSpace(content)) == 0 || !json.Valid(content) {
		return domainError(ErrValidation, "VALIDATION_ERROR", "content must be a JSON document", map[string]string{"field": "content"})
	}
	return nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domainError(ErrValidation, "VALIDATION_ERROR", "name is required", map[string]string{"field": "name"})
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", domainError(ErrValidation, "VALIDATION_ERROR", fmt.Sprintf("name exceeds %d characters", maxNameLength), map[string]string{"field": "name"})
	}
	return name, nil
}
