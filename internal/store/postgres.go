package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	sessionColumns     = `id, host_id, content, content_updated_at, locked, locked_by, password_hash, created_at`
	participantColumns = `session_id, participant_id, name, role, edit_enabled, permission_status, permission_requested_at, joined_at, updated_at`
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		item     Session
		content  []byte
		lockedBy sql.NullString
	)
	if err := row.Scan(&item.ID, &item.HostID, &content, &item.ContentUpdatedAt, &item.Locked, &lockedBy, &item.PasswordHash, &item.CreatedAt); err != nil {
		return Session{}, err
	}
	item.Content = json.RawMessage(content)
	if lockedBy.Valid {
		holder := lockedBy.String
		item.LockedBy = &holder
	}
	return item, nil
}

func scanParticipant(row rowScanner) (Participant, error) {
	var (
		item        Participant
		role        string
		status      string
		requestedAt sql.NullTime
	)
	if err := row.Scan(&item.SessionID, &item.ParticipantID, &item.Name, &role, &item.EditEnabled, &status, &requestedAt, &item.JoinedAt, &item.UpdatedAt); err != nil {
		return Participant{}, err
	}
	item.Role = Role(role)
	item.PermissionStatus = PermissionStatus(status)
	if requestedAt.Valid {
		at := requestedAt.Time
		item.PermissionRequestedAt = &at
	}
	return item, nil
}

// CreateSession inserts the session row and its host participant together.
func (s *PostgresStore) CreateSession(ctx context.Context, session Session, host Participant) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := scanSession(tx.QueryRowContext(ctx, `
		INSERT INTO sessions (id, host_id, content, content_updated_at, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $4)
		RETURNING `+sessionColumns,
		session.ID, session.HostID, []byte(session.Content), session.ContentUpdatedAt, session.PasswordHash,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return Session{}, ErrExists
		}
		return Session{}, fmt.Errorf("insert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_participants (session_id, participant_id, name, role, edit_enabled, permission_status, joined_at, updated_at)
		VALUES ($1, $2, $3, 'host', TRUE, 'granted', $4, $4)
	`, created.ID, host.ParticipantID, host.Name, host.JoinedAt); err != nil {
		return Session{}, fmt.Errorf("insert host participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit create session: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	item, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return item, nil
}

// UpdateContent overwrites the content blob. The timestamp is bumped past
// the stored one even when clocks across instances disagree.
func (s *PostgresStore) UpdateContent(ctx context.Context, sessionID string, content json.RawMessage, now time.Time) (Session, error) {
	item, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET content=$2, content_updated_at=GREATEST($3, content_updated_at + INTERVAL '1 microsecond')
		WHERE id=$1
		RETURNING `+sessionColumns,
		sessionID, []byte(content), now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("update content: %w", err)
	}
	return item, nil
}

// SwapLock moves locked_by from expected to next. An empty string stands for
// "no holder" on either side.
func (s *PostgresStore) SwapLock(ctx context.Context, sessionID, expected, next string) (Session, error) {
	item, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET locked = ($3 <> ''), locked_by = NULLIF($3, '')
		WHERE id=$1 AND COALESCE(locked_by, '') = $2
		RETURNING `+sessionColumns,
		sessionID, expected, next,
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetSession(ctx, sessionID); getErr != nil {
			return Session{}, getErr
		}
		return Session{}, ErrConflict
	}
	if err != nil {
		return Session{}, fmt.Errorf("swap lock: %w", err)
	}
	return item, nil
}

// UpsertParticipant inserts a participant or, on rejoin, refreshes name and
// role while keeping the guest's permission state.
func (s *PostgresStore) UpsertParticipant(ctx context.Context, p Participant) (Participant, error) {
	item, err := scanParticipant(s.db.QueryRowContext(ctx, `
		INSERT INTO session_participants (session_id, participant_id, name, role, edit_enabled, permission_status, permission_requested_at, joined_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (session_id, participant_id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			edit_enabled = CASE WHEN EXCLUDED.role = 'host' THEN TRUE ELSE session_participants.edit_enabled END,
			permission_status = CASE WHEN EXCLUDED.role = 'host' THEN 'granted' ELSE session_participants.permission_status END,
			updated_at = EXCLUDED.updated_at
		RETURNING `+participantColumns,
		p.SessionID, p.ParticipantID, p.Name, string(p.Role), p.EditEnabled, string(p.PermissionStatus), nullTime(p.PermissionRequestedAt), p.JoinedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Participant{}, ErrNotFound
		}
		if isUniqueViolation(err) {
			return Participant{}, ErrConflict
		}
		return Participant{}, fmt.Errorf("upsert participant: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, sessionID, participantID string) (Participant, error) {
	item, err := scanParticipant(s.db.QueryRowContext(ctx, `
		SELECT `+participantColumns+` FROM session_participants WHERE session_id=$1 AND participant_id=$2
	`, sessionID, participantID))
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, ErrNotFound
	}
	if err != nil {
		return Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+participantColumns+` FROM session_participants
		WHERE session_id=$1
		ORDER BY joined_at, participant_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		item, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteParticipant(ctx context.Context, sessionID, participantID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM session_participants WHERE session_id=$1 AND participant_id=$2`, sessionID, participantID)
	if err != nil {
		return false, fmt.Errorf("delete participant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete participant rows: %w", err)
	}
	return affected > 0, nil
}

// SwapPermission applies next only if the guest's stored permission state
// still equals expected. Host rows never match.
func (s *PostgresStore) SwapPermission(ctx context.Context, sessionID, participantID string, expected, next PermissionState, now time.Time) (Participant, error) {
	item, err := scanParticipant(s.db.QueryRowContext(ctx, `
		UPDATE session_participants
		SET edit_enabled=$3, permission_status=$4, permission_requested_at=$5, updated_at=$6
		WHERE session_id=$1 AND participant_id=$2 AND role='guest'
			AND edit_enabled=$7 AND permission_status=$8
			AND permission_requested_at IS NOT DISTINCT FROM $9
		RETURNING `+participantColumns,
		sessionID, participantID,
		next.EditEnabled, string(next.Status), nullTime(next.RequestedAt), now,
		expected.EditEnabled, string(expected.Status), nullTime(expected.RequestedAt),
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetParticipant(ctx, sessionID, participantID); getErr != nil {
			return Participant{}, getErr
		}
		return Participant{}, ErrConflict
	}
	if err != nil {
		return Participant{}, fmt.Errorf("swap permission: %w", err)
	}
	return item, nil
}

// ListSessionsWithStaleRequests returns sessions holding at least one
// requested or denied record older than before.
func (s *PostgresStore) ListSessionsWithStaleRequests(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM session_participants
		WHERE permission_status IN ('requested', 'denied') AND permission_requested_at < $1
		ORDER BY session_id
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list stale requests: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale requests: %w", err)
	}
	return ids, nil
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
