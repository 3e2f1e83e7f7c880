package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a compare-and-swap whose expected value no longer
	// matches the stored row.
	ErrConflict = errors.New("conflict")
	ErrExists   = errors.New("already exists")
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleGuest
}

type PermissionStatus string

const (
	PermissionNone      PermissionStatus = "none"
	PermissionRequested PermissionStatus = "requested"
	PermissionGranted   PermissionStatus = "granted"
	PermissionDenied    PermissionStatus = "denied"
)

type Session struct {
	ID               string          `json:"id"`
	HostID           string          `json:"hostId"`
	Content          json.RawMessage `json:"content"`
	ContentUpdatedAt time.Time       `json:"contentUpdatedAt"`
	Locked           bool            `json:"locked"`
	LockedBy         *string         `json:"lockedBy"`
	PasswordHash     string          `json:"-"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// LockHolder returns the current holder or "" when unlocked.
func (s Session) LockHolder() string {
	if s.LockedBy == nil {
		return ""
	}
	return *s.LockedBy
}

type Participant struct {
	SessionID             string           `json:"sessionId"`
	ParticipantID         string           `json:"participantId"`
	Name                  string           `json:"name"`
	Role                  Role             `json:"role"`
	EditEnabled           bool             `json:"editEnabled"`
	PermissionStatus      PermissionStatus `json:"permissionStatus"`
	PermissionRequestedAt *time.Time       `json:"permissionRequestedAt"`
	JoinedAt              time.Time        `json:"joinedAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// PermissionState is the part of a participant record the permission state
// machine reads and writes. Transitions swap one state for another.
type PermissionState struct {
	EditEnabled bool
	Status      PermissionStatus
	RequestedAt *time.Time
}

func (p Participant) PermissionState() PermissionState {
	return PermissionState{
		EditEnabled: p.EditEnabled,
		Status:      p.PermissionStatus,
		RequestedAt: p.PermissionRequestedAt,
	}
}

// Equal compares timestamps at microsecond precision, which is what
// Postgres keeps.
func (s PermissionState) Equal(other PermissionState) bool {
	if s.EditEnabled != other.EditEnabled || s.Status != other.Status {
		return false
	}
	if s.RequestedAt == nil || other.RequestedAt == nil {
		return s.RequestedAt == nil && other.RequestedAt == nil
	}
	return s.RequestedAt.Truncate(time.Microsecond).Equal(other.RequestedAt.Truncate(time.Microsecond))
}

func (p *Participant) apply(state PermissionState) {
	p.EditEnabled = state.EditEnabled
	p.PermissionStatus = state.Status
	p.PermissionRequestedAt = state.RequestedAt
}

// Snapshot is the full authoritative state of one session, used for the
// initial sync of a subscriber and as the polling payload.
type Snapshot struct {
	Session      Session       `json:"session"`
	Participants []Participant `json:"participants"`
}

// NextContentTime returns the timestamp for a content write so that it is
// strictly after prev even when the wall clock did not move.
func NextContentTime(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	floor := prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	if now.Before(floor) {
		return floor
	}
	return now
}
