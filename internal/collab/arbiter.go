package collab

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cosession/api/internal/broadcast"
	"cosession/api/internal/clock"
	"cosession/api/internal/store"
)

const (
	DefaultPermissionCooldown = 30 * time.Second
	DefaultPermissionExpiry   = 24 * time.Hour
	overrideAttempts          = 3
)

// PermissionArbiter runs the guest edit-permission state machine. Every
// transition is a compare-and-swap on the participant's previous permission
// state, so concurrent requests and responses never overwrite each other.
type PermissionArbiter struct {
	store     SessionStore
	publisher broadcast.Publisher
	clock     clock.Clock
	cooldown  time.Duration
	expiry    time.Duration
	logger    *slog.Logger
}

func NewPermissionArbiter(st SessionStore, publisher broadcast.Publisher, clk clock.Clock, cooldown, expiry time.Duration, logger *slog.Logger) *PermissionArbiter {
	if cooldown <= 0 {
		cooldown = DefaultPermissionCooldown
	}
	if expiry <= 0 {
		expiry = DefaultPermissionExpiry
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionArbiter{
		store:     st,
		publisher: publisher,
		clock:     clk,
		cooldown:  cooldown,
		expiry:    expiry,
		logger:    logger,
	}
}

func (a *PermissionArbiter) Cooldown() time.Duration { return a.cooldown }

func (a *PermissionArbiter) Request(ctx context.Context, sessionID, participantID string) (store.Participant, error) {
	if err := validateIDs("sessionId", sessionID, "participantId", participantID); err != nil {
		return store.Participant{}, err
	}
	p, err := loadParticipant(ctx, a.store, sessionID, participantID)
	if err != nil {
		return store.Participant{}, err
	}
	if p.Role == store.RoleHost {
		return store.Participant{}, domainError(ErrAuthorization, "FORBIDDEN", "the host cannot request edit permission", nil)
	}
	if p.EditEnabled {
		return store.Participant{}, domainError(ErrAlreadyGranted, "ALREADY_GRANTED", "edit permission is already granted", nil)
	}

	now := a.clock.Now().UTC()
	if (p.PermissionStatus == store.PermissionRequested || p.PermissionStatus == store.PermissionDenied) && p.PermissionRequestedAt != nil {
		if elapsed := now.Sub(*p.PermissionRequestedAt); elapsed < a.cooldown {
			return store.Participant{}, cooldownError(a.cooldown-elapsed, a.cooldown)
		}
	}

	next := store.PermissionState{
		EditEnabled: p.EditEnabled,
		Status:      store.PermissionRequested,
		RequestedAt: &now,
	}
	updated, err := a.swap(ctx, p, next, now, participantID)
	if err != nil {
		return store.Participant{}, err
	}
	a.logger.Info("edit permission requested", "session_id", sessionID, "participant_id", participantID)
	return updated, nil
}

func (a *PermissionArbiter) Respond(ctx context.Context, sessionID, hostID, targetID string, approved bool) (store.Participant, error) {
	if err := validateIDs("sessionId", sessionID, "hostId", hostID, "targetId", targetID); err != nil {
		return store.Participant{}, err
	}
	if _, err := authorizeHost(ctx, a.store, sessionID, hostID); err != nil {
		return store.Participant{}, err
	}
	target, err := loadParticipant(ctx, a.store, sessionID, targetID)
	if err != nil {
		return store.Participant{}, err
	}
	if target.PermissionStatus != store.PermissionRequested {
		return store.Participant{}, domainError(ErrInvalidState, "INVALID_STATE",
			"participant has no pending permission request",
			map[string]string{"status": string(target.PermissionStatus)})
	}

	next := target.PermissionState()
	if approved {
		next.EditEnabled = true
		next.Status = store.PermissionGranted
	} else {
		next.Status = store.PermissionDenied
	}
	updated, err := a.swap(ctx, target, next, a.clock.Now().UTC(), hostID)
	if err != nil {
		return store.Participant{}, err
	}
	a.logger.Info("edit permission answered", "session_id", sessionID, "participant_id", targetID, "approved", approved)
	return updated, nil
}

// SetEditPermission is the host's unconditional override. It retries when a
// concurrent transition wins the swap, since the host's intent does not
// depend on the previous state.
func (a *PermissionArbiter) SetEditPermission(ctx context.Context, sessionID, hostID, targetID string, enabled bool) (store.Participant, error) {
	if err := validateIDs("sessionId", sessionID, "hostId", hostID, "targetId", targetID); err != nil {
		return store.Participant{}, err
	}
	if _, err := authorizeHost(ctx, a.store, sessionID, hostID); err != nil {
		return store.Participant{}, err
	}

	var lastErr error
	for attempt := 0; attempt < overrideAttempts; attempt++ {
		target, err := loadParticipant(ctx, a.store, sessionID, targetID)
		if err != nil {
			return store.Participant{}, err
		}
		if target.Role == store.RoleHost {
			return store.Participant{}, domainError(ErrAuthorization, "FORBIDDEN", "the host's edit permission cannot be changed", nil)
		}
		next := target.PermissionState()
		next.EditEnabled = enabled
		if enabled {
			next.Status = store.PermissionGranted
		} else {
			next.Status = store.PermissionNone
		}
		updated, err := a.swap(ctx, target, next, a.clock.Now().UTC(), hostID)
		if err == nil {
			a.logger.Info("edit permission set", "session_id", sessionID, "participant_id", targetID, "enabled", enabled)
			return updated, nil
		}
		if Code(err) != "CONFLICT" {
			return store.Participant{}, err
		}
		lastErr = err
	}
	return store.Participant{}, lastErr
}

// CleanupExpired resets requested and denied guests whose request is older
// than the expiry window. Failures are logged and skipped.
func (a *PermissionArbiter) CleanupExpired(ctx context.Context, sessionID string) int {
	participants, err := a.store.ListParticipants(ctx, sessionID)
	if err != nil {
		a.logger.Error("permission cleanup: list participants", "session_id", sessionID, "error", err)
		return 0
	}
	now := a.clock.Now().UTC()
	cutoff := now.Add(-a.expiry)
	reset := 0
	for _, p := range participants {
		if p.Role != store.RoleGuest || p.PermissionRequestedAt == nil || !p.PermissionRequestedAt.Before(cutoff) {
			continue
		}
		if p.PermissionStatus != store.PermissionRequested && p.PermissionStatus != store.PermissionDenied {
			continue
		}
		next := store.PermissionState{EditEnabled: p.EditEnabled, Status: store.PermissionNone}
		if _, err := a.swap(ctx, p, next, now, ""); err != nil {
			a.logger.Warn("permission cleanup: reset participant", "session_id", sessionID, "participant_id", p.ParticipantID, "error", err)
			continue
		}
		reset++
	}
	if reset > 0 {
		a.logger.Info("permission cleanup", "session_id", sessionID, "reset", reset)
	}
	return reset
}

// CleanupAll runs CleanupExpired for every session that has a stale request.
func (a *PermissionArbiter) CleanupAll(ctx context.Context) int {
	sessionIDs, err := a.store.ListSessionsWithStaleRequests(ctx, a.clock.Now().UTC().Add(-a.expiry))
	if err != nil {
		a.logger.Error("permission cleanup: list sessions", "error", err)
		return 0
	}
	total := 0
	for _, sessionID := range sessionIDs {
		if ctx.Err() != nil {
			break
		}
		total += a.CleanupExpired(ctx, sessionID)
	}
	return total
}

func (a *PermissionArbiter) swap(ctx context.Context, current store.Participant, next store.PermissionState, now time.Time, origin string) (store.Participant, error) {
	updated, err := a.store.SwapPermission(ctx, current.SessionID, current.ParticipantID, current.PermissionState(), next, now)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.Participant{}, notFound("participant")
	case errors.Is(err, store.ErrConflict):
		return store.Participant{}, conflict("permission state changed concurrently; reload and retry")
	case err != nil:
		return store.Participant{}, err
	}
	publishParticipant(ctx, a.publisher, a.logger, updated, origin, now)
	return updated, nil
}

func publishParticipant(ctx context.Context, publisher broadcast.Publisher, logger *slog.Logger, p store.Participant, origin string, at time.Time) {
	event := broadcast.NewEvent(p.SessionID, broadcast.KindParticipantUpdated, origin, at)
	event.Participant = &p
	event.ParticipantID = p.ParticipantID
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Warn("publish participant change", "session_id", p.SessionID, "participant_id", p.ParticipantID, "error", err)
	}
}
