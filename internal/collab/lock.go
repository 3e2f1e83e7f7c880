package collab

import (
	"context"
	"errors"
	"log/slog"

	"cosession/api/internal/broadcast"
	"cosession/api/internal/clock"
	"cosession/api/internal/store"
)

// LockCoordinator hands out the single per-session edit lock.
type LockCoordinator struct {
	store     SessionStore
	publisher broadcast.Publisher
	clock     clock.Clock
	logger    *slog.Logger
}

func NewLockCoordinator(st SessionStore, publisher broadcast.Publisher, clk clock.Clock, logger *slog.Logger) *LockCoordinator {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LockCoordinator{store: st, publisher: publisher, clock: clk, logger: logger}
}

// Acquire takes the lock for holderID. Acquiring a lock already held by the
// same holder succeeds without a write.
func (l *LockCoordinator) Acquire(ctx context.Context, sessionID, holderID string) (store.Session, error) {
	if err := validateIDs("sessionId", sessionID, "holderId", holderID); err != nil {
		return store.Session{}, err
	}
	if _, err := loadParticipant(ctx, l.store, sessionID, holderID); err != nil {
		return store.Session{}, err
	}
	session, err := loadSession(ctx, l.store, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	switch session.LockHolder() {
	case holderID:
		return session, nil
	case "":
	default:
		return store.Session{}, lockedError(session.LockHolder())
	}

	updated, err := l.store.SwapLock(ctx, sessionID, "", holderID)
	if errors.Is(err, store.ErrConflict) {
		current, err := loadSession(ctx, l.store, sessionID)
		if err != nil {
			return store.Session{}, err
		}
		if current.LockHolder() == holderID {
			return current, nil
		}
		return store.Session{}, lockedError(current.LockHolder())
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, notFound("session")
	}
	if err != nil {
		return store.Session{}, err
	}
	l.logger.Info("lock acquired", "session_id", sessionID, "holder_id", holderID)
	l.publish(ctx, updated, holderID)
	return updated, nil
}

// Release frees the lock. Releasing an unlocked session succeeds; releasing
// someone else's lock fails with ErrLockForbidden.
func (l *LockCoordinator) Release(ctx context.Context, sessionID, holderID string) (store.Session, error) {
	if err := validateIDs("sessionId", sessionID, "holderId", holderID); err != nil {
		return store.Session{}, err
	}
	session, err := loadSession(ctx, l.store, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	switch session.LockHolder() {
	case "":
		return session, nil
	case holderID:
	default:
		return store.Session{}, lockForbidden()
	}

	updated, err := l.store.SwapLock(ctx, sessionID, holderID, "")
	if errors.Is(err, store.ErrConflict) {
		current, err := loadSession(ctx, l.store, sessionID)
		if err != nil {
			return store.Session{}, err
		}
		if current.LockHolder() == "" {
			return current, nil
		}
		return store.Session{}, lockForbidden()
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, notFound("session")
	}
	if err != nil {
		return store.Session{}, err
	}
	l.logger.Info("lock released", "session_id", sessionID, "holder_id", holderID)
	l.publish(ctx, updated, holderID)
	return updated, nil
}

func (l *LockCoordinator) publish(ctx context.Context, session store.Session, origin string) {
	event := broadcast.NewEvent(session.ID, broadcast.KindLockUpdated, origin, l.clock.Now().UTC())
	event.Session = &session
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.Warn("publish lock change", "session_id", session.ID, "error", err)
	}
}

func lockedError(holder string) *DomainError {
	return domainError(ErrLocked, "LOCKED", "session is locked by another participant", map[string]string{"lockedBy": holder})
}

func lockForbidden() *DomainError {
	return domainError(ErrLockForbidden, "LOCK_FORBIDDEN", "only the lock holder can release the lock", nil)
}
