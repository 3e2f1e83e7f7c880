// Package presence tracks which participants are connected to a session
// right now. The registry is advisory: it is rebuilt from join, leave and
// heartbeat signals and is never reconciled with the participant table.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cosession/api/internal/broadcast"
	"cosession/api/internal/clock"
)

var ErrUnknownConnection = errors.New("unknown presence connection")

const DefaultTTL = 45 * time.Second

// Registry stores live presence records keyed by session and connection.
type Registry interface {
	Put(ctx context.Context, sessionID string, record broadcast.PresenceRecord) error
	Remove(ctx context.Context, sessionID, connectionID string) (bool, error)
	Touch(ctx context.Context, sessionID, connectionID string, at time.Time) (bool, error)
	List(ctx context.Context, sessionID string) ([]broadcast.PresenceRecord, error)
	Sessions(ctx context.Context) ([]string, error)
}

type Tracker struct {
	registry  Registry
	publisher broadcast.Publisher
	clock     clock.Clock
	ttl       time.Duration
	logger    *slog.Logger
}

func NewTracker(registry Registry, publisher broadcast.Publisher, clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		registry:  registry,
		publisher: publisher,
		clock:     clk,
		ttl:       ttl,
		logger:    logger,
	}
}

// Join announces a connection and publishes the resulting membership.
func (t *Tracker) Join(ctx context.Context, sessionID string, record broadcast.PresenceRecord) ([]broadcast.PresenceRecord, error) {
	if record.ConnectionID == "" || record.ParticipantID == "" {
		return nil, fmt.Errorf("presence record needs connection and participant ids")
	}
	now := t.clock.Now().UTC()
	record.ConnectedAt = now
	record.LastSeen = now
	if err := t.registry.Put(ctx, sessionID, record); err != nil {
		return nil, fmt.Errorf("put presence: %w", err)
	}
	return t.publishSnapshot(ctx, sessionID)
}

// Leave removes a connection. Removing an unknown connection is a no-op and
// publishes nothing.
func (t *Tracker) Leave(ctx context.Context, sessionID, connectionID string) error {
	removed, err := t.registry.Remove(ctx, sessionID, connectionID)
	if err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	if !removed {
		return nil
	}
	_, err = t.publishSnapshot(ctx, sessionID)
	return err
}

func (t *Tracker) Heartbeat(ctx context.Context, sessionID, connectionID string) error {
	found, err := t.registry.Touch(ctx, sessionID, connectionID, t.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	if !found {
		return ErrUnknownConnection
	}
	return nil
}

// Refresh is the heartbeat of a connection that is known to be live. If a
// sweep already dropped it, the record is put back and the membership is
// republished. It reports whether the record had to be restored.
func (t *Tracker) Refresh(ctx context.Context, sessionID string, record broadcast.PresenceRecord) (bool, error) {
	err := t.Heartbeat(ctx, sessionID, record.ConnectionID)
	if !errors.Is(err, ErrUnknownConnection) {
		return false, err
	}
	now := t.clock.Now().UTC()
	if record.ConnectedAt.IsZero() {
		record.ConnectedAt = now
	}
	record.LastSeen = now
	if err := t.registry.Put(ctx, sessionID, record); err != nil {
		return false, fmt.Errorf("put presence: %w", err)
	}
	if _, err := t.publishSnapshot(ctx, sessionID); err != nil {
		return true, err
	}
	return true, nil
}

func (t *Tracker) TTL() time.Duration { return t.ttl }

// Snapshot returns the session's membership ordered by connect time.
func (t *Tracker) Snapshot(ctx context.Context, sessionID string) ([]broadcast.PresenceRecord, error) {
	records, err := t.registry.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].ConnectedAt.Equal(records[j].ConnectedAt) {
			return records[i].ConnectedAt.Before(records[j].ConnectedAt)
		}
		return records[i].ConnectionID < records[j].ConnectionID
	})
	return records, nil
}

// Sweep drops connections whose last heartbeat is older than the TTL and
// returns how many were removed.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	sessions, err := t.registry.Sessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list presence sessions: %w", err)
	}
	cutoff := t.clock.Now().UTC().Add(-t.ttl)
	total := 0
	for _, sessionID := range sessions {
		records, err := t.registry.List(ctx, sessionID)
		if err != nil {
			t.logger.Error("presence sweep list", "session_id", sessionID, "error", err)
			continue
		}
		removed := 0
		for _, record := range records {
			if !record.LastSeen.Before(cutoff) {
				continue
			}
			ok, err := t.registry.Remove(ctx, sessionID, record.ConnectionID)
			if err != nil {
				t.logger.Error("presence sweep remove", "session_id", sessionID, "connection_id", record.ConnectionID, "error", err)
				continue
			}
			if ok {
				removed++
			}
		}
		if removed > 0 {
			total += removed
			if _, err := t.publishSnapshot(ctx, sessionID); err != nil {
				t.logger.Warn("presence sweep publish", "session_id", sessionID, "error", err)
			}
		}
	}
	return total, nil
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := t.Sweep(ctx); err != nil {
				t.logger.Error("presence sweep", "error", err)
			} else if removed > 0 {
				t.logger.Info("presence sweep removed stale connections", "count", removed)
			}
		}
	}
}

func (t *Tracker) publishSnapshot(ctx context.Context, sessionID string) ([]broadcast.PresenceRecord, error) {
	records, err := t.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	event := broadcast.NewEvent(sessionID, broadcast.KindPresenceSync, "", t.clock.Now().UTC())
	event.Presence = records
	if err := t.publisher.Publish(ctx, event); err != nil {
		// Subscribers resync on their next join; the registry itself is
		// already up to date.
		t.logger.Warn("publish presence snapshot", "session_id", sessionID, "error", err)
	}
	return records, nil
}
