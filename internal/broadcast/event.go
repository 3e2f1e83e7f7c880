// Package broadcast fans session mutations out to every subscriber of a
// session. Events travel on independent per-category streams; order is kept
// within one session and category only.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"cosession/api/internal/store"
)

type Category string

const (
	// CategoryContent carries session-row changes: content and lock.
	CategoryContent      Category = "content"
	CategoryParticipants Category = "participants"
	CategoryPresence     Category = "presence"
)

var AllCategories = []Category{CategoryContent, CategoryParticipants, CategoryPresence}

func ParseCategory(value string) (Category, error) {
	switch Category(value) {
	case CategoryContent, CategoryParticipants, CategoryPresence:
		return Category(value), nil
	default:
		return "", fmt.Errorf("unknown category %q", value)
	}
}

type Kind string

const (
	KindContentUpdated       Kind = "content.updated"
	KindLockUpdated          Kind = "lock.updated"
	KindSessionSnapshot      Kind = "session.snapshot"
	KindParticipantUpdated   Kind = "participant.updated"
	KindParticipantRemoved   Kind = "participant.removed"
	KindParticipantsSnapshot Kind = "participants.snapshot"
	KindPresenceSync         Kind = "presence.sync"
)

// Category returns the stream a kind is delivered on.
func (k Kind) Category() Category {
	switch k {
	case KindContentUpdated, KindLockUpdated, KindSessionSnapshot:
		return CategoryContent
	case KindParticipantUpdated, KindParticipantRemoved, KindParticipantsSnapshot:
		return CategoryParticipants
	case KindPresenceSync:
		return CategoryPresence
	default:
		return ""
	}
}

// PresenceRecord is one live connection. It is never persisted.
type PresenceRecord struct {
	ConnectionID  string     `json:"connectionId"`
	ParticipantID string     `json:"participantId"`
	Name          string     `json:"name"`
	Role          store.Role `json:"role"`
	ConnectedAt   time.Time  `json:"connectedAt"`
	LastSeen      time.Time  `json:"lastSeen"`
}

type Event struct {
	SessionID string   `json:"sessionId"`
	Category  Category `json:"category"`
	Kind      Kind     `json:"kind"`
	// Seq increases by one per event within (SessionID, Category) on the
	// delivering instance.
	Seq uint64 `json:"seq"`
	// Origin is the participant whose action produced the event, if any.
	Origin string    `json:"origin,omitempty"`
	At     time.Time `json:"at"`

	Session       *store.Session      `json:"session,omitempty"`
	Participant   *store.Participant  `json:"participant,omitempty"`
	ParticipantID string              `json:"participantId,omitempty"`
	Participants  []store.Participant `json:"participants,omitempty"`
	Presence      []PresenceRecord    `json:"presence,omitempty"`
}

// Publisher accepts events for fan-out. Implementations must preserve the
// call order of events for the same session and category.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

func validate(event Event) error {
	if event.SessionID == "" {
		return fmt.Errorf("broadcast: event without session id")
	}
	if event.Kind.Category() == "" || event.Kind.Category() != event.Category {
		return fmt.Errorf("broadcast: kind %q does not belong to category %q", event.Kind, event.Category)
	}
	return nil
}

// NewEvent builds an event with the category implied by kind.
func NewEvent(sessionID string, kind Kind, origin string, at time.Time) Event {
	return Event{
		SessionID: sessionID,
		Category:  kind.Category(),
		Kind:      kind,
		Origin:    origin,
		At:        at,
	}
}
