package broadcast

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBuffer = 64

type topicKey struct {
	sessionID string
	category  Category
}

type topic struct {
	seq  uint64
	subs map[*Subscription]struct{}
}

// Hub is the in-process fan-out point. Delivery never blocks the publisher:
// a subscriber whose buffer is full is dropped and its streams are closed,
// after which it must resubscribe and resync from a snapshot.
type Hub struct {
	mu     sync.Mutex
	topics map[topicKey]*topic
	buffer int
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return NewHubWithBuffer(logger, defaultBuffer)
}

func NewHubWithBuffer(logger *slog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		topics: make(map[topicKey]*topic),
		buffer: buffer,
		logger: logger,
	}
}

// Subscription is the handle returned by Subscribe. It owns one receive
// channel per subscribed category.
type Subscription struct {
	hub       *Hub
	sessionID string
	streams   map[Category]chan Event
	closed    bool
	dropped   bool
}

// Subscribe registers a subscriber for the given categories of one session.
// With no categories it subscribes to all of them.
func (h *Hub) Subscribe(sessionID string, categories ...Category) *Subscription {
	if len(categories) == 0 {
		categories = AllCategories
	}
	sub := &Subscription{
		hub:       h,
		sessionID: sessionID,
		streams:   make(map[Category]chan Event, len(categories)),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, category := range categories {
		if _, dup := sub.streams[category]; dup {
			continue
		}
		sub.streams[category] = make(chan Event, h.buffer)
		key := topicKey{sessionID: sessionID, category: category}
		t := h.topics[key]
		if t == nil {
			t = &topic{subs: make(map[*Subscription]struct{})}
			h.topics[key] = t
		}
		t.subs[sub] = struct{}{}
	}
	return sub
}

// Publish assigns the next sequence number for the event's topic and hands
// the event to every current subscriber.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := topicKey{sessionID: event.SessionID, category: event.Category}
	t := h.topics[key]
	if t == nil {
		// Sequence numbers only matter to live subscribers.
		return nil
	}
	t.seq++
	event.Seq = t.seq

	var slow []*Subscription
	for sub := range t.subs {
		select {
		case sub.streams[event.Category] <- event:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		h.logger.Warn("dropping slow subscriber",
			"session_id", event.SessionID,
			"category", string(event.Category),
			"seq", event.Seq,
		)
		sub.dropped = true
		h.detachLocked(sub)
	}
	return nil
}

// Subscribers returns how many subscriptions are attached to the session's
// category.
func (h *Hub) Subscribers(sessionID string, category Category) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[topicKey{sessionID: sessionID, category: category}]
	if t == nil {
		return 0
	}
	return len(t.subs)
}

func (h *Hub) detachLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	for category, stream := range sub.streams {
		key := topicKey{sessionID: sub.sessionID, category: category}
		if t := h.topics[key]; t != nil {
			delete(t.subs, sub)
			if len(t.subs) == 0 {
				delete(h.topics, key)
			}
		}
		close(stream)
	}
}

// SessionID returns the session this subscription listens to.
func (s *Subscription) SessionID() string { return s.sessionID }

// Stream returns the receive channel for category, or nil when the
// subscription does not include it. The channel is closed on Close or drop.
func (s *Subscription) Stream(category Category) <-chan Event {
	stream, ok := s.streams[category]
	if !ok {
		return nil
	}
	return stream
}

// Categories lists the subscribed categories in canonical order.
func (s *Subscription) Categories() []Category {
	out := make([]Category, 0, len(s.streams))
	for _, category := range AllCategories {
		if _, ok := s.streams[category]; ok {
			out = append(out, category)
		}
	}
	return out
}

// Dropped reports whether the hub detached this subscription for falling
// behind.
func (s *Subscription) Dropped() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.detachLocked(s)
}
