package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cosession/api/internal/broadcast"
	"cosession/api/internal/presence"
	"cosession/api/internal/store"
)

// StateReader loads the authoritative state sent on subscribe.
type StateReader interface {
	GetState(ctx context.Context, sessionID string) (store.Snapshot, error)
}

// ClientMessage is what subscribers may send upstream.
type ClientMessage struct {
	Type string `json:"type"`
}

const MessageHeartbeat = "heartbeat"

type Handler struct {
	state    StateReader
	hub      *broadcast.Hub
	tracker  *presence.Tracker
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

func NewHandler(state StateReader, hub *broadcast.Hub, tracker *presence.Tracker, allowedOrigin string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		state:   state,
		hub:     hub,
		tracker: tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "*" || origin == allowedOrigin
			},
		},
		logger: logger,
		conns:  make(map[*Connection]struct{}),
	}
}

// Serve upgrades the request and streams events for the given participant
// until the socket closes. The caller has already checked that the
// participant belongs to the session.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, participant store.Participant, categories []broadcast.Category) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", "session_id", participant.SessionID, "error", err)
		return
	}
	conn := NewConnection(participant.SessionID, participant.ParticipantID, ws, PingPeriodFor(h.tracker.TTL()))
	conn.Start()
	h.track(conn)
	defer h.untrack(conn)

	// Subscribe before loading the snapshot so no change between the two is
	// lost; a duplicate is harmless.
	sub := h.hub.Subscribe(participant.SessionID, categories...)
	defer sub.Close()

	ctx := context.Background()
	if err := h.sendInitialState(ctx, conn, sub); err != nil {
		h.logger.Error("initial sync", "session_id", participant.SessionID, "participant_id", participant.ParticipantID, "error", err)
		conn.Close(websocket.CloseInternalServerErr, "initial sync failed")
		return
	}

	record := broadcast.PresenceRecord{
		ConnectionID:  conn.ID,
		ParticipantID: participant.ParticipantID,
		Name:          participant.Name,
		Role:          participant.Role,
	}
	members, err := h.tracker.Join(ctx, participant.SessionID, record)
	if err != nil {
		h.logger.Warn("presence join", "session_id", participant.SessionID, "error", err)
	}
	for _, member := range members {
		if member.ConnectionID == conn.ID {
			record = member
		}
	}
	defer func() {
		if err := h.tracker.Leave(ctx, participant.SessionID, conn.ID); err != nil {
			h.logger.Warn("presence leave", "session_id", participant.SessionID, "error", err)
		}
	}()

	for _, category := range sub.Categories() {
		go h.pump(conn, sub.Stream(category))
	}

	h.logger.Info("subscriber connected", "session_id", participant.SessionID, "participant_id", participant.ParticipantID, "connection_id", conn.ID)
	h.readLoop(ctx, conn, record)
	conn.Close(websocket.CloseNormalClosure, "")
	h.logger.Info("subscriber disconnected", "session_id", participant.SessionID, "connection_id", conn.ID)
}

func (h *Handler) sendInitialState(ctx context.Context, conn *Connection, sub *broadcast.Subscription) error {
	snapshot, err := h.state.GetState(ctx, conn.SessionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, category := range sub.Categories() {
		var event broadcast.Event
		switch category {
		case broadcast.CategoryContent:
			event = broadcast.NewEvent(conn.SessionID, broadcast.KindSessionSnapshot, "", now)
			session := snapshot.Session
			event.Session = &session
		case broadcast.CategoryParticipants:
			event = broadcast.NewEvent(conn.SessionID, broadcast.KindParticipantsSnapshot, "", now)
			event.Participants = snapshot.Participants
		default:
			continue
		}
		if err := h.sendEvent(conn, event); err != nil {
			return err
		}
	}
	return nil
}

// pump forwards one category stream. A closed stream means the hub dropped
// this subscriber for falling behind, so the client is told to resync.
func (h *Handler) pump(conn *Connection, stream <-chan broadcast.Event) {
	for {
		select {
		case <-conn.Closed():
			return
		case event, ok := <-stream:
			if !ok {
				conn.Close(CloseResync, "subscription dropped")
				return
			}
			if err := h.sendEvent(conn, event); err != nil {
				return
			}
		}
	}
}

func (h *Handler) sendEvent(conn *Connection, event broadcast.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return conn.Send(payload)
}

// readLoop treats pongs and heartbeat messages as proof of life. A
// connection a sweep dropped while it was still open rejoins presence.
func (h *Handler) readLoop(ctx context.Context, conn *Connection, record broadcast.PresenceRecord) {
	heartbeat := func() {
		restored, err := h.tracker.Refresh(ctx, conn.SessionID, record)
		if err != nil {
			h.logger.Warn("presence heartbeat", "connection_id", conn.ID, "error", err)
			return
		}
		if restored {
			h.logger.Info("presence restored", "session_id", conn.SessionID, "connection_id", conn.ID)
		}
	}
	conn.ws.SetReadLimit(4096)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		heartbeat()
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed client message", "connection_id", conn.ID, "error", err)
			continue
		}
		if msg.Type == MessageHeartbeat {
			heartbeat()
		}
	}
}

func (h *Handler) track(conn *Connection) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) untrack(conn *Connection) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Shutdown closes every open subscriber connection.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		conn.Close(CloseShutdown, "server shutdown")
	}
}
