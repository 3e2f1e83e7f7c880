package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cosession/api/internal/broadcast"
)

// Stream is one live push subscription. Events is closed when the stream
// ends for any reason.
type Stream interface {
	Events() <-chan broadcast.Event
	Close() error
}

type Dialer interface {
	Subscribe(ctx context.Context, sessionID, participantID string, categories []broadcast.Category) (Stream, error)
}

const heartbeatPeriod = 15 * time.Second

// WSDialer subscribes through the server's WebSocket endpoint.
type WSDialer struct {
	baseURL string
	dialer  *websocket.Dialer
}

// NewWSDialer takes the API base URL (http or https); the scheme is
// switched to ws or wss.
func NewWSDialer(baseURL string) *WSDialer {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return &WSDialer{
		baseURL: base,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *WSDialer) Subscribe(ctx context.Context, sessionID, participantID string, categories []broadcast.Category) (Stream, error) {
	query := url.Values{}
	query.Set("participantId", participantID)
	if len(categories) > 0 {
		names := make([]string, len(categories))
		for i, category := range categories {
			names[i] = string(category)
		}
		query.Set("categories", strings.Join(names, ","))
	}
	target := d.baseURL + "/api/sessions/" + url.PathEscape(sessionID) + "/ws?" + query.Encode()

	conn, resp, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, transportError(err)
	}
	stream := &wsStream{
		conn:   conn,
		events: make(chan broadcast.Event, 64),
		done:   make(chan struct{}),
	}
	go stream.readLoop()
	go stream.heartbeatLoop()
	return stream, nil
}

type wsStream struct {
	conn    *websocket.Conn
	events  chan broadcast.Event
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

func (s *wsStream) Events() <-chan broadcast.Event { return s.events }

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	for {
		var event broadcast.Event
		if err := s.conn.ReadJSON(&event); err != nil {
			_ = s.Close()
			return
		}
		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := s.conn.WriteJSON(map[string]string{"type": "heartbeat"})
			s.writeMu.Unlock()
			if err != nil {
				_ = s.Close()
				return
			}
		}
	}
}
