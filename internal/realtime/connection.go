// Package realtime serves the push side of session subscriptions over
// WebSocket.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	defaultPingPeriod = (pongWait * 9) / 10
	minPingPeriod     = time.Second
	sendBuffer        = 128
)

// PingPeriodFor fits at least two pings, and so two pong heartbeats, into
// one presence TTL.
func PingPeriodFor(presenceTTL time.Duration) time.Duration {
	period := presenceTTL / 3
	switch {
	case period <= 0 || period > defaultPingPeriod:
		return defaultPingPeriod
	case period < minPingPeriod:
		return minPingPeriod
	}
	return period
}

// Close codes sent to clients. A client receiving CloseResync must
// resubscribe and resync from the full session state.
const (
	CloseResync   = 4008
	CloseShutdown = websocket.CloseGoingAway
)

var ErrConnectionClosed = errors.New("connection closed")

// Connection wraps a websocket and serialises outbound writes through a
// buffered channel. It is safe for concurrent use.
type Connection struct {
	ID            string
	SessionID     string
	ParticipantID string

	ws         *websocket.Conn
	pingPeriod time.Duration
	send       chan []byte
	once  sync.Once
	close chan struct{}
	done  chan struct{}
}

func NewConnection(sessionID, participantID string, ws *websocket.Conn, pingPeriod time.Duration) *Connection {
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &Connection{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ParticipantID: participantID,
		ws:            ws,
		pingPeriod:    pingPeriod,
		send:          make(chan []byte, sendBuffer),
		close:         make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. A client that lets the buffer fill up
// is disconnected with CloseResync.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.close:
		return ErrConnectionClosed
	default:
	}
	select {
	case <-c.close:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(CloseResync, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// Close sends a close frame and tears the socket down. Only the first call
// has an effect.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		<-c.done
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// Closed is done once Close has been called.
func (c *Connection) Closed() <-chan struct{} {
	return c.close
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.done)
	}()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				go c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				go c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
