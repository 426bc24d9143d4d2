package hub

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Client is a WebSocket connection of either role.
type Client struct {
	id       string
	conn     *websocket.Conn
	role     Role
	deviceID string // empty for dashboards
	send     chan []byte
	hub      *Hub

	// mu orders sends against close(send): Send holds the read lock,
	// Close the write lock.
	mu     sync.RWMutex
	closed bool
}

// Serve registers an upgraded connection with the hub and starts its pumps.
func (h *Hub) Serve(conn *websocket.Conn, role Role, deviceID string, sendBuffer int) *Client {
	if sendBuffer < 1 {
		sendBuffer = eventBuffer
	}
	c := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		role:     role,
		deviceID: deviceID,
		send:     make(chan []byte, sendBuffer),
		hub:      h,
	}

	// Connect is queued before the read pump can queue any frame, so
	// dashboards always see the device's presence before its telemetry.
	h.Connect(role, deviceID, c)
	go c.writePump()
	go c.readPump()
	return c
}

// ID returns the connection id used in logs.
func (c *Client) ID() string {
	return c.id
}

// Open reports whether the client still accepts frames.
func (c *Client) Open() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Send queues data without blocking.
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops the client. The write pump sends a close frame and tears
// down the socket, which ends the read pump.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump reads frames until the connection fails or closes.
func (c *Client) readPump() {
	defer func() {
		if r := recover(); r != nil {
			c.hub.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("conn", c.id).
				Msg("read pump crashed")
		}
		c.hub.Disconnect(c.role, c.deviceID, c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.chatty.Warn().Err(err).Str("role", c.role.String()).Str("conn", c.id).Msg("read error")
			}
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		// Dashboards are receive-only; their frames are ignored.
		if c.role == RoleDevice {
			c.hub.Deliver(c.deviceID, c, data)
		}
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Client closed
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
