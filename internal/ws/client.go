// README: One websocket connection; read/write pumps and auth grace handling.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"oasis/internal/types"
)

const (
	UserTypeDriver    = "driver"
	UserTypePassenger = "passenger"
	UserTypeAdmin     = "admin"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Identity arrives over the authenticate event, not the handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundMessage is the client→server envelope.
type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageHandler routes decoded inbound events. Implemented by the socket
// gateway so the transport stays free of domain imports.
type MessageHandler interface {
	Handle(c *Client, event string, data json.RawMessage)
}

// Client is a single transport connection. UserID and UserType are set once
// by a successful authenticate and never change afterwards.
type Client struct {
	UserID   types.ID
	UserType string

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	authed atomic.Bool

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// Authenticate fixes the connection's identity and registers it with the
// hub. Only the first call takes effect; identity never changes afterwards.
func (c *Client) Authenticate(userID types.ID, userType string) {
	if !c.authed.CompareAndSwap(false, true) {
		return
	}
	c.UserID = userID
	c.UserType = userType
	c.hub.bind(c)
}

func (c *Client) Authenticated() bool {
	return c.authed.Load()
}

// Reply sends an event back to this connection only.
func (c *Client) Reply(event string, payload any) {
	c.trySend(mustEnvelope(event, payload))
}

// trySend enqueues a message without blocking. Reports false when the
// client's buffer is full or closed.
func (c *Client) trySend(msg []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Serve upgrades the HTTP request and runs the connection until it drops.
// Unauthenticated connections are closed after the grace period.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, handler MessageHandler, authGrace time.Duration) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newClient(h, conn)

	graceTimer := time.AfterFunc(authGrace, func() {
		if !c.Authenticated() {
			log.Printf("ws: closing connection, no authenticate within %s", authGrace)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"),
				time.Now().Add(writeWait))
			_ = conn.Close()
		}
	})

	go c.writePump()
	c.readPump(handler)

	graceTimer.Stop()
	h.remove(c)
	c.closeSend()
}

func (c *Client) readPump(handler MessageHandler) {
	defer func() { _ = c.conn.Close() }()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error for user %s: %v", c.UserID, err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.trySend(mustEnvelope(EventError, ErrorPayload{Message: "malformed message"}))
			continue
		}
		handler.Handle(c, msg.Event, msg.Data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustEnvelope(event string, payload any) []byte {
	msg, err := Envelope(event, payload)
	if err != nil {
		log.Printf("ws: marshal %s: %v", event, err)
		return []byte(`{"event":"` + event + `"}`)
	}
	return msg
}
