// The client side of the hub: one connection per admitted session, with
// the standard read/write pump pair. Inbound frames are validated at this
// edge before any component sees them.

package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"tilemud/internal/models"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum message size allowed from peer.
	sendQueueSize  = 256                 // Per-connection outbound buffer.
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	validate *validator.Validate

	SessionID   string
	CharacterID string
	PlayerID    string
	InstanceID  string

	left      atomic.Bool
	closeOnce sync.Once
}

// NewClient creates a WebSocket client bound to an admitted session.
func NewClient(hub *Hub, conn *websocket.Conn, validate *validator.Validate,
	sessionID, characterID, playerID, instanceID string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		validate:    validate,
		SessionID:   sessionID,
		CharacterID: characterID,
		PlayerID:    playerID,
		InstanceID:  instanceID,
	}
}

// enqueue serializes and queues one server message. A full queue is a
// transport failure surfaced to the caller, not a blocked goroutine.
func (c *Client) enqueue(msg models.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// leftCleanly reports whether the client sent an explicit leave before the
// transport closed.
func (c *Client) leftCleanly() bool { return c.left.Load() }

// closeConnection shuts the underlying socket exactly once.
func (c *Client) closeConnection() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// ReadPump pumps messages from the websocket connection into the handler.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Read error for session %s: %v", c.SessionID, err)
			}
			return
		}
		c.handleFrame(raw)
		if c.left.Load() {
			return
		}
	}
}

// handleFrame decodes, validates, and dispatches one client frame.
func (c *Client) handleFrame(raw []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.rejectFrame("malformed frame")
		return
	}
	if err := c.validate.Struct(&msg); err != nil {
		c.rejectFrame("invalid frame: " + err.Error())
		return
	}

	handler := c.hub.handler
	if handler == nil {
		return
	}

	switch msg.Type {
	case "heartbeat":
		frame := models.HeartbeatFrame{}
		if msg.Heartbeat != nil {
			frame = *msg.Heartbeat
		}
		handler.OnHeartbeat(c, frame)
	case "place_tile":
		if msg.Place == nil {
			c.rejectFrame("place_tile frame without payload")
			return
		}
		if err := c.validate.Struct(msg.Place); err != nil {
			c.rejectFrame("invalid placement: " + err.Error())
			return
		}
		handler.OnPlaceTile(c, *msg.Place)
	case "chat":
		if msg.Chat == nil {
			c.rejectFrame("chat frame without payload")
			return
		}
		if err := c.validate.Struct(msg.Chat); err != nil {
			c.rejectFrame("invalid chat frame: " + err.Error())
			return
		}
		handler.OnChat(c, *msg.Chat)
	case "ready":
		handler.OnReady(c)
	case "leave":
		c.left.Store(true)
		handler.OnLeave(c)
	}
}

// rejectFrame tells the client its frame was refused.
func (c *Client) rejectFrame(reason string) {
	if err := c.enqueue(Envelope(models.EventMessageRejected, map[string]string{"reason": reason})); err != nil {
		log.Printf("[WS] Could not deliver rejection to session %s: %v", c.SessionID, err)
	}
}

// WritePump pumps messages from the send queue to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("[WS] Write error for session %s: %v", c.SessionID, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
