// Package websocket implements the per-session bidirectional channel: the
// hub tracks connections, and client pumps move frames. The hub knows
// nothing about game rules; it only routes envelopes. Game logic hangs off
// the MessageHandler installed by the coordinator.
package websocket

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"tilemud/internal/models"
)

// ErrRecipientOffline is returned when no connection exists for a character.
var ErrRecipientOffline = errors.New("websocket: recipient offline")

// ErrSendBufferFull is returned when a connection cannot absorb more
// output; callers treat it as a transport failure.
var ErrSendBufferFull = errors.New("websocket: send buffer full")

// MessageHandler receives every decoded client frame. Implemented by the
// game coordinator; the hub never interprets game semantics itself.
type MessageHandler interface {
	OnHeartbeat(c *Client, frame models.HeartbeatFrame)
	OnPlaceTile(c *Client, frame models.PlaceTileFrame)
	OnChat(c *Client, frame models.ChatSendFrame)
	OnReady(c *Client)
	OnLeave(c *Client)
	// OnDisconnect fires when the transport drops without a leave.
	OnDisconnect(c *Client)
}

// Hub manages the lifecycle of all WebSocket clients: registration,
// unregistration, and routing of server messages by session, character,
// instance, or broadcast.
type Hub struct {
	mu sync.RWMutex
	// clients is keyed by session id: one connection per session.
	clients map[string]*Client
	// byCharacter resolves chat recipients to their live connection.
	byCharacter map[string]*Client
	// byInstance groups connections for tile and event broadcasts.
	byInstance map[string]map[*Client]bool

	handler MessageHandler

	register   chan *Client
	unregister chan *Client
}

// NewHub creates and initializes a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		byCharacter: make(map[string]*Client),
		byInstance:  make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
	}
}

// SetHandler installs the game-side frame handler. Must be called before
// the first connection registers.
func (h *Hub) SetHandler(handler MessageHandler) { h.handler = handler }

// Register sends a client to the register channel for safe registration.
func (h *Hub) Register(client *Client) { h.register <- client }

// Run starts the central event loop for the Hub. It listens on its
// channels and processes client registrations and unregistrations.
// This method should be run as a goroutine.
func (h *Hub) Run() {
	log.Println("[WS-HUB] Hub is running.")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			// A stale connection for the same session is superseded.
			if old, ok := h.clients[client.SessionID]; ok && old != client {
				h.removeLocked(old)
				old.closeConnection()
			}
			h.clients[client.SessionID] = client
			h.byCharacter[client.CharacterID] = client
			if h.byInstance[client.InstanceID] == nil {
				h.byInstance[client.InstanceID] = make(map[*Client]bool)
			}
			h.byInstance[client.InstanceID][client] = true
			h.mu.Unlock()
			log.Printf("[WS-HUB] Client registered for session %s (character %s).",
				client.SessionID, client.CharacterID)

		case client := <-h.unregister:
			h.mu.Lock()
			removed := h.clients[client.SessionID] == client
			if removed {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			client.closeConnection()
			if removed {
				log.Printf("[WS-HUB] Client unregistered for session %s.", client.SessionID)
				if h.handler != nil && !client.leftCleanly() {
					h.handler.OnDisconnect(client)
				}
			}
		}
	}
}

// removeLocked drops a client from every index. Caller holds mu.
func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client.SessionID)
	if h.byCharacter[client.CharacterID] == client {
		delete(h.byCharacter, client.CharacterID)
	}
	if set := h.byInstance[client.InstanceID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(h.byInstance, client.InstanceID)
		}
	}
}

// SendToSession queues a message for one session's connection.
func (h *Hub) SendToSession(sessionID string, msg models.ServerMessage) error {
	h.mu.RLock()
	client, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return ErrRecipientOffline
	}
	return client.enqueue(msg)
}

// SendToCharacter queues a message for a character's live connection.
func (h *Hub) SendToCharacter(characterID string, msg models.ServerMessage) error {
	h.mu.RLock()
	client, ok := h.byCharacter[characterID]
	h.mu.RUnlock()
	if !ok {
		return ErrRecipientOffline
	}
	return client.enqueue(msg)
}

// BroadcastInstance queues a message for every connection in an instance.
// Connections that cannot absorb it are skipped; tick order is preserved
// per connection by the send queue.
func (h *Hub) BroadcastInstance(instanceID string, msg models.ServerMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byInstance[instanceID]))
	for client := range h.byInstance[instanceID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.enqueue(msg); err != nil {
			log.Printf("[WS-HUB] Dropping %s broadcast to session %s: %v", msg.Type, client.SessionID, err)
		}
	}
}

// BroadcastAll queues a message for every connection.
func (h *Hub) BroadcastAll(msg models.ServerMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.enqueue(msg); err != nil {
			log.Printf("[WS-HUB] Dropping %s broadcast to session %s: %v", msg.Type, client.SessionID, err)
		}
	}
}

// ConnectedCharacters lists every character with a live connection.
func (h *Hub) ConnectedCharacters() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byCharacter))
	for id := range h.byCharacter {
		out = append(out, id)
	}
	return out
}

// Envelope builds a server message with a JSON payload.
func Envelope(eventType string, payload interface{}) models.ServerMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[WS-HUB] Failed to marshal %s payload: %v", eventType, err)
	}
	return models.ServerMessage{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}
