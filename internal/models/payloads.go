// This file defines the wire payloads exchanged with clients over HTTP and
// the per-session WebSocket channel. Inbound payloads carry validator tags
// and are checked at the edge before they reach any component.

package models

import (
	"encoding/json"
	"time"
)

// --- HTTP Request Payloads ---

// AdmitRequest is the body of POST /instances/{id}/admit.
type AdmitRequest struct {
	CharacterID  string `json:"character_id" validate:"required"`
	ReplaceToken string `json:"replace_token,omitempty"`
}

// ReconnectRequest is the body of POST /instances/{id}/reconnect.
type ReconnectRequest struct {
	ReconnectionToken string `json:"reconnection_token" validate:"required"`
}

// AuthRequest is used for player and moderator login.
type AuthRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// CreateInstanceRequest is the admin body for creating a battle or arena.
type CreateInstanceRequest struct {
	Mode   InstanceMode `json:"mode" validate:"required,oneof=battle arena"`
	Tier   ArenaTier    `json:"tier,omitempty" validate:"omitempty,oneof=tutorial skirmish epic"`
	Large  bool         `json:"large,omitempty"`
	Region string       `json:"region,omitempty"`
}

// CreateRuleConfigRequest is the admin body for registering a rule config.
type CreateRuleConfigRequest struct {
	Type    RuleType        `json:"type" validate:"required,oneof=arena battle chat guild player moderation system"`
	Version string          `json:"version" validate:"required"`
	Config  json.RawMessage `json:"config" validate:"required"`
}

// ModerationRequest is the shared body for mute/unmute/kick commands.
type ModerationRequest struct {
	TargetID        string    `json:"target_id" validate:"required"`
	Reason          string    `json:"reason,omitempty" validate:"max=500"`
	Scope           MuteScope `json:"scope,omitempty" validate:"omitempty,oneof=global guild arena"`
	ScopeID         string    `json:"scope_id,omitempty"`
	DurationSeconds int       `json:"duration_seconds,omitempty" validate:"omitempty,min=1"`
}

// InstanceStatusResponse is the body of GET /instances/{id}/status.
type InstanceStatusResponse struct {
	Available  int  `json:"available"`
	Total      int  `json:"total"`
	QueueDepth int  `json:"queue_depth"`
	DrainMode  bool `json:"drain_mode"`
}

// --- WebSocket Client Messages ---

// ClientMessage is the envelope for everything a client sends on the
// session channel. Type selects which optional payload is present.
type ClientMessage struct {
	Type      string           `json:"type" validate:"required,oneof=heartbeat place_tile chat ready leave"`
	Heartbeat *HeartbeatFrame  `json:"heartbeat,omitempty"`
	Place     *PlaceTileFrame  `json:"place,omitempty"`
	Chat      *ChatSendFrame   `json:"chat,omitempty"`
}

// HeartbeatFrame carries the client's liveness signal.
type HeartbeatFrame struct {
	ClientTime int64 `json:"client_time,omitempty"`
}

// PlaceTileFrame is one tile-placement attempt.
type PlaceTileFrame struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	TileType string `json:"tile_type" validate:"required,max=64"`
	Sequence int64  `json:"sequence" validate:"min=0"`
}

// ChatSendFrame is one outbound chat message from the client. Content
// bounds are enforced here: an empty or over-long message never reaches
// the dispatcher.
type ChatSendFrame struct {
	ChannelType ChannelType `json:"channel_type" validate:"required,oneof=private arena global guild"`
	RecipientID string      `json:"recipient_id,omitempty"`
	Content     string      `json:"content" validate:"required,min=1,max=1000"`
	ClientTime  int64       `json:"client_time,omitempty"`
}

// --- WebSocket Server Messages ---

// Server message types sent on the session channel.
const (
	EventTilesUpdated       = "tiles_updated"
	EventChatMessage        = "chat_message"
	EventBattleStarted      = "battle_started"
	EventArenaPaused        = "arena_paused"
	EventArenaShutdown      = "arena_shutdown"
	EventBattleResolved     = "battle_resolved"
	EventHeartbeatAck       = "heartbeat_ack"
	EventTileRejected       = "tile_rejected"
	EventReconnectionOK     = "reconnection_success"
	EventMessageRejected    = "message_rejected"
	EventSystemNotice       = "system_notice"
	EventQueuePromoted      = "queue_promoted"
)

// ServerMessage is the envelope for everything the server pushes to a client.
type ServerMessage struct {
	Type      string          `json:"type"`
	Tick      int64           `json:"tick,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TileBatch is the payload of a tiles_updated broadcast: every placement
// outcome of one tick, accepted and rejected, plus the number of conflicts
// resolved.
type TileBatch struct {
	Tick              int64              `json:"tick"`
	Placements        []PlacementOutcome `json:"placements"`
	ConflictsResolved int                `json:"conflicts_resolved"`
}
