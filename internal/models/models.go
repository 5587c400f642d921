// Package models defines the core data structures used throughout the application,
// representing game entities, API request/response bodies, and internal data contracts.
package models

import (
	"encoding/json"
	"time"
)

// --- Session Lifecycle ---

// SessionState describes where a CharacterSession is in its lifecycle.
type SessionState string

const (
	// SessionActive is a connected session holding a capacity slot.
	SessionActive SessionState = "active"
	// SessionGrace is a disconnected session inside its reconnection window.
	// A grace session does not hold a capacity slot.
	SessionGrace SessionState = "grace"
	// SessionTerminating is a session on its way out; it is invisible to
	// capacity accounting and cannot be reclaimed.
	SessionTerminating SessionState = "terminating"
)

// TerminationReason records why a session left the registry.
type TerminationReason string

const (
	TerminateLeave     TerminationReason = "leave"
	TerminateKick      TerminationReason = "kick"
	TerminateReplace   TerminationReason = "replace"
	TerminateGraceOver TerminationReason = "grace_expired"
	TerminateResolve   TerminationReason = "instance_resolved"
	TerminateAbort     TerminationReason = "instance_aborted"
)

// CharacterSession is the authoritative presence record for one character in
// one instance. A character has at most one non-terminating session system-wide.
type CharacterSession struct {
	SessionID         string       `json:"session_id"`
	CharacterID       string       `json:"character_id"`
	UserID            string       `json:"user_id"`
	InstanceID        string       `json:"instance_id"`
	State             SessionState `json:"state"`
	AdmittedAt        time.Time    `json:"admitted_at"`
	LastHeartbeatAt   time.Time    `json:"last_heartbeat_at"`
	GraceExpiresAt    *time.Time   `json:"grace_expires_at,omitempty"`
	ReconnectionToken string       `json:"-"`
	ReplacementOf     string       `json:"replacement_of,omitempty"`
}

// --- Instances ---

// InstanceMode separates short battles from long-running arenas.
type InstanceMode string

const (
	ModeBattle InstanceMode = "battle"
	ModeArena  InstanceMode = "arena"
)

// InstanceState is forward-only and terminal at resolved/aborted.
type InstanceState string

const (
	InstancePending  InstanceState = "pending"
	InstanceActive   InstanceState = "active"
	InstanceResolved InstanceState = "resolved"
	InstanceAborted  InstanceState = "aborted"
)

// ArenaTier selects the capacity band of a long-running arena.
type ArenaTier string

const (
	TierTutorial ArenaTier = "tutorial"
	TierSkirmish ArenaTier = "skirmish"
	TierEpic     ArenaTier = "epic"
)

// Instance is a self-contained game session with capacity and a state machine.
type Instance struct {
	InstanceID        string           `json:"instance_id"`
	Mode              InstanceMode     `json:"mode"`
	State             InstanceState    `json:"state"`
	Tier              ArenaTier        `json:"tier,omitempty"`
	Capacity          int              `json:"capacity"`
	RuleStamp         RuleVersionStamp `json:"rule_stamp"`
	ShardKey          string           `json:"shard_key"`
	InitialHumanCount int              `json:"initial_human_count"`
	Region            string           `json:"region"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         time.Time        `json:"started_at,omitempty"`
}

// CapacityFor returns the player capacity for a mode/tier combination.
// Battles run 8-a-side by default and 16 for the large variant; arena
// capacity depends on the tier.
func CapacityFor(mode InstanceMode, tier ArenaTier, large bool) int {
	if mode == ModeBattle {
		if large {
			return 16
		}
		return 8
	}
	switch tier {
	case TierSkirmish:
		return 160
	case TierEpic:
		return 300
	default:
		return 80
	}
}

// --- Admission ---

// QueueEntry is one waiting character in an instance's admission queue.
// Unique per (instanceId, characterId), ordered by EnqueuedAt with a
// deterministic tie-break on CharacterID.
type QueueEntry struct {
	CharacterID string    `json:"character_id"`
	UserID      string    `json:"user_id"`
	InstanceID  string    `json:"instance_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	AttemptID   string    `json:"attempt_id"`
}

// AdmitStatus is the outcome class of an admission attempt.
type AdmitStatus string

const (
	AdmitAdmitted        AdmitStatus = "admitted"
	AdmitQueued          AdmitStatus = "queued"
	AdmitReplaceRequired AdmitStatus = "replace_required"
	AdmitReplaced        AdmitStatus = "replaced"
	AdmitRejected        AdmitStatus = "rejected"
)

// AdmitResult carries the full outcome of one admission decision.
type AdmitResult struct {
	Status               AdmitStatus       `json:"status"`
	SessionID            string            `json:"session_id,omitempty"`
	SessionToken         string            `json:"session_token,omitempty"`
	ReconnectionToken    string            `json:"reconnection_token,omitempty"`
	ReplacementToken     string            `json:"replacement_token,omitempty"`
	ExistingSession      *CharacterSession `json:"existing_session,omitempty"`
	QueuePosition        int               `json:"queue_position,omitempty"`
	QueueDepth           int               `json:"queue_depth,omitempty"`
	EstimatedWaitSeconds int               `json:"estimated_wait_seconds,omitempty"`
	Reason               RejectionReason   `json:"reason,omitempty"`
	RetryAfterSeconds    int               `json:"retry_after_seconds,omitempty"`
}

// --- AI Entities ---

// AiType classifies an AI filler entity. Each type carries a fixed spawn
// priority and cost weight used by the elasticity monitor.
type AiType string

const (
	AiMerchant AiType = "merchant"
	AiGuard    AiType = "guard"
	AiMonster  AiType = "monster"
	AiAmbient  AiType = "ambient"
)

// AiEntity is one spawned AI filler inside an arena.
type AiEntity struct {
	EntityID    string     `json:"entity_id"`
	InstanceID  string     `json:"instance_id"`
	Type        AiType     `json:"type"`
	SpawnedAt   time.Time  `json:"spawned_at"`
	DespawnedAt *time.Time `json:"despawned_at,omitempty"`
}

// --- Chat ---

// ChannelType is the addressing class of a chat message.
type ChannelType string

const (
	ChannelPrivate ChannelType = "private"
	ChannelArena   ChannelType = "arena"
	ChannelGlobal  ChannelType = "global"
	ChannelGuild   ChannelType = "guild"
)

// DeliveryTier is the per-message delivery contract.
type DeliveryTier string

const (
	TierExactlyOnce DeliveryTier = "exactly_once"
	TierAtLeastOnce DeliveryTier = "at_least_once"
	TierBestEffort  DeliveryTier = "best_effort"
)

// TierFor maps a channel to its default delivery tier: private and guild
// traffic is exactly-once, arena and global broadcasts are at-least-once.
func TierFor(channel ChannelType) DeliveryTier {
	switch channel {
	case ChannelPrivate, ChannelGuild:
		return TierExactlyOnce
	case ChannelArena, ChannelGlobal:
		return TierAtLeastOnce
	default:
		return TierBestEffort
	}
}

// ChatMessage is one validated message flowing through the dispatcher.
type ChatMessage struct {
	MessageID   string       `json:"message_id"`
	SenderID    string       `json:"sender_id"`
	RecipientID string       `json:"recipient_id,omitempty"`
	GuildID     string       `json:"guild_id,omitempty"`
	InstanceID  string       `json:"instance_id,omitempty"`
	ChannelType ChannelType  `json:"channel_type"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Tier        DeliveryTier `json:"delivery_tier"`
}

// DeliveryStatus is the terminal-or-pending state of one receipt.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryReceipt tracks the delivery of one message to one recipient.
type DeliveryReceipt struct {
	MessageID   string         `json:"message_id"`
	RecipientID string         `json:"recipient_id"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// --- Rule Configs ---

// RuleType partitions rule configurations; at most one config per type is
// active at a time.
type RuleType string

const (
	RuleArena      RuleType = "arena"
	RuleBattle     RuleType = "battle"
	RuleChat       RuleType = "chat"
	RuleGuild      RuleType = "guild"
	RulePlayer     RuleType = "player"
	RuleModeration RuleType = "moderation"
	RuleSystem     RuleType = "system"
)

// RuleConfig is one immutable, versioned rule configuration record.
type RuleConfig struct {
	ID        string          `db:"id" json:"id"`
	Type      RuleType        `db:"rule_type" json:"type"`
	Version   string          `db:"version" json:"version"`
	Config    json.RawMessage `db:"config" json:"config"`
	IsActive  bool            `db:"is_active" json:"is_active"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	CreatedBy string          `db:"created_by" json:"created_by"`
	Checksum  string          `db:"checksum" json:"checksum"`
}

// RuleVersionStamp is the immutable config fingerprint attached to every
// created instance and every replay. Deactivating a config never alters
// stamps already emitted.
type RuleVersionStamp struct {
	Type      RuleType  `json:"type"`
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	Checksum  string    `json:"checksum"`
	StampedAt time.Time `json:"stamped_at"`
}

// --- Replays ---

// ReplayEvent is one sequence-numbered entry in a battle's event log.
// Sequence numbers are gap-free per replay and timestamps never decrease.
type ReplayEvent struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	PlayerID  string          `json:"player_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// ReplayMetadata is the persisted summary row for a finalized replay.
type ReplayMetadata struct {
	InstanceID  string    `db:"instance_id" json:"instance_id"`
	StorageKey  string    `db:"storage_key" json:"storage_key"`
	EventCount  int64     `db:"event_count" json:"event_count"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
	RuleStampJSON []byte  `db:"rule_stamp" json:"-"`
	CompletedAt time.Time `db:"completed_at" json:"completed_at"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
}

// --- Players, Guilds, Moderation ---

// Player is the account-level record behind one or more characters.
type Player struct {
	ID           string     `db:"id" json:"id"`
	Username     string     `db:"username" json:"username"`
	PasswordHash *string    `db:"password_hash" json:"-"`
	Role         string     `db:"role" json:"role"`
	Status       string     `db:"status" json:"status"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	LastSeenAt   *time.Time `db:"last_seen_at" json:"last_seen_at,omitempty"`
}

// Character is one playable identity owned by a player.
type Character struct {
	ID        string    `db:"id" json:"id"`
	PlayerID  string    `db:"player_id" json:"player_id"`
	Name      string    `db:"name" json:"name"`
	GuildID   *string   `db:"guild_id" json:"guild_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Guild groups characters for guild chat and moderation.
type Guild struct {
	ID          string     `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	LeaderID    string     `db:"leader_id" json:"leader_id"`
	DissolvedAt *time.Time `db:"dissolved_at" json:"dissolved_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// MuteScope limits where a mute applies.
type MuteScope string

const (
	MuteGlobal MuteScope = "global"
	MuteGuild  MuteScope = "guild"
	MuteArena  MuteScope = "arena"
)

// MuteStatus is an active or expired mute placed on a player.
type MuteStatus struct {
	ID        int64     `db:"id" json:"id"`
	PlayerID  string    `db:"player_id" json:"player_id"`
	Scope     MuteScope `db:"scope" json:"scope"`
	ScopeID   *string   `db:"scope_id" json:"scope_id,omitempty"`
	Reason    string    `db:"reason" json:"reason"`
	MutedBy   string    `db:"muted_by" json:"muted_by"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// BlockEdge is one direction of the block relation. The effective relation
// used by chat is the symmetric closure of the stored edges.
type BlockEdge struct {
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	BlockedID string    `db:"blocked_id" json:"blocked_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AuditEntry records one administrative or moderation mutation.
type AuditEntry struct {
	ID        int64           `db:"id" json:"id"`
	ActorID   string          `db:"actor_id" json:"actor_id"`
	Action    string          `db:"action" json:"action"`
	TargetID  string          `db:"target_id" json:"target_id"`
	Details   json.RawMessage `db:"details" json:"details,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// --- Battle ---

// PlacementAttempt is one tile placement submitted by a session, resolved
// at the next tick boundary.
type PlacementAttempt struct {
	CharacterID string    `json:"character_id"`
	SessionID   string    `json:"session_id"`
	X           int       `json:"x"`
	Y           int       `json:"y"`
	TileType    string    `json:"tile_type"`
	Timestamp   time.Time `json:"timestamp"`
	Sequence    int64     `json:"sequence"`
}

// PlacementOutcome is the per-attempt verdict of a tick.
type PlacementOutcome struct {
	Attempt  PlacementAttempt `json:"attempt"`
	Accepted bool             `json:"accepted"`
	Reason   RejectionReason  `json:"reason,omitempty"`
}
