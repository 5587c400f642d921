// Package moderation implements the mute, kick, dissolve-guild, and block
// commands. Every moderator command (mute, unmute, kick, dissolve-guild)
// authenticates the moderator principal, applies its mutation, writes an
// audit entry, and — where players must learn about it — broadcasts a
// system event. Block and unblock act for the owning player: they run no
// moderator check and write no audit entry.
package moderation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"tilemud/internal/blocklist"
	"tilemud/internal/database"
	"tilemud/internal/models"
	"tilemud/internal/session"
)

var (
	// ErrUnauthorized is returned when the principal lacks moderator authority.
	ErrUnauthorized = errors.New("moderation: principal not authorized")
	// ErrTargetNotFound is returned when the command target does not exist.
	ErrTargetNotFound = errors.New("moderation: target not found")
)

// SystemSink receives the system events broadcast on kicks and dissolutions.
type SystemSink interface {
	SystemEvent(eventType string, data json.RawMessage)
}

// Service executes moderation commands.
type Service struct {
	db       *database.DB
	registry *session.Registry
	blocks   *blocklist.Cache
	sink     SystemSink
	nowFn    func() time.Time
}

// NewService wires the moderation service.
func NewService(db *database.DB, registry *session.Registry, blocks *blocklist.Cache, sink SystemSink) *Service {
	return &Service{db: db, registry: registry, blocks: blocks, sink: sink, nowFn: time.Now}
}

// authorize loads the moderator principal and checks its authority: the
// account must exist, be active, and carry a moderator or admin role.
func (s *Service) authorize(moderatorID string) (*models.Player, error) {
	mod, err := s.db.GetPlayerByID(moderatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load moderator: %w", err)
	}
	if mod == nil || mod.Status != "active" {
		return nil, ErrUnauthorized
	}
	if mod.Role != "moderator" && mod.Role != "admin" {
		return nil, ErrUnauthorized
	}
	return mod, nil
}

// Mute places a scoped, expiring mute on a player.
func (s *Service) Mute(ctx context.Context, moderatorID string, req models.ModerationRequest) (*models.MuteStatus, error) {
	mod, err := s.authorize(moderatorID)
	if err != nil {
		return nil, err
	}

	target, err := s.db.GetPlayerByID(req.TargetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, ErrTargetNotFound
	}

	scope := req.Scope
	if scope == "" {
		scope = models.MuteGlobal
	}
	duration := time.Duration(req.DurationSeconds) * time.Second
	if duration <= 0 {
		duration = time.Hour
	}

	var scopeID *string
	if req.ScopeID != "" {
		scopeID = &req.ScopeID
	}
	mute := &models.MuteStatus{
		PlayerID:  target.ID,
		Scope:     scope,
		ScopeID:   scopeID,
		Reason:    req.Reason,
		MutedBy:   mod.ID,
		ExpiresAt: s.nowFn().Add(duration).UTC(),
		CreatedAt: s.nowFn().UTC(),
	}
	id, err := s.db.InsertMute(mute)
	if err != nil {
		return nil, err
	}
	mute.ID = id

	details, _ := json.Marshal(map[string]interface{}{"scope": scope, "expires_at": mute.ExpiresAt, "reason": req.Reason})
	if err := s.db.InsertAuditEntry(mod.ID, "moderation.mute", target.ID, details); err != nil {
		log.Printf("[MODERATION] Failed to audit mute of %s: %v", target.ID, err)
	}
	log.Printf("[MODERATION] Player %s muted (%s) until %s by %s.", target.ID, scope, mute.ExpiresAt, mod.ID)
	return mute, nil
}

// Unmute removes the target's mutes within a scope.
func (s *Service) Unmute(ctx context.Context, moderatorID string, req models.ModerationRequest) error {
	mod, err := s.authorize(moderatorID)
	if err != nil {
		return err
	}
	scope := req.Scope
	if scope == "" {
		scope = models.MuteGlobal
	}
	removed, err := s.db.RemoveMutes(req.TargetID, scope, req.ScopeID)
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrTargetNotFound
	}
	if err := s.db.InsertAuditEntry(mod.ID, "moderation.unmute", req.TargetID, nil); err != nil {
		log.Printf("[MODERATION] Failed to audit unmute of %s: %v", req.TargetID, err)
	}
	return nil
}

// Kick terminates the target character's session and broadcasts a system
// event.
func (s *Service) Kick(ctx context.Context, moderatorID string, req models.ModerationRequest) error {
	mod, err := s.authorize(moderatorID)
	if err != nil {
		return err
	}

	sess, ok := s.registry.GetByCharacter(req.TargetID)
	if !ok {
		return ErrTargetNotFound
	}
	if err := s.registry.Terminate(ctx, sess.SessionID, models.TerminateKick); err != nil {
		return fmt.Errorf("failed to terminate kicked session: %w", err)
	}

	details, _ := json.Marshal(map[string]string{"instance_id": sess.InstanceID, "reason": req.Reason})
	if err := s.db.InsertAuditEntry(mod.ID, "moderation.kick", req.TargetID, details); err != nil {
		log.Printf("[MODERATION] Failed to audit kick of %s: %v", req.TargetID, err)
	}
	if s.sink != nil {
		data, _ := json.Marshal(map[string]string{
			"character_id": req.TargetID, "instance_id": sess.InstanceID, "reason": req.Reason,
		})
		s.sink.SystemEvent("player_kicked", data)
	}
	log.Printf("[MODERATION] Character %s kicked from %s by %s.", req.TargetID, sess.InstanceID, mod.ID)
	return nil
}

// DissolveGuild dissolves a guild, detaches its members, and broadcasts.
func (s *Service) DissolveGuild(ctx context.Context, moderatorID, guildID, reason string) error {
	mod, err := s.authorize(moderatorID)
	if err != nil {
		return err
	}

	guild, err := s.db.GetGuild(guildID)
	if err != nil {
		return err
	}
	if guild == nil || guild.DissolvedAt != nil {
		return ErrTargetNotFound
	}

	members, err := s.db.DissolveGuild(guildID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTargetNotFound
		}
		return err
	}

	details, _ := json.Marshal(map[string]interface{}{"members": len(members), "reason": reason})
	if err := s.db.InsertAuditEntry(mod.ID, "moderation.dissolve_guild", guildID, details); err != nil {
		log.Printf("[MODERATION] Failed to audit dissolution of %s: %v", guildID, err)
	}
	if s.sink != nil {
		data, _ := json.Marshal(map[string]string{"guild_id": guildID, "reason": reason})
		s.sink.SystemEvent("guild_dissolved", data)
	}
	log.Printf("[MODERATION] Guild %s dissolved by %s (%d members detached).", guildID, mod.ID, len(members))
	return nil
}

// Block adds a directed block edge on behalf of its owner and invalidates
// the cached pair.
func (s *Service) Block(ctx context.Context, ownerID, blockedID string) error {
	if err := s.db.AddBlockEdge(ctx, ownerID, blockedID); err != nil {
		return err
	}
	s.blocks.InvalidatePair(ownerID, blockedID)
	return nil
}

// Unblock removes a directed block edge and invalidates the cached pair.
func (s *Service) Unblock(ctx context.Context, ownerID, blockedID string) error {
	if err := s.db.RemoveBlockEdge(ctx, ownerID, blockedID); err != nil {
		return err
	}
	s.blocks.InvalidatePair(ownerID, blockedID)
	return nil
}

// IsMuted answers the chat dispatcher's gate: does any active mute cover
// the channel the sender is speaking on? Global mutes cover everything;
// guild and arena mutes cover their scope id.
func (s *Service) IsMuted(ctx context.Context, playerID string, channel models.ChannelType, scopeID string) bool {
	mutes, err := s.db.ActiveMutes(playerID)
	if err != nil {
		// Fail open, same posture as the block cache: a store outage must
		// not silence everyone.
		log.Printf("[MODERATION] Failed to read mutes for %s, failing open: %v", playerID, err)
		return false
	}
	for _, m := range mutes {
		switch m.Scope {
		case models.MuteGlobal:
			return true
		case models.MuteGuild:
			if channel == models.ChannelGuild && (m.ScopeID == nil || *m.ScopeID == scopeID) {
				return true
			}
		case models.MuteArena:
			if channel == models.ChannelArena && (m.ScopeID == nil || *m.ScopeID == scopeID) {
				return true
			}
		}
	}
	return false
}

// RunMuteReaper periodically clears expired mutes until the context ends.
func (s *Service) RunMuteReaper(ctx context.Context, interval time.Duration) {
	log.Println("[MODERATION] Mute reaper running.")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := s.db.ReapExpiredMutes(); err != nil {
				log.Printf("[MODERATION] Mute reap failed: %v", err)
			} else if n > 0 {
				log.Printf("[MODERATION] Reaped %d expired mutes.", n)
			}
		case <-ctx.Done():
			log.Println("[MODERATION] Mute reaper stopped.")
			return
		}
	}
}
