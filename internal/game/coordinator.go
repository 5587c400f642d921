// Package game is the orchestration layer: it owns the instance registry,
// starts and stops the per-instance workers (tick engine, replay flusher,
// quorum watch), routes WebSocket frames into the components, and adapts
// the hub into the sinks the components expect.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"tilemud/internal/admission"
	"tilemud/internal/ai"
	"tilemud/internal/auth"
	"tilemud/internal/battle"
	"tilemud/internal/chat"
	"tilemud/internal/config"
	"tilemud/internal/database"
	"tilemud/internal/heartbeat"
	"tilemud/internal/models"
	"tilemud/internal/ratelimit"
	"tilemud/internal/replay"
	"tilemud/internal/rules"
	"tilemud/internal/session"
	"tilemud/internal/storage"
	"tilemud/internal/telemetry"
	appwebsocket "tilemud/internal/websocket"
)

// Coordinator wires the control-plane components to each other and to the
// transport. One per process.
type Coordinator struct {
	cfg       *config.AppConfig
	db        *database.DB
	registry  *session.Registry
	ctrl      *admission.Controller
	instances *InstanceRegistry
	monitor   *heartbeat.Monitor
	limiter   *ratelimit.Limiter
	aiMon     *ai.Monitor
	rules     *rules.Registry
	hub       *appwebsocket.Hub
	sink      *telemetry.Sink
	archive   *storage.S3Service
	authSvc   *auth.AuthService

	// chat is attached after construction because the dispatcher needs
	// the coordinator as its transport and directory.
	chat *chat.Dispatcher

	mu      sync.Mutex
	engines map[string]*battle.Engine
	spools  map[string]*replay.FileSink
	stamps  map[string]models.RuleVersionStamp
	watches map[string]context.CancelFunc

	rootCtx context.Context
}

// NewCoordinator builds the coordinator and hooks the registry and
// controller callbacks.
func NewCoordinator(ctx context.Context, cfg *config.AppConfig, db *database.DB,
	registry *session.Registry, ctrl *admission.Controller, instances *InstanceRegistry,
	monitor *heartbeat.Monitor, limiter *ratelimit.Limiter, aiMon *ai.Monitor,
	ruleReg *rules.Registry, hub *appwebsocket.Hub, sink *telemetry.Sink,
	archive *storage.S3Service, authSvc *auth.AuthService) *Coordinator {

	c := &Coordinator{
		cfg:       cfg,
		db:        db,
		registry:  registry,
		ctrl:      ctrl,
		instances: instances,
		monitor:   monitor,
		limiter:   limiter,
		aiMon:     aiMon,
		rules:     ruleReg,
		hub:       hub,
		sink:      sink,
		archive:   archive,
		authSvc:   authSvc,
		engines:   make(map[string]*battle.Engine),
		spools:    make(map[string]*replay.FileSink),
		stamps:    make(map[string]models.RuleVersionStamp),
		watches:   make(map[string]context.CancelFunc),
		rootCtx:   ctx,
	}
	registry.OnTerminated(c.handleSessionTerminated)
	ctrl.OnPromoted(c.handlePromotion)
	hub.SetHandler(c)
	return c
}

// AttachChat installs the chat dispatcher once it exists.
func (c *Coordinator) AttachChat(d *chat.Dispatcher) { c.chat = d }

// --- Instance lifecycle ---

// CreateInstance registers a new instance, stamps it with the active rule
// config of its mode, and starts its workers.
func (c *Coordinator) CreateInstance(req models.CreateInstanceRequest) (models.Instance, error) {
	ruleType := models.RuleBattle
	if req.Mode == models.ModeArena {
		ruleType = models.RuleArena
	}
	stamp, err := c.rules.StampFor(ruleType)
	if err != nil {
		if !errors.Is(err, rules.ErrNoActiveConfig) {
			return models.Instance{}, err
		}
		// No active config yet: the instance still gets a stamp recording
		// that fact, so replays stay attributable.
		stamp = models.RuleVersionStamp{Type: ruleType, Version: "0.0.0", StampedAt: time.Now().UTC()}
	}

	inst := c.instances.Create(req, stamp, c.cfg.Region)
	if err := c.instances.Start(inst.InstanceID); err != nil {
		return models.Instance{}, err
	}
	inst.State = models.InstanceActive

	if err := c.startWorkers(inst); err != nil {
		return models.Instance{}, err
	}
	log.Printf("[GAME] Instance %s created (%s, capacity %d).", inst.InstanceID, inst.Mode, inst.Capacity)
	return inst, nil
}

// startWorkers spins up the tick engine, the replay flusher, and — for
// arenas — the quorum/elasticity watch.
func (c *Coordinator) startWorkers(inst models.Instance) error {
	spool, err := replay.NewFileSink(c.cfg.ReplayDir, inst.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to open replay spool for %s: %w", inst.InstanceID, err)
	}

	writer := replay.NewWriter(inst.InstanceID, inst.RuleStamp, spool, replay.Config{
		BatchSize:     c.cfg.ReplayBatchSize,
		FlushInterval: c.cfg.ReplayFlushEvery,
		MaxBuffer:     c.cfg.ReplayMaxBuffer,
		Retention:     c.cfg.ReplayRetention,
	})

	timeLimit := c.cfg.BattleTimeLimit
	if inst.Mode == models.ModeArena {
		// Arenas are long-running; their ceiling is the session timeout.
		timeLimit = c.cfg.SessionTimeout
	}

	instanceID := inst.InstanceID
	engine := battle.NewEngine(instanceID, battle.Config{
		TickPeriod: c.cfg.TickPeriod,
		TimeLimit:  timeLimit,
		Backlog:    c.cfg.PlacementBacklog,
	}, writer, c, c.sink, func() int { return c.registry.ActiveCount(instanceID) })
	engine.OnEnded(c.handleInstanceEnded)

	c.mu.Lock()
	c.engines[instanceID] = engine
	c.spools[instanceID] = spool
	c.stamps[instanceID] = inst.RuleStamp
	c.mu.Unlock()

	go writer.Run(c.rootCtx)
	go engine.Run(c.rootCtx)

	if inst.Mode == models.ModeArena {
		c.aiMon.RegisterArena(instanceID, inst.Capacity)
		watchCtx, cancel := context.WithCancel(c.rootCtx)
		c.mu.Lock()
		c.watches[instanceID] = cancel
		c.mu.Unlock()
		go c.runArenaWatch(watchCtx, instanceID)
	}
	return nil
}

// engineFor returns the live engine of an instance.
func (c *Coordinator) engineFor(instanceID string) (*battle.Engine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.engines[instanceID]
	return e, ok
}

// handleInstanceEnded runs once per instance, after the engine sealed the
// replay: it finalizes the instance record, expels remaining sessions,
// archives the replay stream, and tears down the workers.
func (c *Coordinator) handleInstanceEnded(instanceID string, reason battle.EndReason, meta models.ReplayMetadata) {
	state := models.InstanceResolved
	termination := models.TerminateResolve
	switch reason {
	case battle.EndQuorumLost, battle.EndShutdown:
		state = models.InstanceAborted
		termination = models.TerminateAbort
	}
	if err := c.instances.Finish(instanceID, state); err != nil {
		log.Printf("[GAME] Could not finish instance %s: %v", instanceID, err)
	}

	expelled := c.registry.TerminateInstance(context.Background(), instanceID, termination)
	log.Printf("[GAME] Instance %s ended (%s); %d sessions expelled.", instanceID, reason, expelled)

	c.mu.Lock()
	spool := c.spools[instanceID]
	stamp := c.stamps[instanceID]
	cancel := c.watches[instanceID]
	delete(c.engines, instanceID)
	delete(c.spools, instanceID)
	delete(c.stamps, instanceID)
	delete(c.watches, instanceID)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.monitor.ForgetArena(instanceID)
	c.aiMon.ForgetArena(instanceID)

	if meta.InstanceID != "" && spool != nil {
		c.archiveReplay(meta, stamp, spool.Path())
	}
	if reason == battle.EndQuorumLost {
		c.sink.Alert("instance_aborted", "instance aborted after quorum loss",
			map[string]interface{}{"instance_id": instanceID, "reason": reason})
	}
}

// archiveReplay uploads the finalized spool and records the metadata row.
func (c *Coordinator) archiveReplay(meta models.ReplayMetadata, stamp models.RuleVersionStamp, path string) {
	meta.StorageKey = "replays/" + meta.InstanceID + ".jsonl"

	file, err := os.Open(path)
	if err != nil {
		log.Printf("[GAME] Cannot open replay spool %s for archive: %v", path, err)
		return
	}
	defer file.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.archive.UploadStream(ctx, meta.StorageKey, "application/x-ndjson", file); err != nil {
		// The spool survives locally; only the archive copy is missing.
		log.Printf("[GAME] Replay archive upload for %s failed: %v", meta.InstanceID, err)
		meta.StorageKey = path
	}
	if err := c.db.InsertReplayMetadata(&meta, stamp); err != nil {
		log.Printf("[GAME] Failed to record replay metadata for %s: %v", meta.InstanceID, err)
	}
}

// --- Arena quorum & elasticity watch ---

// runArenaWatch is the single-threaded per-arena worker: each pass it
// checks quorum, applies the soft-fail decision, and runs one elasticity
// pass.
func (c *Coordinator) runArenaWatch(ctx context.Context, arenaID string) {
	log.Printf("[QUORUM] Watch running for arena %s.", arenaID)
	ticker := time.NewTicker(c.cfg.QuorumCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[QUORUM] Watch stopped for arena %s.", arenaID)
			return
		case <-ticker.C:
			if c.arenaPass(ctx, arenaID) {
				return
			}
		}
	}
}

// arenaPass runs one quorum + elasticity pass; true means the arena is
// gone and the watch should stop.
func (c *Coordinator) arenaPass(ctx context.Context, arenaID string) (done bool) {
	inst, ok := c.instances.GetInstance(arenaID)
	if !ok || inst.State == models.InstanceResolved || inst.State == models.InstanceAborted {
		return true
	}

	sessions := c.registry.ActiveSessions(arenaID)
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.CharacterID)
	}
	c.instances.RecordHumans(arenaID, len(ids))
	inst, _ = c.instances.GetInstance(arenaID)

	// Nothing to guard yet; quorum starts mattering once players exist.
	if inst.InitialHumanCount > 0 {
		decision := c.monitor.CheckArena(arenaID, ids, inst.InitialHumanCount)
		c.applyQuorumDecision(ctx, arenaID, decision)
		if decision.Action == heartbeat.ActionAbort {
			return true
		}
	}

	recs := c.aiMon.UpdatePlayers(arenaID, len(ids))
	if len(recs) > 0 && recs[0].Action != ai.ActionThrottle {
		spawned, despawned := c.aiMon.Apply(arenaID, recs)
		if len(spawned)+len(despawned) > 0 {
			data, _ := json.Marshal(map[string]interface{}{
				"spawned": len(spawned), "despawned": len(despawned),
			})
			c.hub.BroadcastInstance(arenaID, appwebsocket.Envelope(models.EventSystemNotice, json.RawMessage(data)))
		}
	}
	return false
}

// applyQuorumDecision enacts one soft-fail decision on an arena.
func (c *Coordinator) applyQuorumDecision(ctx context.Context, arenaID string, d heartbeat.Decision) {
	engine, ok := c.engineFor(arenaID)
	if !ok {
		return
	}

	switch d.Action {
	case heartbeat.ActionContinue:
		engine.Resume()
	case heartbeat.ActionPause:
		engine.Pause()
		c.hub.BroadcastInstance(arenaID, appwebsocket.Envelope(models.EventArenaPaused,
			map[string]interface{}{"reason": d.Reason, "confidence": d.Confidence}))
	case heartbeat.ActionMigrate:
		c.migrateArena(ctx, arenaID, d)
	case heartbeat.ActionAbort:
		log.Printf("[QUORUM] Aborting arena %s: %s (confidence %.2f).", arenaID, d.Reason, d.Confidence)
		c.hub.BroadcastInstance(arenaID, appwebsocket.Envelope(models.EventArenaShutdown,
			map[string]interface{}{"reason": d.Reason, "drain_seconds": c.cfg.AbortDrainDelay.Seconds()}))
		// Graceful shutdown: broadcast, short drain, dispose.
		select {
		case <-time.After(c.cfg.AbortDrainDelay):
		case <-ctx.Done():
		}
		engine.Abort(battle.EndQuorumLost)
	}
}

// migrateArena relocates the remaining players to a fresh, smaller arena:
// it announces the target and then drains the old arena.
func (c *Coordinator) migrateArena(ctx context.Context, arenaID string, d heartbeat.Decision) {
	inst, ok := c.instances.GetInstance(arenaID)
	if !ok {
		return
	}

	target, err := c.CreateInstance(models.CreateInstanceRequest{
		Mode: models.ModeArena,
		Tier: smallerTier(inst.Tier),
	})
	if err != nil {
		log.Printf("[QUORUM] Migration of %s failed to create target: %v", arenaID, err)
		return
	}

	c.hub.BroadcastInstance(arenaID, appwebsocket.Envelope(models.EventSystemNotice, map[string]interface{}{
		"migration_target": target.InstanceID,
		"reason":           d.Reason,
	}))
	log.Printf("[QUORUM] Arena %s migrating players to %s.", arenaID, target.InstanceID)

	if engine, ok := c.engineFor(arenaID); ok {
		select {
		case <-time.After(c.cfg.AbortDrainDelay):
		case <-ctx.Done():
		}
		engine.Abort(battle.EndQuorumLost)
	}
}

// smallerTier steps an arena tier down one band.
func smallerTier(t models.ArenaTier) models.ArenaTier {
	switch t {
	case models.TierEpic:
		return models.TierSkirmish
	default:
		return models.TierTutorial
	}
}

// --- Session & promotion callbacks ---

func (c *Coordinator) handleSessionTerminated(sess models.CharacterSession, reason models.TerminationReason) {
	c.monitor.Forget(sess.CharacterID)

	if reason == models.TerminateKick {
		notice := appwebsocket.Envelope(models.EventSystemNotice, map[string]string{"reason": "kicked"})
		if err := c.hub.SendToSession(sess.SessionID, notice); err == nil {
			log.Printf("[GAME] Kick notice sent to session %s.", sess.SessionID)
		}
	}
}

// handlePromotion tells a waiting client its queue slot converted into a
// session. The session token rides along so the client can open the
// channel without another admission round trip.
func (c *Coordinator) handlePromotion(entry models.QueueEntry, sess models.CharacterSession) {
	token, err := c.authSvc.CreateSessionToken(entry.UserID, sess.CharacterID,
		sess.SessionID, sess.InstanceID, c.cfg.SessionTimeout)
	if err != nil {
		log.Printf("[GAME] Failed to mint session token for promoted %s: %v", sess.CharacterID, err)
		return
	}
	payload := map[string]string{
		"instance_id":        sess.InstanceID,
		"session_id":         sess.SessionID,
		"session_token":      token,
		"reconnection_token": sess.ReconnectionToken,
	}
	if err := c.hub.SendToCharacter(sess.CharacterID, appwebsocket.Envelope(models.EventQueuePromoted, payload)); err != nil {
		// Not connected anywhere; the client learns on its next poll.
		log.Printf("[GAME] Promotion notice for %s undeliverable: %v", sess.CharacterID, err)
	}
}

// --- websocket.MessageHandler ---

// OnHeartbeat records liveness and acks.
func (c *Coordinator) OnHeartbeat(client *appwebsocket.Client, frame models.HeartbeatFrame) {
	now := time.Now()
	if err := c.registry.Heartbeat(client.SessionID, now); err != nil {
		return
	}
	var rtt time.Duration
	if frame.ClientTime > 0 {
		rtt = now.Sub(time.UnixMilli(frame.ClientTime))
		if rtt < 0 {
			rtt = 0
		}
	}
	c.monitor.Beat(client.CharacterID, rtt)

	ack := appwebsocket.Envelope(models.EventHeartbeatAck, map[string]int64{"server_time": now.UnixMilli()})
	if err := c.hub.SendToSession(client.SessionID, ack); err != nil {
		c.monitor.MarkFailure(client.CharacterID)
	}
}

// OnPlaceTile queues a placement attempt for the instance's next tick.
func (c *Coordinator) OnPlaceTile(client *appwebsocket.Client, frame models.PlaceTileFrame) {
	reject := func(reason models.RejectionReason) {
		msg := appwebsocket.Envelope(models.EventTileRejected, map[string]interface{}{
			"x": frame.X, "y": frame.Y, "sequence": frame.Sequence, "reason": reason,
		})
		_ = c.hub.SendToSession(client.SessionID, msg)
	}

	if d := c.limiter.Check(c.rootCtx, client.CharacterID, ratelimit.ChannelAction); !d.Allowed {
		reject(models.ReasonRateLimited)
		return
	}
	engine, ok := c.engineFor(client.InstanceID)
	if !ok {
		reject(models.ReasonInstanceUnavailable)
		return
	}

	err := engine.SubmitPlacement(models.PlacementAttempt{
		CharacterID: client.CharacterID,
		SessionID:   client.SessionID,
		X:           frame.X,
		Y:           frame.Y,
		TileType:    frame.TileType,
		Timestamp:   time.Now(),
		Sequence:    frame.Sequence,
	})
	if err != nil {
		reject(models.ReasonInternalError)
	}
}

// OnChat runs the frame through the dispatcher.
func (c *Coordinator) OnChat(client *appwebsocket.Client, frame models.ChatSendFrame) {
	msg := models.ChatMessage{
		SenderID:    client.CharacterID,
		RecipientID: frame.RecipientID,
		ChannelType: frame.ChannelType,
		InstanceID:  client.InstanceID,
		Content:     frame.Content,
		Timestamp:   time.Now(),
	}
	if frame.ChannelType == models.ChannelGuild {
		ch, err := c.db.GetCharacter(client.CharacterID)
		if err == nil && ch != nil && ch.GuildID != nil {
			msg.GuildID = *ch.GuildID
		}
	}

	if _, err := c.chat.Send(c.rootCtx, msg); err != nil {
		rejection := appwebsocket.Envelope(models.EventMessageRejected, map[string]interface{}{
			"reason": models.ReasonOf(err),
		})
		_ = c.hub.SendToSession(client.SessionID, rejection)
	}
}

// OnReady marks the player ready in the replay and nudges the arena
// population books.
func (c *Coordinator) OnReady(client *appwebsocket.Client) {
	c.monitor.Track(client.CharacterID)
	c.instances.RecordHumans(client.InstanceID, c.registry.ActiveCount(client.InstanceID))
	c.appendReplayEvent(client.InstanceID, "player_ready", client.CharacterID, nil)
	c.hub.BroadcastInstance(client.InstanceID, appwebsocket.Envelope(models.EventBattleStarted,
		map[string]string{"character_id": client.CharacterID}))
}

// OnLeave terminates the session on explicit leave.
func (c *Coordinator) OnLeave(client *appwebsocket.Client) {
	if err := c.registry.Terminate(c.rootCtx, client.SessionID, models.TerminateLeave); err != nil {
		log.Printf("[GAME] Leave of session %s was a no-op: %v", client.SessionID, err)
	}
	c.appendReplayEvent(client.InstanceID, "player_left", client.CharacterID, nil)
}

// OnDisconnect parks the session in grace when the transport drops.
func (c *Coordinator) OnDisconnect(client *appwebsocket.Client) {
	expires, err := c.registry.MarkDisconnected(client.SessionID)
	if err != nil {
		// Already terminating or gone; nothing to park.
		return
	}
	c.monitor.MarkFailure(client.CharacterID)
	log.Printf("[GAME] Session %s dropped; grace until %s.", client.SessionID, expires.Format(time.RFC3339))
}

// appendReplayEvent adds a non-tile event to an instance's replay if its
// writer is still live.
func (c *Coordinator) appendReplayEvent(instanceID, eventType, playerID string, data json.RawMessage) {
	engine, ok := c.engineFor(instanceID)
	if !ok {
		return
	}
	if err := engine.AppendEvent(eventType, playerID, data); err != nil {
		log.Printf("[GAME] Failed to append %s event for %s: %v", eventType, instanceID, err)
	}
}

// --- battle.Broadcaster ---

// BroadcastTiles pushes one tick's outcome batch to the instance.
func (c *Coordinator) BroadcastTiles(instanceID string, batch models.TileBatch) {
	data, err := json.Marshal(batch)
	if err != nil {
		log.Printf("[GAME] Failed to marshal tile batch for %s: %v", instanceID, err)
		return
	}
	c.hub.BroadcastInstance(instanceID, models.ServerMessage{
		Type:      models.EventTilesUpdated,
		Tick:      batch.Tick,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// BroadcastEvent pushes a raw engine event to the instance.
func (c *Coordinator) BroadcastEvent(instanceID, eventType string, data json.RawMessage) {
	c.hub.BroadcastInstance(instanceID, models.ServerMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// --- chat.Transport / chat.Directory / moderation.SystemSink ---

// Deliver implements chat transport over the hub.
func (c *Coordinator) Deliver(ctx context.Context, recipientID string, msg models.ChatMessage) error {
	return c.hub.SendToCharacter(recipientID, appwebsocket.Envelope(models.EventChatMessage, msg))
}

// ArenaRecipients lists the characters currently active in an instance.
func (c *Coordinator) ArenaRecipients(instanceID string) []string {
	sessions := c.registry.ActiveSessions(instanceID)
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.CharacterID)
	}
	return out
}

// GlobalRecipients lists every connected character.
func (c *Coordinator) GlobalRecipients() []string {
	return c.hub.ConnectedCharacters()
}

// GuildRecipients lists a guild's member characters.
func (c *Coordinator) GuildRecipients(guildID string) ([]string, error) {
	return c.db.GetGuildCharacterIDs(guildID)
}

// SystemEvent broadcasts a moderation system event to everyone.
func (c *Coordinator) SystemEvent(eventType string, data json.RawMessage) {
	c.hub.BroadcastAll(appwebsocket.Envelope(models.EventSystemNotice, map[string]interface{}{
		"event": eventType,
		"data":  data,
	}))
	log.Printf("[GAME] System event %s broadcast.", eventType)
}

// --- Background maintenance ---

// RunArchiveReaper deletes expired replay archives and their metadata.
func (c *Coordinator) RunArchiveReaper(ctx context.Context) {
	log.Println("[GAME] Replay archive reaper running.")
	ticker := time.NewTicker(c.cfg.ArchiveReapEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[GAME] Replay archive reaper stopped.")
			return
		case <-ticker.C:
			keys, err := c.db.ExpiredReplayKeys()
			if err != nil {
				log.Printf("[GAME] Failed to list expired replays: %v", err)
				continue
			}
			if len(keys) == 0 {
				continue
			}
			if err := c.archive.DeleteFiles(ctx, keys); err != nil {
				log.Printf("[GAME] Failed to delete expired replay objects: %v", err)
				continue
			}
			if err := c.db.DeleteReplaysByKeys(keys); err != nil {
				log.Printf("[GAME] Failed to delete expired replay rows: %v", err)
				continue
			}
			log.Printf("[GAME] Reaped %d expired replays.", len(keys))
		}
	}
}
