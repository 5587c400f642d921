// Package battle runs the fixed-period tick loop of one battle: it drains
// the placement backlog, resolves conflicts deterministically, broadcasts
// the tick's outcomes as one batch, appends accepted placements to the
// replay, and watches end conditions.
// Each battle owns exactly one engine goroutine.
package battle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tilemud/internal/models"
	"tilemud/internal/replay"
)

// EndReason names the terminal condition a battle hit.
type EndReason string

const (
	EndTimeout    EndReason = "timeout"
	EndEmpty      EndReason = "empty"
	EndQuorumLost EndReason = "quorum_lost"
	EndResolved   EndReason = "resolved"
	// EndShutdown marks a battle cut short by process shutdown, not by
	// any in-game condition; quorum_lost is reserved for the soft-fail
	// monitor's own abort decision.
	EndShutdown EndReason = "shutdown"
)

// ErrBacklogFull is returned when a placement cannot be queued this tick.
var ErrBacklogFull = errors.New("battle: placement backlog full")

// Broadcaster delivers server events to every participant of an instance.
type Broadcaster interface {
	BroadcastTiles(instanceID string, batch models.TileBatch)
	BroadcastEvent(instanceID, eventType string, data json.RawMessage)
}

// MetricsSink receives the observed tick duration keyed by instance and
// player-count bucket.
type MetricsSink interface {
	ObserveTick(instanceID string, playerBucket string, d time.Duration)
}

// Config holds the engine tunables.
type Config struct {
	TickPeriod time.Duration
	TimeLimit  time.Duration
	Backlog    int
}

// Engine is the tick worker of one battle.
type Engine struct {
	instanceID  string
	cfg         Config
	writer      *replay.Writer
	broadcaster Broadcaster
	metrics     MetricsSink

	// playerCount reports the current active participants; the empty
	// end-condition reads it every tick.
	playerCount func() int

	// victoryCheck is the rule-defined end condition over the number of
	// placed tiles; nil means none.
	victoryCheck func(tilesPlaced int) bool

	attempts chan models.PlacementAttempt

	mu       sync.Mutex
	board    map[cell]string // position -> owning character
	tick     int64
	paused   bool
	endState EndReason
	ended    bool

	abortCh   chan EndReason
	startedAt time.Time
	dropped   int64

	// seenPlayers guards the empty end-condition: a freshly created
	// instance is not "empty" until someone has actually joined.
	seenPlayers bool

	// onEnded fires once, after the replay sealed, with the terminal reason.
	onEnded func(instanceID string, reason EndReason, meta models.ReplayMetadata)

	nowFn func() time.Time
}

// NewEngine builds a battle engine; Run starts the loop.
func NewEngine(instanceID string, cfg Config, writer *replay.Writer, broadcaster Broadcaster,
	metrics MetricsSink, playerCount func() int) *Engine {

	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = time.Second
	}
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = 30 * time.Minute
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 4096
	}
	return &Engine{
		instanceID:  instanceID,
		cfg:         cfg,
		writer:      writer,
		broadcaster: broadcaster,
		metrics:     metrics,
		playerCount: playerCount,
		attempts:    make(chan models.PlacementAttempt, cfg.Backlog),
		board:       make(map[cell]string),
		abortCh:     make(chan EndReason, 1),
		nowFn:       time.Now,
	}
}

// OnEnded registers the terminal callback.
func (e *Engine) OnEnded(fn func(string, EndReason, models.ReplayMetadata)) { e.onEnded = fn }

// SetVictoryCheck installs the rule-defined end condition.
func (e *Engine) SetVictoryCheck(fn func(tilesPlaced int) bool) { e.victoryCheck = fn }

// Tick reports the last completed tick number.
func (e *Engine) Tick() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// AppendEvent records a non-tile event (joins, readiness, chat markers)
// into the battle's replay stream.
func (e *Engine) AppendEvent(eventType, playerID string, data json.RawMessage) error {
	_, err := e.writer.Append(eventType, playerID, data)
	return err
}

// SubmitPlacement queues one attempt for the next tick. The backlog is
// bounded; a full backlog rejects immediately rather than blocking the
// submitting handler.
func (e *Engine) SubmitPlacement(a models.PlacementAttempt) error {
	select {
	case e.attempts <- a:
		return nil
	default:
		atomic.AddInt64(&e.dropped, 1)
		return ErrBacklogFull
	}
}

// Pause halts tick advancement while preserving all state.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused && !e.ended {
		e.paused = true
		log.Printf("[TICK] Battle %s paused.", e.instanceID)
	}
}

// Resume reverses Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.paused = false
		log.Printf("[TICK] Battle %s resumed.", e.instanceID)
	}
}

// Abort requests a terminal stop with the given reason, typically
// quorum_lost from the soft-fail monitor.
func (e *Engine) Abort(reason EndReason) {
	select {
	case e.abortCh <- reason:
	default:
	}
}

// Run executes the tick loop until a terminal condition or context
// cancellation. It is the battle's only board mutator.
func (e *Engine) Run(ctx context.Context) {
	e.startedAt = e.nowFn()
	log.Printf("[TICK] Battle %s running with period %s.", e.instanceID, e.cfg.TickPeriod)

	ticker := time.NewTicker(e.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The run context only ends at process shutdown; the replay is
			// sealed on a fresh context so the final flush still lands.
			e.finish(context.Background(), EndShutdown)
			return
		case reason := <-e.abortCh:
			e.finish(ctx, reason)
			return
		case <-ticker.C:
			if reason, over := e.runTick(); over {
				e.finish(ctx, reason)
				return
			}
		}
	}
}

// runTick performs one tick and reports whether an end condition was hit.
func (e *Engine) runTick() (EndReason, bool) {
	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if paused {
		return "", false
	}

	started := e.nowFn()
	batch := e.drain()

	e.mu.Lock()
	e.tick++
	tick := e.tick
	outcomes, conflicts := ResolveTick(e.board, batch)
	for _, o := range outcomes {
		if o.Accepted {
			e.board[cell{o.Attempt.X, o.Attempt.Y}] = o.Attempt.CharacterID
		}
	}
	e.mu.Unlock()

	accepted := make([]models.PlacementOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Accepted {
			accepted = append(accepted, o)
			data, _ := json.Marshal(map[string]interface{}{
				"x": o.Attempt.X, "y": o.Attempt.Y, "tile_type": o.Attempt.TileType, "tick": tick,
			})
			if _, err := e.writer.Append("tile_placed", o.Attempt.CharacterID, data); err != nil {
				// The tick carries on; the writer surfaced the failure and
				// the operator decides whether the battle is still worth it.
				log.Printf("[TICK] Replay append failed on %s tick %d: %v", e.instanceID, tick, err)
			}
		}
	}

	if len(outcomes) > 0 {
		e.broadcaster.BroadcastTiles(e.instanceID, models.TileBatch{
			Tick:              tick,
			Placements:        outcomes,
			ConflictsResolved: conflicts,
		})
	}

	players := e.playerCount()
	if players > 0 {
		e.seenPlayers = true
	}
	if e.metrics != nil {
		e.metrics.ObserveTick(e.instanceID, playerBucket(players), e.nowFn().Sub(started))
	}

	// End conditions: wall clock first, then population, then rules.
	switch {
	case e.nowFn().Sub(e.startedAt) >= e.cfg.TimeLimit:
		return EndTimeout, true
	case players == 0 && e.seenPlayers:
		return EndEmpty, true
	case e.victoryCheck != nil && e.victoryMet():
		return EndResolved, true
	}
	return "", false
}

func (e *Engine) victoryMet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.victoryCheck(len(e.board))
}

// drain empties the placement backlog without blocking.
func (e *Engine) drain() []models.PlacementAttempt {
	var out []models.PlacementAttempt
	for {
		select {
		case a := <-e.attempts:
			out = append(out, a)
		default:
			return out
		}
	}
}

// finish freezes the board, seals the replay, broadcasts the resolution,
// and fires the terminal callback exactly once.
func (e *Engine) finish(ctx context.Context, reason EndReason) {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	e.ended = true
	e.endState = reason
	tiles := len(e.board)
	tick := e.tick
	e.mu.Unlock()

	data, _ := json.Marshal(map[string]interface{}{"reason": reason, "tick": tick, "tiles": tiles})
	if _, err := e.writer.Append("instance_resolved", "", data); err != nil {
		log.Printf("[TICK] Failed to append resolution event for %s: %v", e.instanceID, err)
	}

	meta, err := e.writer.Finalize(ctx)
	if err != nil {
		log.Printf("[TICK] Failed to finalize replay for %s: %v", e.instanceID, err)
	}

	e.broadcaster.BroadcastEvent(e.instanceID, models.EventBattleResolved, data)
	log.Printf("[TICK] Battle %s ended after tick %d (%s).", e.instanceID, tick, reason)

	if e.onEnded != nil {
		e.onEnded(e.instanceID, reason, meta)
	}
}

// playerBucket coarsens a player count for metric labels.
func playerBucket(n int) string {
	switch {
	case n == 0:
		return "0"
	case n <= 2:
		return "1-2"
	case n <= 8:
		return "3-8"
	case n <= 16:
		return "9-16"
	case n <= 80:
		return "17-80"
	default:
		return fmt.Sprintf("%d+", 81)
	}
}
