package battle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemud/internal/models"
	"tilemud/internal/replay"
)

// captureBroadcaster records what the engine pushes out.
type captureBroadcaster struct {
	mu      sync.Mutex
	batches []models.TileBatch
	events  []string
}

func (b *captureBroadcaster) BroadcastTiles(_ string, batch models.TileBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, batch)
}

func (b *captureBroadcaster) BroadcastEvent(_ string, eventType string, _ json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

func newTestEngine(players func() int) (*Engine, *captureBroadcaster, *replay.MemorySink) {
	sink := &replay.MemorySink{}
	writer := replay.NewWriter("battle-1", models.RuleVersionStamp{Version: "1.0.0"}, sink, replay.Config{
		BatchSize: 100, FlushInterval: time.Hour, MaxBuffer: 1000, Retention: time.Hour,
	})
	bc := &captureBroadcaster{}
	e := NewEngine("battle-1", Config{
		TickPeriod: 10 * time.Millisecond,
		TimeLimit:  time.Hour,
		Backlog:    64,
	}, writer, bc, nil, players)
	return e, bc, sink
}

func TestTickResolvesAndBroadcasts(t *testing.T) {
	e, bc, _ := newTestEngine(func() int { return 2 })
	e.startedAt = time.Now()

	now := time.Now()
	require.NoError(t, e.SubmitPlacement(models.PlacementAttempt{
		CharacterID: "a", X: 1, Y: 1, TileType: "stone", Timestamp: now, Sequence: 1,
	}))
	require.NoError(t, e.SubmitPlacement(models.PlacementAttempt{
		CharacterID: "b", X: 1, Y: 1, TileType: "stone", Timestamp: now.Add(time.Millisecond), Sequence: 1,
	}))

	reason, over := e.runTick()
	require.False(t, over, "no end condition expected, got %s", reason)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	require.Len(t, bc.batches, 1)
	batch := bc.batches[0]
	assert.Equal(t, int64(1), batch.Tick)
	assert.Equal(t, 1, batch.ConflictsResolved)

	accepted := 0
	for _, o := range batch.Placements {
		if o.Accepted {
			accepted++
			assert.Equal(t, "a", o.Attempt.CharacterID)
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestOccupiedCellRejectsNextTick(t *testing.T) {
	e, bc, _ := newTestEngine(func() int { return 1 })
	e.startedAt = time.Now()

	require.NoError(t, e.SubmitPlacement(models.PlacementAttempt{
		CharacterID: "a", X: 2, Y: 2, Timestamp: time.Now(), Sequence: 1,
	}))
	e.runTick()

	require.NoError(t, e.SubmitPlacement(models.PlacementAttempt{
		CharacterID: "b", X: 2, Y: 2, Timestamp: time.Now(), Sequence: 1,
	}))
	e.runTick()

	bc.mu.Lock()
	defer bc.mu.Unlock()
	require.Len(t, bc.batches, 2)
	second := bc.batches[1]
	require.Len(t, second.Placements, 1)
	assert.False(t, second.Placements[0].Accepted)
	assert.Equal(t, models.ReasonOccupied, second.Placements[0].Reason)
}

func TestPauseHaltsTickAdvancement(t *testing.T) {
	e, bc, _ := newTestEngine(func() int { return 1 })
	e.startedAt = time.Now()

	e.Pause()
	require.NoError(t, e.SubmitPlacement(models.PlacementAttempt{
		CharacterID: "a", X: 1, Y: 1, Timestamp: time.Now(),
	}))
	_, over := e.runTick()
	require.False(t, over)
	assert.Zero(t, e.Tick())
	bc.mu.Lock()
	assert.Empty(t, bc.batches)
	bc.mu.Unlock()

	e.Resume()
	e.runTick()
	assert.Equal(t, int64(1), e.Tick())
}

func TestEmptyEndConditionNeedsPriorPlayers(t *testing.T) {
	count := 0
	e, _, _ := newTestEngine(func() int { return count })
	e.startedAt = time.Now()

	// Nobody has joined yet: not "empty".
	_, over := e.runTick()
	require.False(t, over)

	count = 2
	_, over = e.runTick()
	require.False(t, over)

	count = 0
	reason, over := e.runTick()
	require.True(t, over)
	assert.Equal(t, EndEmpty, reason)
}

func TestTimeoutEndCondition(t *testing.T) {
	e, _, _ := newTestEngine(func() int { return 1 })
	e.startedAt = time.Now().Add(-2 * time.Hour)

	reason, over := e.runTick()
	require.True(t, over)
	assert.Equal(t, EndTimeout, reason)
}

func TestFinishSealsReplayOnce(t *testing.T) {
	e, bc, sink := newTestEngine(func() int { return 1 })
	e.startedAt = time.Now()

	var ended []EndReason
	e.OnEnded(func(_ string, reason EndReason, meta models.ReplayMetadata) {
		ended = append(ended, reason)
		assert.Equal(t, "battle-1", meta.InstanceID)
	})

	e.finish(context.Background(), EndResolved)
	e.finish(context.Background(), EndTimeout)

	require.Equal(t, []EndReason{EndResolved}, ended)
	require.NotEmpty(t, sink.Events)
	last := sink.Events[len(sink.Events)-1]
	assert.Equal(t, "instance_resolved", last.Type)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	assert.Contains(t, bc.events, models.EventBattleResolved)
}

func TestContextCancellationEndsAsShutdown(t *testing.T) {
	e, _, _ := newTestEngine(func() int { return 1 })

	ended := make(chan EndReason, 1)
	e.OnEnded(func(_ string, reason EndReason, _ models.ReplayMetadata) {
		ended <- reason
	})

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	cancel()

	select {
	case reason := <-ended:
		assert.Equal(t, EndShutdown, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not finish on context cancellation")
	}
}

func TestBacklogBound(t *testing.T) {
	sink := &replay.MemorySink{}
	writer := replay.NewWriter("battle-1", models.RuleVersionStamp{}, sink, replay.Config{
		BatchSize: 100, FlushInterval: time.Hour, MaxBuffer: 1000, Retention: time.Hour,
	})
	e := NewEngine("battle-1", Config{TickPeriod: time.Second, TimeLimit: time.Hour, Backlog: 2},
		writer, &captureBroadcaster{}, nil, func() int { return 1 })

	require.NoError(t, e.SubmitPlacement(models.PlacementAttempt{CharacterID: "a"}))
	require.NoError(t, e.SubmitPlacement(models.PlacementAttempt{CharacterID: "b"}))
	assert.ErrorIs(t, e.SubmitPlacement(models.PlacementAttempt{CharacterID: "c"}), ErrBacklogFull)
}
