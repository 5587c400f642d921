package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemud/internal/models"
)

func testMonitor() *Monitor {
	return NewMonitor(Config{
		Cooldown:      30 * time.Second,
		MinAiRatio:    0.1,
		MaxAiRatio:    0.6,
		MaxOpsPerPass: 3,
	})
}

func TestScaleUpUnderHighUtilization(t *testing.T) {
	m := testMonitor()
	m.RegisterArena("arena-1", 10)

	// 8/10 players = 80% utilization, no AI yet.
	recs := m.UpdatePlayers("arena-1", 8)
	require.NotEmpty(t, recs)

	var addMonster, addAmbient bool
	for _, r := range recs {
		if r.Action == ActionAdd && r.Type == models.AiMonster {
			addMonster = true
		}
		if r.Action == ActionAdd && r.Type == models.AiAmbient {
			addAmbient = true
		}
	}
	assert.True(t, addMonster, "high utilization should ask for monsters")
	assert.True(t, addAmbient, "high utilization should ask for ambient")

	// Most urgent first.
	for i := 1; i < len(recs); i++ {
		assert.LessOrEqual(t, recs[i-1].Priority, recs[i].Priority)
	}
}

func TestScaleDownWhenQuiet(t *testing.T) {
	m := testMonitor()
	m.RegisterArena("arena-1", 100)

	// Seed some population to shed.
	m.Apply("arena-1", []Recommendation{
		{Action: ActionAdd, Type: models.AiAmbient},
		{Action: ActionAdd, Type: models.AiAmbient},
		{Action: ActionAdd, Type: models.AiAmbient},
	})
	// Clear the cooldown armed by seeding.
	m.mu.Lock()
	m.arenas["arena-1"].lastScaleAt = time.Time{}
	m.mu.Unlock()

	recs := m.UpdatePlayers("arena-1", 10) // 10% utilization
	var removeAmbient bool
	for _, r := range recs {
		if r.Action == ActionRemove && r.Type == models.AiAmbient {
			removeAmbient = true
		}
	}
	assert.True(t, removeAmbient)
}

func TestCooldownThrottles(t *testing.T) {
	m := testMonitor()
	m.RegisterArena("arena-1", 10)
	m.UpdatePlayers("arena-1", 8)

	spawned, _ := m.Apply("arena-1", m.Recommendations("arena-1"))
	require.NotEmpty(t, spawned)

	// Any recommendation during the cooldown is throttle.
	recs := m.Recommendations("arena-1")
	require.Len(t, recs, 1)
	assert.Equal(t, ActionThrottle, recs[0].Action)

	// After the cooldown the monitor recommends again.
	m.nowFn = func() time.Time { return time.Now().Add(time.Minute) }
	recs = m.Recommendations("arena-1")
	if len(recs) > 0 {
		assert.NotEqual(t, ActionThrottle, recs[0].Action)
	}
}

func TestApplyCapsOperationsPerPass(t *testing.T) {
	m := NewMonitor(Config{Cooldown: time.Second, MaxOpsPerPass: 2, MinAiRatio: 0.1, MaxAiRatio: 0.9})
	m.RegisterArena("arena-1", 10)

	many := []Recommendation{
		{Action: ActionAdd, Type: models.AiAmbient},
		{Action: ActionAdd, Type: models.AiAmbient},
		{Action: ActionAdd, Type: models.AiAmbient},
		{Action: ActionAdd, Type: models.AiAmbient},
	}
	spawned, _ := m.Apply("arena-1", many)
	assert.Len(t, spawned, 2)
	assert.Equal(t, 2, m.Counts("arena-1")[models.AiAmbient])
}

func TestApplyRemoveDespawnsEntities(t *testing.T) {
	m := NewMonitor(Config{Cooldown: time.Second, MaxOpsPerPass: 5})
	m.RegisterArena("arena-1", 10)

	spawned, _ := m.Apply("arena-1", []Recommendation{
		{Action: ActionAdd, Type: models.AiMonster},
		{Action: ActionAdd, Type: models.AiMonster},
	})
	require.Len(t, spawned, 2)

	_, despawned := m.Apply("arena-1", []Recommendation{
		{Action: ActionRemove, Type: models.AiMonster},
	})
	require.Len(t, despawned, 1)
	assert.Equal(t, 1, m.Counts("arena-1")[models.AiMonster])
}

func TestUnknownArenaIsIgnored(t *testing.T) {
	m := testMonitor()
	assert.Nil(t, m.UpdatePlayers("ghost", 5))
	spawned, despawned := m.Apply("ghost", []Recommendation{{Action: ActionAdd, Type: models.AiAmbient}})
	assert.Nil(t, spawned)
	assert.Nil(t, despawned)
}
