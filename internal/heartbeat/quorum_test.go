package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideQuorumIsPure(t *testing.T) {
	// The same tuple must always produce the same decision.
	a := DecideQuorum(10, 10, 5, 1, 60)
	b := DecideQuorum(10, 10, 5, 1, 60)
	assert.Equal(t, a, b)
}

func TestDecideQuorumTable(t *testing.T) {
	tests := []struct {
		name       string
		total      int
		initial    int
		responsive int
		streak     int
		action     Action
		confidence float64
	}{
		{"too few players", 1, 10, 1, 0, ActionAbort, 0.95},
		{"empty arena", 0, 10, 0, 0, ActionAbort, 0.95},
		{"collapsed quorum", 10, 10, 2, 0, ActionAbort, 0.90},
		{"single responsive", 10, 10, 1, 0, ActionAbort, 0.90},
		{"thirty percent aborts", 10, 10, 3, 0, ActionAbort, 0.90},
		{"sustained failure", 10, 10, 5, 4, ActionAbort, 0.80},
		{"short dip pauses", 10, 10, 5, 1, ActionPause, 0.70},
		{"migration band", 10, 10, 4, 3, ActionMigrate, 0.60},
		{"healthy arena", 10, 10, 9, 0, ActionContinue, 0.80},
		// The denominator is the initial count: 5 of 20 initial humans
		// responsive is a collapse even though 5 of 6 live players beat.
		{"shrunken population still collapses", 6, 20, 5, 0, ActionAbort, 0.90},
		{"dropped players do not flatter the ratio", 5, 10, 5, 1, ActionPause, 0.70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecideQuorum(tt.total, tt.initial, tt.responsive, tt.streak, 60)
			assert.Equal(t, tt.action, d.Action)
			assert.InDelta(t, tt.confidence, d.Confidence, 0.001)
		})
	}
}

func TestDecideQuorumHonorsThreshold(t *testing.T) {
	// 50% responsive: a dip under the default threshold of 60...
	d := DecideQuorum(10, 10, 5, 0, 60)
	assert.Equal(t, ActionPause, d.Action)

	// ...but healthy when the operator lowers the threshold to 40.
	d = DecideQuorum(10, 10, 5, 0, 40)
	assert.Equal(t, ActionContinue, d.Action)

	// And a collapse when the threshold is raised to 100 (50% <= 100/2).
	d = DecideQuorum(10, 10, 5, 0, 100)
	assert.Equal(t, ActionAbort, d.Action)
}

func TestQuorumLossScenario(t *testing.T) {
	// Arena with 10 initial humans loses 7 to heartbeat timeout: 30%
	// responsive means abort at confidence 0.90.
	d := DecideQuorum(10, 10, 3, 0, 60)
	require.Equal(t, ActionAbort, d.Action)
	assert.InDelta(t, 0.90, d.Confidence, 0.001)
}

func TestMonitorResponsivenessBoundary(t *testing.T) {
	m := NewMonitor(Config{
		HeartbeatTimeout:       30 * time.Second,
		MaxConsecutiveFailures: 3,
		QuorumThresholdPct:     60,
	})

	base := time.Now()
	m.nowFn = func() time.Time { return base }
	m.Track("p1")
	m.Beat("p1", 20*time.Millisecond)

	// Exactly at the timeout boundary: still responsive.
	m.nowFn = func() time.Time { return base.Add(30 * time.Second) }
	assert.True(t, m.IsResponsive("p1"))

	// One millisecond beyond: unresponsive.
	m.nowFn = func() time.Time { return base.Add(30*time.Second + time.Millisecond) }
	assert.False(t, m.IsResponsive("p1"))
}

func TestMonitorConsecutiveFailures(t *testing.T) {
	m := NewMonitor(Config{
		HeartbeatTimeout:       30 * time.Second,
		MaxConsecutiveFailures: 3,
		QuorumThresholdPct:     60,
	})
	m.Track("p1")
	m.Beat("p1", 0)

	m.MarkFailure("p1")
	m.MarkFailure("p1")
	assert.True(t, m.IsResponsive("p1"))

	m.MarkFailure("p1")
	assert.False(t, m.IsResponsive("p1"))

	// A fresh beat clears the counter.
	m.Beat("p1", 0)
	assert.True(t, m.IsResponsive("p1"))
}

func TestCheckArenaFailureStreak(t *testing.T) {
	m := NewMonitor(Config{
		HeartbeatTimeout:       30 * time.Second,
		MaxConsecutiveFailures: 3,
		QuorumThresholdPct:     60,
	})

	// Five players tracked but only two beating: 2/5 = 40% < 60%, so the
	// streak climbs check by check.
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		m.Track(id)
	}
	old := time.Now().Add(-time.Hour)
	for _, id := range []string{"c", "d", "e"} {
		m.mu.Lock()
		m.players[id].lastHeartbeatAt = old
		m.mu.Unlock()
	}
	m.Beat("a", 0)
	m.Beat("b", 0)

	ids := []string{"a", "b", "c", "d", "e"}
	d1 := m.CheckArena("arena-1", ids, 5)
	assert.Equal(t, ActionPause, d1.Action)

	m.CheckArena("arena-1", ids, 5)
	m.CheckArena("arena-1", ids, 5)
	d4 := m.CheckArena("arena-1", ids, 5)
	assert.Equal(t, ActionAbort, d4.Action)
}

func TestCheckArenaUsesInitialCountAsDenominator(t *testing.T) {
	m := NewMonitor(Config{
		HeartbeatTimeout:       30 * time.Second,
		MaxConsecutiveFailures: 3,
		QuorumThresholdPct:     60,
	})

	// Ten humans started; six dropped their sessions entirely, and of the
	// four still present only two are beating. 2/10 = 20% must collapse
	// the quorum even though 2/4 of the live sessions look fine.
	for _, id := range []string{"a", "b", "c", "d"} {
		m.Track(id)
	}
	old := time.Now().Add(-time.Hour)
	for _, id := range []string{"c", "d"} {
		m.mu.Lock()
		m.players[id].lastHeartbeatAt = old
		m.mu.Unlock()
	}
	m.Beat("a", 0)
	m.Beat("b", 0)

	d := m.CheckArena("arena-1", []string{"a", "b", "c", "d"}, 10)
	assert.Equal(t, ActionAbort, d.Action)
	assert.InDelta(t, 0.90, d.Confidence, 0.001)
}

func TestAverageRTTRing(t *testing.T) {
	m := NewMonitor(Config{HeartbeatTimeout: 30 * time.Second})
	m.Track("p1")
	m.Beat("p1", 10*time.Millisecond)
	m.Beat("p1", 30*time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, m.AverageRTT("p1"))
}
