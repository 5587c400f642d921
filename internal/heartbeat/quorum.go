// The quorum decision function. Kept pure: the outcome depends only on the
// observed tuple (totalPlayers, initialHumanCount, responsivePlayers,
// failureStreak) and the configured threshold, which is what makes it
// testable row by row.

package heartbeat

import "fmt"

// Action is the soft-fail response chosen for an arena.
type Action string

const (
	// ActionContinue leaves the arena running untouched.
	ActionContinue Action = "continue"
	// ActionPause halts tick advancement but preserves state.
	ActionPause Action = "pause"
	// ActionMigrate relocates the remaining players to a smaller arena.
	ActionMigrate Action = "migrate"
	// ActionAbort triggers graceful shutdown: broadcast, drain, dispose.
	ActionAbort Action = "abort"
)

// Decision is one quorum verdict with its confidence and rationale.
type Decision struct {
	Action     Action
	Confidence float64
	Reason     string
}

// DecideQuorum maps the observed arena state to a soft-fail action.
//
// The quorum percentage is responsive players over the arena's INITIAL
// human count — a dropped player shrinks the live count but never the
// denominator, so losses keep showing up as quorum loss. totalPlayers is
// the live count and only gates the not-enough-players row.
//
// The band boundaries derive from the configured threshold (default 60):
// below half of it quorum has collapsed outright, and the migrate ceiling
// sits at two thirds of it. Rows are evaluated top to bottom; the first
// match wins. The collapse band is inclusive at its boundary so that a
// 10-player arena reduced to 3 responsive players aborts rather than
// pauses.
func DecideQuorum(totalPlayers, initialHumanCount, responsivePlayers, failureStreak, thresholdPct int) Decision {
	if thresholdPct <= 0 {
		thresholdPct = 60
	}
	quorumPct := 0.0
	if initialHumanCount > 0 {
		quorumPct = float64(responsivePlayers) / float64(initialHumanCount) * 100
	}

	collapsePct := float64(thresholdPct) / 2
	lowPct := float64(thresholdPct)
	migrateCeilPct := float64(thresholdPct) * 2 / 3

	switch {
	case totalPlayers < 2:
		return Decision{ActionAbort, 0.95, "not enough players to continue"}
	case quorumPct <= collapsePct || responsivePlayers < 2:
		return Decision{ActionAbort, 0.90,
			fmt.Sprintf("quorum collapsed: %.0f%% responsive (%d players)", quorumPct, responsivePlayers)}
	case quorumPct < lowPct && failureStreak > 3:
		return Decision{ActionAbort, 0.80,
			fmt.Sprintf("quorum below threshold for %d consecutive checks", failureStreak)}
	case quorumPct < lowPct && failureStreak <= 2:
		return Decision{ActionPause, 0.70,
			fmt.Sprintf("quorum at %.0f%%, waiting out the dip", quorumPct)}
	case responsivePlayers >= 3 && quorumPct <= migrateCeilPct:
		return Decision{ActionMigrate, 0.60,
			fmt.Sprintf("%d responsive players worth relocating", responsivePlayers)}
	default:
		return Decision{ActionContinue, 0.80, "quorum held"}
	}
}
