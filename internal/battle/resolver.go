// Deterministic conflict resolution for one tick. Given the same set of
// attempts and the same board, every node resolves identically: earliest
// timestamp wins a cell, ties broken by character id then client sequence.

package battle

import (
	"sort"

	"tilemud/internal/models"
)

// cell addresses one board position.
type cell struct {
	x, y int
}

// ResolveTick partitions the drained attempts by position and decides each
// group: an occupied cell rejects everyone, a lone attempt is accepted,
// and a contended cell is won by the minimal (timestamp, characterId,
// sequence) attempt. Returns every outcome plus the number of contended
// cells resolved.
func ResolveTick(occupied map[cell]string, attempts []models.PlacementAttempt) ([]models.PlacementOutcome, int) {
	byCell := make(map[cell][]models.PlacementAttempt)
	order := make([]cell, 0)
	for _, a := range attempts {
		pos := cell{a.X, a.Y}
		if _, seen := byCell[pos]; !seen {
			order = append(order, pos)
		}
		byCell[pos] = append(byCell[pos], a)
	}
	// Deterministic iteration independent of map order.
	sort.Slice(order, func(i, j int) bool {
		if order[i].x != order[j].x {
			return order[i].x < order[j].x
		}
		return order[i].y < order[j].y
	})

	outcomes := make([]models.PlacementOutcome, 0, len(attempts))
	conflicts := 0

	for _, pos := range order {
		group := byCell[pos]

		if _, taken := occupied[pos]; taken {
			for _, a := range group {
				outcomes = append(outcomes, models.PlacementOutcome{
					Attempt: a, Accepted: false, Reason: models.ReasonOccupied,
				})
			}
			continue
		}

		if len(group) == 1 {
			outcomes = append(outcomes, models.PlacementOutcome{Attempt: group[0], Accepted: true})
			continue
		}

		sort.Slice(group, func(i, j int) bool {
			if !group[i].Timestamp.Equal(group[j].Timestamp) {
				return group[i].Timestamp.Before(group[j].Timestamp)
			}
			if group[i].CharacterID != group[j].CharacterID {
				return group[i].CharacterID < group[j].CharacterID
			}
			return group[i].Sequence < group[j].Sequence
		})

		conflicts++
		outcomes = append(outcomes, models.PlacementOutcome{Attempt: group[0], Accepted: true})
		for _, a := range group[1:] {
			outcomes = append(outcomes, models.PlacementOutcome{
				Attempt: a, Accepted: false, Reason: models.ReasonConflict,
			})
		}
	}

	return outcomes, conflicts
}
