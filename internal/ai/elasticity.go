// Package ai sizes the AI filler population of each arena against its
// human load. Recomputation is cheap and runs on every player-count
// update; actual scaling actions are throttled by a per-arena cooldown
// and capped per pass.
package ai

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tilemud/internal/models"
)

// ScaleAction is what a recommendation asks for.
type ScaleAction string

const (
	ActionAdd      ScaleAction = "add"
	ActionRemove   ScaleAction = "remove"
	ActionThrottle ScaleAction = "throttle"
)

// Recommendation is one proposed scaling step. Priority 1 is most urgent.
type Recommendation struct {
	Action   ScaleAction    `json:"action"`
	Type     models.AiType  `json:"type,omitempty"`
	Priority int            `json:"priority"`
	Reason   string         `json:"reason"`
}

// typeWeight fixes the spawn priority and cost weight of each AI type.
type typeWeight struct {
	priority int
	cost     int
}

var typeWeights = map[models.AiType]typeWeight{
	models.AiGuard:    {priority: 1, cost: 4},
	models.AiMonster:  {priority: 1, cost: 5},
	models.AiMerchant: {priority: 2, cost: 3},
	models.AiAmbient:  {priority: 4, cost: 1},
}

// Config holds the elasticity tunables.
type Config struct {
	Cooldown       time.Duration
	MinAiRatio     float64
	MaxAiRatio     float64
	MaxOpsPerPass  int
}

// arenaState is the tracked population of one arena.
type arenaState struct {
	capacity    int
	players     int
	counts      map[models.AiType]int
	entities    map[string]models.AiEntity
	lastScaleAt time.Time
}

// Monitor tracks per-arena AI population and produces scaling decisions.
type Monitor struct {
	mu     sync.Mutex
	arenas map[string]*arenaState
	cfg    Config
	nowFn  func() time.Time
}

// NewMonitor creates an empty elasticity monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.MaxOpsPerPass <= 0 {
		cfg.MaxOpsPerPass = 3
	}
	return &Monitor{
		arenas: make(map[string]*arenaState),
		cfg:    cfg,
		nowFn:  time.Now,
	}
}

// RegisterArena starts tracking an arena.
func (m *Monitor) RegisterArena(arenaID string, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.arenas[arenaID]; !ok {
		m.arenas[arenaID] = &arenaState{
			capacity: capacity,
			counts:   make(map[models.AiType]int),
			entities: make(map[string]models.AiEntity),
		}
	}
}

// ForgetArena stops tracking an arena after shutdown.
func (m *Monitor) ForgetArena(arenaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.arenas, arenaID)
}

// UpdatePlayers records the current human population and returns the fresh
// recommendation list for the arena.
func (m *Monitor) UpdatePlayers(arenaID string, players int) []Recommendation {
	m.mu.Lock()
	st, ok := m.arenas[arenaID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	st.players = players
	m.mu.Unlock()
	return m.Recommendations(arenaID)
}

// Counts reports the current AI population by type.
func (m *Monitor) Counts(arenaID string) map[models.AiType]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.arenas[arenaID]
	if !ok {
		return nil
	}
	out := make(map[models.AiType]int, len(st.counts))
	for k, v := range st.counts {
		out[k] = v
	}
	return out
}

// Recommendations computes the scaling steps for an arena. During the
// post-action cooldown the only recommendation is throttle.
func (m *Monitor) Recommendations(arenaID string) []Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.arenas[arenaID]
	if !ok {
		return nil
	}

	if !st.lastScaleAt.IsZero() && m.nowFn().Sub(st.lastScaleAt) < m.cfg.Cooldown {
		return []Recommendation{{Action: ActionThrottle, Priority: 5, Reason: "cooldown active"}}
	}

	players := st.players
	totalAi := 0
	for _, n := range st.counts {
		totalAi += n
	}

	utilizationPct := 0.0
	if st.capacity > 0 {
		utilizationPct = float64(players) / float64(st.capacity) * 100
	}
	aiRatio := 0.0
	if totalAi+players > 0 {
		aiRatio = float64(totalAi) / float64(totalAi+players)
	}

	var recs []Recommendation

	if utilizationPct >= 70 {
		if st.counts[models.AiMonster] < players/2 && players >= 3 {
			recs = append(recs, Recommendation{
				Action: ActionAdd, Type: models.AiMonster,
				Priority: typeWeights[models.AiMonster].priority,
				Reason:   "high utilization, monster pool under half of players",
			})
		}
		if st.counts[models.AiAmbient] < 3 && players >= 2 {
			recs = append(recs, Recommendation{
				Action: ActionAdd, Type: models.AiAmbient,
				Priority: 2, Reason: "high utilization, ambient floor not met",
			})
		}
	}

	if utilizationPct <= 40 {
		if st.counts[models.AiAmbient] > 2 {
			recs = append(recs, Recommendation{
				Action: ActionRemove, Type: models.AiAmbient,
				Priority: 3, Reason: "low utilization, shedding ambient",
			})
		}
		if utilizationPct < 20 && st.counts[models.AiMonster] > 0 {
			recs = append(recs, Recommendation{
				Action: ActionRemove, Type: models.AiMonster,
				Priority: 2, Reason: "near-empty arena, shedding monsters",
			})
		}
	}

	if aiRatio < m.cfg.MinAiRatio {
		recs = append(recs, Recommendation{
			Action: ActionAdd, Type: models.AiAmbient,
			Priority: typeWeights[models.AiAmbient].priority,
			Reason:   "ai ratio below floor",
		})
	}
	if aiRatio > m.cfg.MaxAiRatio && st.counts[models.AiAmbient] > 1 {
		recs = append(recs, Recommendation{
			Action: ActionRemove, Type: models.AiAmbient,
			Priority: typeWeights[models.AiAmbient].priority,
			Reason:   "ai ratio above ceiling",
		})
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
}

// Apply executes up to MaxOpsPerPass recommendations, mutating the tracked
// population, and arms the cooldown if anything was done. It returns the
// spawned entities and the ids despawned.
func (m *Monitor) Apply(arenaID string, recs []Recommendation) (spawned []models.AiEntity, despawned []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.arenas[arenaID]
	if !ok {
		return nil, nil
	}

	ops := 0
	for _, rec := range recs {
		if ops >= m.cfg.MaxOpsPerPass {
			break
		}
		switch rec.Action {
		case ActionAdd:
			ent := models.AiEntity{
				EntityID:   uuid.NewString(),
				InstanceID: arenaID,
				Type:       rec.Type,
				SpawnedAt:  m.nowFn(),
			}
			st.entities[ent.EntityID] = ent
			st.counts[rec.Type]++
			spawned = append(spawned, ent)
			ops++
		case ActionRemove:
			if st.counts[rec.Type] == 0 {
				continue
			}
			for id, ent := range st.entities {
				if ent.Type == rec.Type {
					delete(st.entities, id)
					despawned = append(despawned, id)
					break
				}
			}
			st.counts[rec.Type]--
			ops++
		case ActionThrottle:
			// Nothing to execute.
		}
	}

	if ops > 0 {
		st.lastScaleAt = m.nowFn()
		log.Printf("[AI] Arena %s scaled: %d spawned, %d despawned.", arenaID, len(spawned), len(despawned))
	}
	return spawned, despawned
}
