// Health and server-status endpoints.

package handlers

import (
	"net/http"
	"time"

	"tilemud/internal/database"
	"tilemud/internal/game"
	"tilemud/internal/models"
	"tilemud/internal/telemetry"
)

// StatusHandler serves liveness and a coarse server overview.
type StatusHandler struct {
	DB        *database.DB
	Instances *game.InstanceRegistry
	Sink      *telemetry.Sink
	startedAt time.Time
}

// NewStatusHandler creates the status handler.
func NewStatusHandler(db *database.DB, instances *game.InstanceRegistry, sink *telemetry.Sink) *StatusHandler {
	return &StatusHandler{DB: db, Instances: instances, Sink: sink, startedAt: time.Now()}
}

// Healthz answers liveness probes; the database ping makes it a readiness
// signal too.
func (h *StatusHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(); err != nil {
		RespondWithError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Overview reports instance counts and tick timing aggregates.
func (h *StatusHandler) Overview(w http.ResponseWriter, r *http.Request) {
	counts := map[models.InstanceState]int{}
	byMode := map[models.InstanceMode]int{}
	for _, inst := range h.Instances.List() {
		counts[inst.State]++
		byMode[inst.Mode]++
	}

	RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"instances":      counts,
		"by_mode":        byMode,
		"tick_stats":     h.Sink.TickSnapshot(),
	})
}
