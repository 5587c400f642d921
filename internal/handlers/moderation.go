// Moderation endpoints: mute, unmute, kick, dissolve-guild, and the block
// relation. Mute, unmute, kick, and dissolve-guild are routed behind the
// moderator role and the service re-checks authority on each; the block
// relation is open to any authenticated player.

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"tilemud/internal/models"
	"tilemud/internal/moderation"
)

// ModerationHandler serves the moderation API.
type ModerationHandler struct {
	Service  *moderation.Service
	Validate *validator.Validate
}

// NewModerationHandler creates the moderation handler.
func NewModerationHandler(service *moderation.Service, validate *validator.Validate) *ModerationHandler {
	return &ModerationHandler{Service: service, Validate: validate}
}

// decodeCommand parses and validates the shared moderation body.
func (h *ModerationHandler) decodeCommand(w http.ResponseWriter, r *http.Request) (*models.ModerationRequest, *models.Player, bool) {
	actor, ok := r.Context().Value(PlayerContextKey).(*models.Player)
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "Not authenticated")
		return nil, nil, false
	}
	var req models.ModerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return nil, nil, false
	}
	if err := h.Validate.Struct(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid moderation request: "+err.Error())
		return nil, nil, false
	}
	return &req, actor, true
}

// respondCommandError maps service errors onto HTTP statuses.
func respondCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, moderation.ErrUnauthorized):
		RespondWithError(w, http.StatusForbidden, "Not authorized for moderation")
	case errors.Is(err, moderation.ErrTargetNotFound):
		RespondWithError(w, http.StatusNotFound, "Target not found")
	default:
		RespondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

// Mute places a scoped mute on a player.
func (h *ModerationHandler) Mute(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.decodeCommand(w, r)
	if !ok {
		return
	}
	mute, err := h.Service.Mute(r.Context(), actor.ID, *req)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, mute)
}

// Unmute lifts the target's mutes in a scope.
func (h *ModerationHandler) Unmute(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.decodeCommand(w, r)
	if !ok {
		return
	}
	if err := h.Service.Unmute(r.Context(), actor.ID, *req); err != nil {
		respondCommandError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "unmuted"})
}

// Kick terminates the target character's session.
func (h *ModerationHandler) Kick(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.decodeCommand(w, r)
	if !ok {
		return
	}
	if err := h.Service.Kick(r.Context(), actor.ID, *req); err != nil {
		respondCommandError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "kicked"})
}

// DissolveGuild dissolves the guild named in the URL.
func (h *ModerationHandler) DissolveGuild(w http.ResponseWriter, r *http.Request) {
	actor, ok := r.Context().Value(PlayerContextKey).(*models.Player)
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	guildID := chi.URLParam(r, "guildID")
	reason := r.URL.Query().Get("reason")

	if err := h.Service.DissolveGuild(r.Context(), actor.ID, guildID, reason); err != nil {
		respondCommandError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "dissolved"})
}

// Block adds a directed block edge owned by the caller.
func (h *ModerationHandler) Block(w http.ResponseWriter, r *http.Request) {
	actor, ok := r.Context().Value(PlayerContextKey).(*models.Player)
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	var req struct {
		BlockedID string `json:"blocked_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BlockedID == "" {
		RespondWithError(w, http.StatusBadRequest, "blocked_id is required")
		return
	}
	if err := h.Service.Block(r.Context(), actor.ID, req.BlockedID); err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

// Unblock removes a directed block edge owned by the caller.
func (h *ModerationHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	actor, ok := r.Context().Value(PlayerContextKey).(*models.Player)
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	var req struct {
		BlockedID string `json:"blocked_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BlockedID == "" {
		RespondWithError(w, http.StatusBadRequest, "blocked_id is required")
		return
	}
	if err := h.Service.Unblock(r.Context(), actor.ID, req.BlockedID); err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}
