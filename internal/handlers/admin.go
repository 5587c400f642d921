// Admin endpoints: rule-config CRUD and activation, drain mode, and the
// audit trail. Routed behind the admin role.

package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"tilemud/internal/database"
	"tilemud/internal/models"
	"tilemud/internal/rules"
)

// AdminHandler serves the administrative API.
type AdminHandler struct {
	Rules    *rules.Registry
	DB       *database.DB
	Validate *validator.Validate
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(ruleReg *rules.Registry, db *database.DB, validate *validator.Validate) *AdminHandler {
	return &AdminHandler{Rules: ruleReg, DB: db, Validate: validate}
}

// CreateRuleConfig registers a new immutable rule config version.
func (h *AdminHandler) CreateRuleConfig(w http.ResponseWriter, r *http.Request) {
	actor, ok := r.Context().Value(PlayerContextKey).(*models.Player)
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req models.CreateRuleConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.Validate.Struct(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid rule config: "+err.Error())
		return
	}

	rc, err := h.Rules.Create(req, actor.ID)
	if err != nil {
		if errors.Is(err, rules.ErrBadVersion) {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusCreated, rc)
}

// ListRuleConfigs lists the stored configs of one type.
func (h *AdminHandler) ListRuleConfigs(w http.ResponseWriter, r *http.Request) {
	ruleType := models.RuleType(r.URL.Query().Get("type"))
	if ruleType == "" {
		RespondWithError(w, http.StatusBadRequest, "Query parameter 'type' is required")
		return
	}
	configs, err := h.Rules.List(ruleType)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, configs)
}

// GetRuleConfig fetches one config by id.
func (h *AdminHandler) GetRuleConfig(w http.ResponseWriter, r *http.Request) {
	rc, err := h.Rules.Get(chi.URLParam(r, "configID"))
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rc == nil {
		RespondWithError(w, http.StatusNotFound, "Rule config not found")
		return
	}
	RespondWithJSON(w, http.StatusOK, rc)
}

// ActivateRuleConfig atomically swaps the active config of a type.
func (h *AdminHandler) ActivateRuleConfig(w http.ResponseWriter, r *http.Request) {
	actor, _ := r.Context().Value(PlayerContextKey).(*models.Player)
	if err := h.Rules.Activate(chi.URLParam(r, "configID"), actor.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			RespondWithError(w, http.StatusNotFound, "Rule config not found")
			return
		}
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

// DeactivateRuleConfig clears the active flag of a config.
func (h *AdminHandler) DeactivateRuleConfig(w http.ResponseWriter, r *http.Request) {
	actor, _ := r.Context().Value(PlayerContextKey).(*models.Player)
	if err := h.Rules.Deactivate(chi.URLParam(r, "configID"), actor.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			RespondWithError(w, http.StatusNotFound, "Rule config not active")
			return
		}
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// SetDrain toggles the server drain flag.
func (h *AdminHandler) SetDrain(w http.ResponseWriter, r *http.Request) {
	actor, _ := r.Context().Value(PlayerContextKey).(*models.Player)

	var req struct {
		Enabled bool    `json:"enabled"`
		Message *string `json:"message,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.DB.SetDrainMode(req.Enabled, req.Message); err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.DB.InsertAuditEntry(actor.ID, "drain.set", strconv.FormatBool(req.Enabled), nil); err == nil {
		RespondWithJSON(w, http.StatusOK, map[string]bool{"drain_mode": req.Enabled})
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]bool{"drain_mode": req.Enabled})
}

// ListAudit returns the most recent audit entries.
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.DB.ListAuditEntries(limit)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, entries)
}
