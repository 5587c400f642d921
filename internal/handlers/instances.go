// Instance endpoints: creation, status, admission, reconnection, and the
// WebSocket upgrade into an admitted session.

package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"tilemud/internal/admission"
	"tilemud/internal/auth"
	"tilemud/internal/config"
	"tilemud/internal/database"
	"tilemud/internal/game"
	"tilemud/internal/models"
	"tilemud/internal/session"
	appwebsocket "tilemud/internal/websocket"
)

// InstanceHandler serves the instance API and the session channel.
type InstanceHandler struct {
	Coordinator *game.Coordinator
	Instances   *game.InstanceRegistry
	Controller  *admission.Controller
	Registry    *session.Registry
	DB          *database.DB
	AuthService *auth.AuthService
	Validate    *validator.Validate
	Cfg         *config.AppConfig
	Hub         *appwebsocket.Hub
	upgrader    websocket.Upgrader
}

// NewInstanceHandler configures the handler and its WebSocket upgrader.
func NewInstanceHandler(coordinator *game.Coordinator, instances *game.InstanceRegistry,
	controller *admission.Controller, registry *session.Registry, db *database.DB,
	authSvc *auth.AuthService, validate *validator.Validate, cfg *config.AppConfig,
	hub *appwebsocket.Hub) *InstanceHandler {

	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		// CheckOrigin validates the origin of the WebSocket request to
		// prevent cross-site WebSocket hijacking; native clients without
		// an Origin header pass.
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range origins {
				if strings.EqualFold(allowed, originURL.String()) || strings.EqualFold(allowed, originURL.Hostname()) {
					return true
				}
			}
			log.Printf("WebSocket connection from disallowed origin rejected: %s", origin)
			return false
		},
	}

	return &InstanceHandler{
		Coordinator: coordinator,
		Instances:   instances,
		Controller:  controller,
		Registry:    registry,
		DB:          db,
		AuthService: authSvc,
		Validate:    validate,
		Cfg:         cfg,
		Hub:         hub,
		upgrader:    upgrader,
	}
}

// CreateInstance creates a battle or arena (admin only, routed as such).
func (h *InstanceHandler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req models.CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.Validate.Struct(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid instance request: "+err.Error())
		return
	}

	inst, err := h.Coordinator.CreateInstance(req)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusCreated, inst)
}

// ListInstances lists every tracked instance.
func (h *InstanceHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, h.Instances.List())
}

// GetStatus reports capacity, queue depth, and drain state.
func (h *InstanceHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	status, ok := h.Controller.Status(instanceID)
	if !ok {
		RespondWithError(w, http.StatusNotFound, "Instance not found")
		return
	}

	drain, err := h.DB.GetDrainMode()
	if err != nil {
		log.Printf("Failed to read drain mode for status: %v", err)
	} else {
		status.DrainMode = drain.IsEnabled
	}
	RespondWithJSON(w, http.StatusOK, status)
}

// Admit is the admission endpoint; the response status field mirrors the
// controller's decision, always with HTTP 200 for decided outcomes.
func (h *InstanceHandler) Admit(w http.ResponseWriter, r *http.Request) {
	player, ok := r.Context().Value(PlayerContextKey).(*models.Player)
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	instanceID := chi.URLParam(r, "instanceID")

	var req models.AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.Validate.Struct(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid admit request: "+err.Error())
		return
	}

	owned, err := h.DB.CheckCharacterOwnership(req.CharacterID, player.ID)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !owned {
		RespondWithJSON(w, http.StatusForbidden, models.AdmitResult{
			Status: models.AdmitRejected,
			Reason: models.ReasonCharacterNotOwned,
		})
		return
	}

	result := h.Controller.Admit(r.Context(), instanceID, req.CharacterID, player.ID, req.ReplaceToken)
	h.attachSessionToken(&result, player.ID, req.CharacterID, instanceID)
	RespondWithJSON(w, http.StatusOK, result)
}

// Reconnect redeems a reconnection token inside the grace window.
func (h *InstanceHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")

	var req models.ReconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.Validate.Struct(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid reconnect request: "+err.Error())
		return
	}

	result := h.Controller.Reconnect(r.Context(), instanceID, req.ReconnectionToken)
	switch {
	case result.Status == models.AdmitAdmitted:
		if sess, ok := h.Registry.Get(result.SessionID); ok {
			h.attachSessionToken(&result, sess.UserID, sess.CharacterID, instanceID)
		}
		RespondWithJSON(w, http.StatusOK, result)
	case result.Reason == models.ReasonTokenExpired:
		RespondWithJSON(w, http.StatusGone, result)
	case result.Reason == models.ReasonInvalidInstance:
		RespondWithJSON(w, http.StatusNotFound, result)
	case result.Reason == models.ReasonCapacityFull:
		// The slot was given away while the client was gone; this is the
		// normal re-admission path, not an error.
		RespondWithJSON(w, http.StatusOK, result)
	default:
		RespondWithJSON(w, http.StatusInternalServerError, result)
	}
}

// attachSessionToken mints the channel credential for decided admissions.
func (h *InstanceHandler) attachSessionToken(result *models.AdmitResult, playerID, characterID, instanceID string) {
	if result.Status != models.AdmitAdmitted && result.Status != models.AdmitReplaced {
		return
	}
	token, err := h.AuthService.CreateSessionToken(playerID, characterID, result.SessionID,
		instanceID, h.Cfg.SessionTimeout)
	if err != nil {
		log.Printf("Failed to mint session token for %s: %v", result.SessionID, err)
		return
	}
	result.SessionToken = token
}

// ServeWs upgrades an admitted session onto its bidirectional channel. The
// session token rides in the 'token' query parameter.
func (h *InstanceHandler) ServeWs(w http.ResponseWriter, r *http.Request) {
	tokenString := extractToken(r)
	if tokenString == "" {
		RespondWithError(w, http.StatusUnauthorized, "Session token is missing")
		return
	}
	claims, err := h.AuthService.ValidateSessionToken(tokenString)
	if err != nil {
		RespondWithError(w, http.StatusUnauthorized, "Invalid or expired session token")
		return
	}

	sess, ok := h.Registry.Get(claims.SessionID)
	if !ok || sess.State == models.SessionTerminating {
		RespondWithError(w, http.StatusGone, "Session no longer exists")
		return
	}
	if sess.CharacterID != claims.CharacterID || sess.InstanceID != claims.InstanceID {
		RespondWithError(w, http.StatusForbidden, "Session token does not match session")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed for session %s: %v", claims.SessionID, err)
		return
	}

	client := appwebsocket.NewClient(h.Hub, conn, h.Validate,
		sess.SessionID, sess.CharacterID, sess.UserID, sess.InstanceID)
	h.Hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
