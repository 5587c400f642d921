// Account login and the authentication middleware. Only account-level
// tokens are handled here; session tokens are minted by the admission
// handler and checked at the WebSocket upgrade.

package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"

	"tilemud/internal/auth"
	"tilemud/internal/database"
	"tilemud/internal/models"
)

// AuthHandler serves login and guards the authenticated route group.
type AuthHandler struct {
	DB          *database.DB
	AuthService *auth.AuthService
}

// AuthMiddleware validates a JWT token and injects the player into the
// request context. It accepts tokens from the 'Authorization' header and
// the 'token' query parameter.
func (h *AuthHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractToken(r)
		if tokenString == "" {
			RespondWithError(w, http.StatusUnauthorized, "Authorization token is missing")
			return
		}

		playerID, err := h.AuthService.ValidateJWT(tokenString)
		if err != nil {
			log.Printf("Token validation failed for %s: %v", r.URL.Path, err)
			RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		player, err := h.DB.GetPlayerByID(playerID)
		if err != nil {
			log.Printf("Server error looking up player '%s': %v", playerID, err)
			RespondWithError(w, http.StatusInternalServerError, "Server error while looking up player")
			return
		}
		if player == nil {
			RespondWithError(w, http.StatusUnauthorized, "Player from token not found")
			return
		}
		if player.Status != "active" {
			RespondWithError(w, http.StatusForbidden, "Account is not active")
			return
		}

		ctx := context.WithValue(r.Context(), PlayerContextKey, player)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole narrows a route group to one account role; admin accounts
// always pass.
func (h *AuthHandler) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			player, ok := r.Context().Value(PlayerContextKey).(*models.Player)
			if !ok || (player.Role != role && player.Role != "admin") {
				RespondWithError(w, http.StatusForbidden, "Insufficient privileges")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Login handles account login with a username and password.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if req.Username == "" || req.Password == "" {
		RespondWithError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	player, err := h.DB.GetPlayerByUsername(req.Username)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Printf("Login failed for '%s': unknown account. IP: %s", req.Username, getClientIP(r))
			RespondWithError(w, http.StatusUnauthorized, "Invalid username or password")
			return
		}
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !auth.CheckPasswordHash(req.Password, player.PasswordHash) {
		log.Printf("Login failed for '%s': bad credentials. IP: %s", req.Username, getClientIP(r))
		RespondWithError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := h.AuthService.CreateAccessToken(player.ID, player.Role)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.DB.TouchPlayerLastSeen(player.ID); err != nil {
		log.Printf("Failed to touch last_seen for %s: %v", player.ID, err)
	}

	RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"player":       player,
	})
}

// Me returns the authenticated account.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	player, ok := r.Context().Value(PlayerContextKey).(*models.Player)
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	RespondWithJSON(w, http.StatusOK, player)
}
