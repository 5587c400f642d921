package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

// contextKey is the private type for request-context values set by the
// auth middleware.
type contextKey string

// PlayerContextKey carries the authenticated *models.Player.
const PlayerContextKey contextKey = "player"

// RespondWithError writes a standard JSON error response with a given status code.
// For 500 Internal Server Error responses, it returns a generic message to
// avoid leaking internal implementation details to the client; other 5xx
// codes keep the given message.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	if code == http.StatusInternalServerError {
		log.Printf("Responding with server error (%d): %s", code, message)
		message = "An internal server error occurred. Please try again later."
	}
	RespondWithJSON(w, code, map[string]string{"error": message})
}

// RespondWithJSON marshals a payload to JSON, sets the appropriate headers,
// and writes the response with a given status code.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		// If marshaling fails, it's a server-side programming error.
		log.Printf("!!! CRITICAL: Failed to marshal JSON response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Failed to serialize response"}`)) // Fallback response
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(response)
}

// getClientIP extracts the client's real IP address from the request headers.
// It checks common proxy headers like 'X-Forwarded-For' and 'X-Real-IP' first,
// falling back to the request's RemoteAddr.
func getClientIP(r *http.Request) string {
	// The first IP in 'X-Forwarded-For' is the original client's IP.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fallback to the direct network address, trimming the port if present.
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// extractToken pulls a bearer token from the Authorization header or the
// 'token' query parameter (for WebSocket upgrades, which cannot set headers
// from browsers).
func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
