// Package middleware provides HTTP middleware handlers.
package middleware

import (
	"log"
	"net/http"
	"strings"

	"tilemud/internal/database"
	"tilemud/internal/handlers"
)

// DrainMiddleware refuses new admissions while the server is draining.
// Status reads, reconnections, the session channel, and the admin API stay
// open so existing play can finish and operators can flip the flag back.
func DrainMiddleware(db *database.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Always allow CORS preflight requests.
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			// Only the admission entry point is gated.
			if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/admit") {
				next.ServeHTTP(w, r)
				return
			}

			drain, err := db.GetDrainMode()
			if err != nil {
				log.Printf("DrainMiddleware: error checking drain status: %v. Allowing request to proceed.", err)
				next.ServeHTTP(w, r) // Fail open if the store is down.
				return
			}
			if !drain.IsEnabled {
				next.ServeHTTP(w, r)
				return
			}

			message := "Server is draining; new admissions are suspended."
			if drain.Message != nil && *drain.Message != "" {
				message = *drain.Message
			}
			handlers.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "rejected",
				"reason": "INSTANCE_UNAVAILABLE",
				"error":  message,
			})
		})
	}
}
