// This file contains database methods for mute records. Expired rows are
// reaped periodically and lazily on read.

package database

import (
	"fmt"
	"log"
	"time"

	"tilemud/internal/models"
)

// InsertMute stores a new mute and returns its id.
func (db *DB) InsertMute(m *models.MuteStatus) (int64, error) {
	var id int64
	query := `
        INSERT INTO mutes (player_id, scope, scope_id, reason, muted_by, expires_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	err := db.QueryRow(query, m.PlayerID, m.Scope, m.ScopeID, m.Reason, m.MutedBy,
		m.ExpiresAt, m.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert mute: %w", err)
	}
	return id, nil
}

// ActiveMutes returns the unexpired mutes for a player. Expired rows seen
// along the way are deleted opportunistically.
func (db *DB) ActiveMutes(playerID string) ([]models.MuteStatus, error) {
	now := time.Now().UTC()

	// Lazy reap: clear anything already past expiry for this player before
	// reporting. A failed reap does not block the read.
	if _, err := db.Exec(`DELETE FROM mutes WHERE player_id = $1 AND expires_at <= $2`, playerID, now); err != nil {
		log.Printf("Failed to reap expired mutes for %s: %v", playerID, err)
	}

	var mutes []models.MuteStatus
	query := `SELECT id, player_id, scope, scope_id, reason, muted_by, expires_at, created_at
	          FROM mutes WHERE player_id = $1 AND expires_at > $2`
	if err := db.Select(&mutes, query, playerID, now); err != nil {
		return nil, fmt.Errorf("failed to list active mutes: %w", err)
	}
	return mutes, nil
}

// RemoveMutes deletes every mute of a player within a scope. scopeID narrows
// guild/arena mutes; pass empty to remove all mutes of the scope.
func (db *DB) RemoveMutes(playerID string, scope models.MuteScope, scopeID string) (int64, error) {
	var query string
	var args []interface{}
	if scopeID == "" {
		query = `DELETE FROM mutes WHERE player_id = $1 AND scope = $2`
		args = []interface{}{playerID, scope}
	} else {
		query = `DELETE FROM mutes WHERE player_id = $1 AND scope = $2 AND scope_id = $3`
		args = []interface{}{playerID, scope, scopeID}
	}
	res, err := db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to remove mutes: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// ReapExpiredMutes deletes every expired mute and reports the count removed.
func (db *DB) ReapExpiredMutes() (int64, error) {
	res, err := db.Exec(`DELETE FROM mutes WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired mutes: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
