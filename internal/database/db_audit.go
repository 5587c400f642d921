// This file contains database methods for the audit log. Every admin and
// moderation mutation lands here.

package database

import (
	"encoding/json"
	"fmt"
	"time"

	"tilemud/internal/models"
)

// InsertAuditEntry appends one audit row. Details may be nil.
func (db *DB) InsertAuditEntry(actorID, action, targetID string, details json.RawMessage) error {
	query := `
        INSERT INTO audit_entries (actor_id, action, target_id, details, created_at)
        VALUES ($1, $2, $3, $4, $5)`
	_, err := db.Exec(query, actorID, action, targetID, []byte(details), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns the newest audit rows up to limit.
func (db *DB) ListAuditEntries(limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []models.AuditEntry
	query := `SELECT id, actor_id, action, target_id, details, created_at
	          FROM audit_entries ORDER BY id DESC LIMIT $1`
	if err := db.Select(&entries, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}
