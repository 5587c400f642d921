// This file contains database methods for replay metadata. The event stream
// itself lives in object storage; these rows only reference it.

package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tilemud/internal/models"
)

// InsertReplayMetadata records the summary row written when a replay
// finalizes: storage key, totals, rule stamp, and expiry.
func (db *DB) InsertReplayMetadata(meta *models.ReplayMetadata, stamp models.RuleVersionStamp) error {
	stampJSON, err := json.Marshal(stamp)
	if err != nil {
		return fmt.Errorf("failed to marshal rule stamp: %w", err)
	}
	query := `
        INSERT INTO replays (instance_id, storage_key, event_count, size_bytes, rule_stamp, completed_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = db.Exec(query, meta.InstanceID, meta.StorageKey, meta.EventCount,
		meta.SizeBytes, stampJSON, meta.CompletedAt, meta.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert replay metadata: %w", err)
	}
	return nil
}

// ExpiredReplayKeys lists the storage keys of replays past their expiry.
func (db *DB) ExpiredReplayKeys() ([]string, error) {
	var keys []string
	query := `SELECT storage_key FROM replays WHERE expires_at <= $1`
	if err := db.Select(&keys, query, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to list expired replays: %w", err)
	}
	return keys, nil
}

// DeleteReplaysByKeys removes the metadata rows for the given storage keys,
// called after the backing objects have been deleted.
func (db *DB) DeleteReplaysByKeys(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM replays WHERE storage_key IN (?)`, keys)
	if err != nil {
		return fmt.Errorf("failed to expand IN clause: %w", err)
	}
	if _, err := db.Exec(db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete replay metadata: %w", err)
	}
	return nil
}
