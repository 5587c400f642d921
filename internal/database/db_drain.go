// This file defines the DrainMode model and provides database methods for
// managing the server's drain state. While draining, new admissions are
// refused and existing sessions play out.

package database

import (
	"database/sql"
	"fmt"
	"time"
)

// DrainMode represents the server-wide drain flag.
type DrainMode struct {
	ID        int        `db:"id" json:"id"`
	IsEnabled bool       `db:"is_enabled" json:"is_enabled"`
	Message   *string    `db:"message" json:"message,omitempty"`
	EnabledAt *time.Time `db:"enabled_at" json:"enabled_at,omitempty"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// GetDrainMode retrieves the current drain state. A missing row reads as
// "not draining".
func (db *DB) GetDrainMode() (*DrainMode, error) {
	var drain DrainMode
	query := `SELECT id, is_enabled, message, enabled_at, updated_at
	          FROM drain_mode ORDER BY id DESC LIMIT 1`
	err := db.Get(&drain, query)
	if err == sql.ErrNoRows {
		return &DrainMode{IsEnabled: false, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get drain mode: %w", err)
	}
	return &drain, nil
}

// SetDrainMode flips the drain flag, stamping the transition time.
func (db *DB) SetDrainMode(enabled bool, message *string) error {
	now := time.Now().UTC()
	var enabledAt *time.Time
	if enabled {
		enabledAt = &now
	}
	query := `
        INSERT INTO drain_mode (is_enabled, message, enabled_at, updated_at)
        VALUES ($1, $2, $3, $4)`
	if _, err := db.Exec(query, enabled, message, enabledAt, now); err != nil {
		return fmt.Errorf("failed to set drain mode: %w", err)
	}
	return nil
}
