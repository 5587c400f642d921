// This file contains database methods for guilds.

package database

import (
	"database/sql"
	"fmt"
	"time"

	"tilemud/internal/models"
)

// GetGuild retrieves a guild by id. Returns (nil, nil) when missing.
func (db *DB) GetGuild(guildID string) (*models.Guild, error) {
	var g models.Guild
	query := `SELECT id, name, leader_id, dissolved_at, created_at FROM guilds WHERE id = $1`
	err := db.Get(&g, query, guildID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guild: %w", err)
	}
	return &g, nil
}

// DissolveGuild marks a guild dissolved and detaches every member character.
// The operation is transactional: either both mutations land or neither.
func (db *DB) DissolveGuild(guildID string) (memberIDs []string, err error) {
	tx, err := db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
			if err != nil {
				err = fmt.Errorf("failed to commit transaction: %w", err)
			}
		}
	}()

	if err = tx.Select(&memberIDs, `SELECT id FROM characters WHERE guild_id = $1`, guildID); err != nil {
		return nil, fmt.Errorf("failed to list guild members: %w", err)
	}

	res, err := tx.Exec(`UPDATE guilds SET dissolved_at = $1 WHERE id = $2 AND dissolved_at IS NULL`,
		time.Now().UTC(), guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to dissolve guild: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, sql.ErrNoRows
	}

	if _, err = tx.Exec(`UPDATE characters SET guild_id = NULL WHERE guild_id = $1`, guildID); err != nil {
		return nil, fmt.Errorf("failed to detach guild members: %w", err)
	}

	return memberIDs, nil
}
