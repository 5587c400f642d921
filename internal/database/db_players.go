// This file contains database methods for player accounts and characters.

package database

import (
	"database/sql"
	"fmt"
	"time"

	"tilemud/internal/models"
)

// GetPlayerByUsername retrieves a player account by its unique username.
func (db *DB) GetPlayerByUsername(username string) (*models.Player, error) {
	var player models.Player
	query := `SELECT id, username, password_hash, role, status, created_at, last_seen_at
	          FROM players WHERE username = $1`
	if err := db.Get(&player, query, username); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get player by username: %w", err)
	}
	return &player, nil
}

// GetPlayerByID retrieves a player account by id. Returns (nil, nil) when
// the player does not exist.
func (db *DB) GetPlayerByID(playerID string) (*models.Player, error) {
	var player models.Player
	query := `SELECT id, username, password_hash, role, status, created_at, last_seen_at
	          FROM players WHERE id = $1`
	err := db.Get(&player, query, playerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get player by id: %w", err)
	}
	return &player, nil
}

// TouchPlayerLastSeen stamps the player's last activity time.
func (db *DB) TouchPlayerLastSeen(playerID string) error {
	_, err := db.Exec(`UPDATE players SET last_seen_at = $1 WHERE id = $2`, time.Now().UTC(), playerID)
	if err != nil {
		return fmt.Errorf("failed to touch player last_seen_at: %w", err)
	}
	return nil
}

// GetCharacter retrieves a character by id. Returns (nil, nil) when missing.
func (db *DB) GetCharacter(characterID string) (*models.Character, error) {
	var ch models.Character
	query := `SELECT id, player_id, name, guild_id, created_at FROM characters WHERE id = $1`
	err := db.Get(&ch, query, characterID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get character: %w", err)
	}
	return &ch, nil
}

// CheckCharacterOwnership verifies that a character belongs to a player.
func (db *DB) CheckCharacterOwnership(characterID, playerID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM characters WHERE id = $1 AND player_id = $2)`
	if err := db.Get(&exists, query, characterID, playerID); err != nil {
		return false, fmt.Errorf("failed to check character ownership: %w", err)
	}
	return exists, nil
}

// GetGuildCharacterIDs lists the character ids of every member of a guild.
func (db *DB) GetGuildCharacterIDs(guildID string) ([]string, error) {
	var ids []string
	query := `SELECT id FROM characters WHERE guild_id = $1`
	if err := db.Select(&ids, query, guildID); err != nil {
		return nil, fmt.Errorf("failed to list guild characters: %w", err)
	}
	return ids, nil
}
