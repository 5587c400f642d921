// This file contains database methods for the append-only rule-config store.

package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tilemud/internal/models"
)

// InsertRuleConfig appends a new rule configuration record. Records are
// immutable once written; activation state is the only mutable column.
func (db *DB) InsertRuleConfig(rc *models.RuleConfig) error {
	query := `
        INSERT INTO rule_configs (id, rule_type, version, config, is_active, created_at, created_by, checksum)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := db.Exec(query, rc.ID, rc.Type, rc.Version, []byte(rc.Config),
		rc.IsActive, rc.CreatedAt, rc.CreatedBy, rc.Checksum)
	if err != nil {
		return fmt.Errorf("failed to insert rule config: %w", err)
	}
	return nil
}

// GetRuleConfig retrieves one rule config by id. Returns (nil, nil) when missing.
func (db *DB) GetRuleConfig(id string) (*models.RuleConfig, error) {
	var rc models.RuleConfig
	query := `SELECT id, rule_type, version, config, is_active, created_at, created_by, checksum
	          FROM rule_configs WHERE id = $1`
	err := db.Get(&rc, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule config: %w", err)
	}
	return &rc, nil
}

// GetActiveRuleConfig retrieves the single active config of a type, or
// (nil, nil) when no config of that type has been activated.
func (db *DB) GetActiveRuleConfig(ruleType models.RuleType) (*models.RuleConfig, error) {
	var rc models.RuleConfig
	query := `SELECT id, rule_type, version, config, is_active, created_at, created_by, checksum
	          FROM rule_configs WHERE rule_type = $1 AND is_active = TRUE`
	err := db.Get(&rc, query, ruleType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active rule config: %w", err)
	}
	return &rc, nil
}

// ListRuleConfigs lists every stored config of a type, newest first.
func (db *DB) ListRuleConfigs(ruleType models.RuleType) ([]models.RuleConfig, error) {
	var configs []models.RuleConfig
	query := `SELECT id, rule_type, version, config, is_active, created_at, created_by, checksum
	          FROM rule_configs WHERE rule_type = $1 ORDER BY created_at DESC`
	if err := db.Select(&configs, query, ruleType); err != nil {
		return nil, fmt.Errorf("failed to list rule configs: %w", err)
	}
	return configs, nil
}

// ActivateRuleConfig atomically deactivates the current active config of the
// target's type (if any), activates the target, and writes an audit entry.
func (db *DB) ActivateRuleConfig(id, actorID string) (err error) {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
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

	var ruleType models.RuleType
	if err = tx.Get(&ruleType, `SELECT rule_type FROM rule_configs WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return fmt.Errorf("failed to load rule config for activation: %w", err)
	}

	if _, err = tx.Exec(`UPDATE rule_configs SET is_active = FALSE WHERE rule_type = $1 AND is_active = TRUE`,
		ruleType); err != nil {
		return fmt.Errorf("failed to deactivate current config: %w", err)
	}
	if _, err = tx.Exec(`UPDATE rule_configs SET is_active = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to activate rule config: %w", err)
	}

	details, _ := json.Marshal(map[string]string{"rule_type": string(ruleType)})
	if _, err = tx.Exec(`
        INSERT INTO audit_entries (actor_id, action, target_id, details, created_at)
        VALUES ($1, 'rule_config.activate', $2, $3, $4)`,
		actorID, id, details, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write activation audit entry: %w", err)
	}

	return nil
}

// DeactivateRuleConfig clears the active flag of one config. Stamps already
// emitted are untouched; nothing is ever deleted.
func (db *DB) DeactivateRuleConfig(id, actorID string) error {
	res, err := db.Exec(`UPDATE rule_configs SET is_active = FALSE WHERE id = $1 AND is_active = TRUE`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate rule config: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return db.InsertAuditEntry(actorID, "rule_config.deactivate", id, nil)
}
