// This file contains database methods for the directed player block relation.
// The symmetric closure consumed by chat is computed by the block-list cache.

package database

import (
	"context"
	"fmt"
	"time"
)

// BlockDirections reports the stored edges between two players in both
// directions with a single round trip.
func (db *DB) BlockDirections(ctx context.Context, a, b string) (aBlocksB bool, bBlocksA bool, err error) {
	rows, err := db.QueryxContext(ctx, `
        SELECT owner_id, blocked_id FROM block_edges
        WHERE (owner_id = $1 AND blocked_id = $2) OR (owner_id = $2 AND blocked_id = $1)`, a, b)
	if err != nil {
		return false, false, fmt.Errorf("failed to query block edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var owner, blocked string
		if err := rows.Scan(&owner, &blocked); err != nil {
			return false, false, fmt.Errorf("failed to scan block edge: %w", err)
		}
		if owner == a && blocked == b {
			aBlocksB = true
		}
		if owner == b && blocked == a {
			bBlocksA = true
		}
	}
	return aBlocksB, bBlocksA, rows.Err()
}

// AddBlockEdge inserts one directed block edge; inserting an existing edge
// is a no-op.
func (db *DB) AddBlockEdge(ctx context.Context, ownerID, blockedID string) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO block_edges (owner_id, blocked_id, created_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (owner_id, blocked_id) DO NOTHING`, ownerID, blockedID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add block edge: %w", err)
	}
	return nil
}

// RemoveBlockEdge deletes one directed block edge if present.
func (db *DB) RemoveBlockEdge(ctx context.Context, ownerID, blockedID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM block_edges WHERE owner_id = $1 AND blocked_id = $2`,
		ownerID, blockedID)
	if err != nil {
		return fmt.Errorf("failed to remove block edge: %w", err)
	}
	return nil
}
