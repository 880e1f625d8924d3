package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetRecord returns the stored ledger record for groupID.
func (d *DB) GetRecord(ctx context.Context, groupID string) ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var rec string
	err := d.db.QueryRowContext(ctx, `SELECT record FROM _ledger WHERE group_id = ?`, groupID).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get ledger record: %w", err)
	}
	return []byte(rec), true, nil
}

// PutRecord writes the ledger record for groupID.
func (d *DB) PutRecord(ctx context.Context, groupID string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO _ledger (group_id, record, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(group_id) DO UPDATE SET record = excluded.record, updated_at = CURRENT_TIMESTAMP
	`, groupID, string(data))
	if err != nil {
		return fmt.Errorf("put ledger record: %w", err)
	}
	return nil
}

// ListRecords returns every stored ledger record keyed by group id.
func (d *DB) ListRecords(ctx context.Context) (map[string][]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `SELECT group_id, record FROM _ledger ORDER BY group_id`)
	if err != nil {
		return nil, fmt.Errorf("list ledger records: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id, rec string
		if err := rows.Scan(&id, &rec); err != nil {
			return nil, err
		}
		out[id] = []byte(rec)
	}
	return out, rows.Err()
}
