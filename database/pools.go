package database

import (
	"context"
	"database/sql"
	"fmt"
)

const poolColumns = `id, name, metadata_backing_file, data_backing_file,
       metadata_device, data_device, metadata_size_bytes, data_size_bytes,
       block_size_sectors, state, created_at, removed_at, updated_at`

// RecordPool inserts a newly created pool. The partial unique index refuses
// a second active pool with the same name.
func (d *DB) RecordPool(ctx context.Context, rec PoolRecord) error {
	query := `
		INSERT INTO pools (name, metadata_backing_file, data_backing_file,
			metadata_device, data_device, metadata_size_bytes, data_size_bytes,
			block_size_sectors, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, query,
		rec.Name, rec.MetadataBackingFile, rec.DataBackingFile,
		rec.MetadataDevice, rec.DataDevice, rec.MetadataSizeBytes, rec.DataSizeBytes,
		rec.BlockSizeSectors, PoolStateActive,
	)
	if err != nil {
		return fmt.Errorf("failed to record pool %q: %w", rec.Name, err)
	}
	return nil
}

// MarkPoolRemoved moves the active pool row to the removed state.
// Idempotent: no active row is not an error.
func (d *DB) MarkPoolRemoved(ctx context.Context, name string) error {
	query := `
		UPDATE pools
		SET state = ?, removed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE name = ? AND state = ?
	`
	if _, err := d.db.ExecContext(ctx, query, PoolStateRemoved, name, PoolStateActive); err != nil {
		return fmt.Errorf("failed to mark pool %q removed: %w", name, err)
	}
	return nil
}

// GetPool fetches the active pool row by name, or nil when none exists.
func (d *DB) GetPool(ctx context.Context, name string) (*PoolRecord, error) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE name = ? AND state = ?`
	rec, err := scanPool(d.db.QueryRowContext(ctx, query, name, PoolStateActive))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pool %q: %w", name, err)
	}
	return rec, nil
}

// ListPools returns all active pools.
func (d *DB) ListPools(ctx context.Context) ([]PoolRecord, error) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE state = ? ORDER BY name`
	rows, err := d.db.QueryContext(ctx, query, PoolStateActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	defer rows.Close()

	var pools []PoolRecord
	for rows.Next() {
		rec, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pool row: %w", err)
		}
		pools = append(pools, *rec)
	}
	return pools, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*PoolRecord, error) {
	var rec PoolRecord
	var removedAt sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.Name, &rec.MetadataBackingFile, &rec.DataBackingFile,
		&rec.MetadataDevice, &rec.DataDevice, &rec.MetadataSizeBytes, &rec.DataSizeBytes,
		&rec.BlockSizeSectors, &rec.State, &rec.CreatedAt, &removedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if removedAt.Valid {
		rec.RemovedAt = &removedAt.Time
	}
	return &rec, nil
}
