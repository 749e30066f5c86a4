package database

import (
	"context"
	"database/sql"
	"fmt"
)

const volumeColumns = `id, pool_name, name, device_id, origin_device_id,
       virtual_size_bytes, state, created_at, removed_at, updated_at`

// RecordVolume inserts a newly created volume or snapshot.
func (d *DB) RecordVolume(ctx context.Context, rec VolumeRecord) error {
	query := `
		INSERT INTO volumes (pool_name, name, device_id, origin_device_id,
			virtual_size_bytes, state)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	var originID any
	if rec.OriginDeviceID != nil {
		originID = int64(*rec.OriginDeviceID)
	}
	_, err := d.db.ExecContext(ctx, query,
		rec.PoolName, rec.Name, rec.DeviceID, originID,
		rec.VirtualSizeBytes, VolumeStateActive,
	)
	if err != nil {
		return fmt.Errorf("failed to record volume %q in pool %q: %w", rec.Name, rec.PoolName, err)
	}
	return nil
}

// MarkVolumeRemoved moves the active volume row to the removed state.
// Idempotent: no active row is not an error.
func (d *DB) MarkVolumeRemoved(ctx context.Context, poolName, name string) error {
	return d.setVolumeState(ctx, poolName, name, VolumeStateRemoved)
}

// MarkVolumeOrphaned flags a volume whose device node is gone but whose pool
// bookkeeping entry could not be deleted.
func (d *DB) MarkVolumeOrphaned(ctx context.Context, poolName, name string) error {
	return d.setVolumeState(ctx, poolName, name, VolumeStateOrphaned)
}

func (d *DB) setVolumeState(ctx context.Context, poolName, name, state string) error {
	query := `
		UPDATE volumes
		SET state = ?, removed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE pool_name = ? AND name = ? AND state = ?
	`
	if _, err := d.db.ExecContext(ctx, query, state, poolName, name, VolumeStateActive); err != nil {
		return fmt.Errorf("failed to mark volume %q %s: %w", name, state, err)
	}
	return nil
}

// GetVolume fetches the active volume row by name, or nil when none exists.
func (d *DB) GetVolume(ctx context.Context, poolName, name string) (*VolumeRecord, error) {
	query := `SELECT ` + volumeColumns + ` FROM volumes WHERE pool_name = ? AND name = ? AND state = ?`
	rec, err := scanVolume(d.db.QueryRowContext(ctx, query, poolName, name, VolumeStateActive))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query volume %q: %w", name, err)
	}
	return rec, nil
}

// ListVolumes returns the pool's active volumes.
func (d *DB) ListVolumes(ctx context.Context, poolName string) ([]VolumeRecord, error) {
	return d.listVolumesByState(ctx, poolName, VolumeStateActive)
}

// ListOrphanedVolumes returns volumes awaiting gc reconciliation.
func (d *DB) ListOrphanedVolumes(ctx context.Context, poolName string) ([]VolumeRecord, error) {
	return d.listVolumesByState(ctx, poolName, VolumeStateOrphaned)
}

// PoolsWithOrphans returns the names of pools that still have orphaned
// volume entries, including pools whose own row has since been removed.
func (d *DB) PoolsWithOrphans(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT pool_name FROM volumes WHERE state = ? ORDER BY pool_name`
	rows, err := d.db.QueryContext(ctx, query, VolumeStateOrphaned)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools with orphans: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan pool name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (d *DB) listVolumesByState(ctx context.Context, poolName, state string) ([]VolumeRecord, error) {
	query := `SELECT ` + volumeColumns + ` FROM volumes WHERE pool_name = ? AND state = ? ORDER BY device_id`
	rows, err := d.db.QueryContext(ctx, query, poolName, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes for pool %q: %w", poolName, err)
	}
	defer rows.Close()

	var volumes []VolumeRecord
	for rows.Next() {
		rec, err := scanVolume(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan volume row: %w", err)
		}
		volumes = append(volumes, *rec)
	}
	return volumes, rows.Err()
}

// LiveDeviceIDs returns the device IDs the pool currently considers taken:
// active volumes plus orphaned entries still occupying pool bookkeeping.
// Used to seed an allocator when reattaching to an adopted pool.
func (d *DB) LiveDeviceIDs(ctx context.Context, poolName string) ([]uint32, error) {
	query := `SELECT device_id FROM volumes WHERE pool_name = ? AND state IN (?, ?) ORDER BY device_id`
	rows, err := d.db.QueryContext(ctx, query, poolName, VolumeStateActive, VolumeStateOrphaned)
	if err != nil {
		return nil, fmt.Errorf("failed to list device IDs for pool %q: %w", poolName, err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountLiveVolumes counts the pool's active volumes.
func (d *DB) CountLiveVolumes(ctx context.Context, poolName string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM volumes WHERE pool_name = ? AND state = ?`
	if err := d.db.QueryRowContext(ctx, query, poolName, VolumeStateActive).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count volumes for pool %q: %w", poolName, err)
	}
	return count, nil
}

func scanVolume(row rowScanner) (*VolumeRecord, error) {
	var rec VolumeRecord
	var originID sql.NullInt64
	var removedAt sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.PoolName, &rec.Name, &rec.DeviceID, &originID,
		&rec.VirtualSizeBytes, &rec.State, &rec.CreatedAt, &removedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if originID.Valid {
		id := uint32(originID.Int64)
		rec.OriginDeviceID = &id
	}
	if removedAt.Valid {
		rec.RemovedAt = &removedAt.Time
	}
	return &rec, nil
}
