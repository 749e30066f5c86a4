package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- pools table: every thin pool this host has created
CREATE TABLE IF NOT EXISTS pools (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    metadata_backing_file TEXT NOT NULL,
    data_backing_file TEXT NOT NULL,
    metadata_device TEXT NOT NULL,
    data_device TEXT NOT NULL,
    metadata_size_bytes INTEGER NOT NULL,
    data_size_bytes INTEGER NOT NULL,
    block_size_sectors INTEGER NOT NULL,
    state TEXT NOT NULL DEFAULT 'active',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    removed_at DATETIME,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (state IN ('active', 'removed')),
    CHECK (metadata_size_bytes > 0),
    CHECK (data_size_bytes > 0),
    CHECK (block_size_sectors > 0)
);

-- removed pools keep their rows; only active names must be unique
CREATE UNIQUE INDEX IF NOT EXISTS idx_pools_active_name ON pools(name) WHERE state = 'active';
CREATE INDEX IF NOT EXISTS idx_pools_name ON pools(name);
CREATE INDEX IF NOT EXISTS idx_pools_state ON pools(state);

-- volumes table: base volumes and snapshots, keyed into their pool
CREATE TABLE IF NOT EXISTS volumes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pool_name TEXT NOT NULL,
    name TEXT NOT NULL,
    device_id INTEGER NOT NULL,
    origin_device_id INTEGER,
    virtual_size_bytes INTEGER NOT NULL,
    state TEXT NOT NULL DEFAULT 'active',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    removed_at DATETIME,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (state IN ('active', 'removed', 'orphaned')),
    CHECK (device_id >= 0),
    CHECK (virtual_size_bytes > 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_volumes_active_name ON volumes(pool_name, name) WHERE state = 'active';
CREATE UNIQUE INDEX IF NOT EXISTS idx_volumes_active_device_id ON volumes(pool_name, device_id) WHERE state = 'active';
CREATE INDEX IF NOT EXISTS idx_volumes_pool_name ON volumes(pool_name);
CREATE INDEX IF NOT EXISTS idx_volumes_state ON volumes(state);
`

// poolLocksSchema adds the pool_locks table for cross-process concurrency
// control (version 2).
const poolLocksSchema = `
-- pool_locks table: exclusive locks for pools under mutation
CREATE TABLE IF NOT EXISTS pool_locks (
    pool_name TEXT PRIMARY KEY,
    locked_at INTEGER NOT NULL,
    locked_by TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pool_locks_locked_at ON pool_locks(locked_at);
`
