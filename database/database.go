// Package database provides SQLite persistence for thin-provisioning state.
//
// The registry records every pool and volume this host has created, so a
// restarted process can reattach to devices that outlived it and a gc pass
// can find orphaned bookkeeping entries. SQLite runs in WAL mode so status
// reads do not block lifecycle writes.
//
// Rows are never deleted on removal; they transition to a terminal state
// ('removed', or 'orphaned' for volumes whose pool bookkeeping entry could
// not be deleted). Uniqueness of names is enforced only among active rows,
// so a removed pool's name can be reused.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps the SQL database with helper methods for lifecycle state.
type DB struct {
	db   *sql.DB
	path string
}

// Config holds database configuration.
type Config struct {
	// Path to the SQLite database file.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "/var/lib/dmthin/state.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// New opens the database, applies pragmas for concurrent access and runs
// pending schema migrations.
func New(cfg Config) (*DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -10000",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	d := &DB{db: db, path: cfg.Path}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) initSchema() error {
	if _, err := d.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	migrations := []migration{
		{version: 1, description: "Initial schema", sql: initialSchema},
		{version: 2, description: "Add pool_locks table", sql: poolLocksSchema},
	}
	for _, m := range migrations {
		if err := d.runMigration(m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
	}
	return nil
}

type migration struct {
	version     int
	description string
	sql         string
}

func (d *DB) runMigration(m migration) error {
	var exists bool
	err := d.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if exists {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.version, m.description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// AcquirePoolLock takes an exclusive cross-process lock on a pool name.
// Concurrent workflows provisioning into the same pool contend on the
// control interface; the lock lets the loser hand off instead of racing.
// The lock is a row with a UNIQUE name, so a second acquirer gets an error
// naming the holder.
func (d *DB) AcquirePoolLock(ctx context.Context, poolName, lockedBy string) error {
	query := `INSERT INTO pool_locks (pool_name, locked_at, locked_by) VALUES (?, ?, ?)`
	_, err := d.db.ExecContext(ctx, query, poolName, time.Now().Unix(), lockedBy)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed") {
			var holder string
			var lockedAt int64
			queryLock := `SELECT locked_by, locked_at FROM pool_locks WHERE pool_name = ?`
			if scanErr := d.db.QueryRowContext(ctx, queryLock, poolName).Scan(&holder, &lockedAt); scanErr == nil {
				return fmt.Errorf("pool %s is already locked by %s (acquired at %s)", poolName, holder, time.Unix(lockedAt, 0).Format(time.RFC3339))
			}
			return fmt.Errorf("pool %s is already locked by another process", poolName)
		}
		return fmt.Errorf("failed to acquire pool lock: %w", err)
	}
	return nil
}

// ReleasePoolLock releases the lock for the given pool. Idempotent.
func (d *DB) ReleasePoolLock(ctx context.Context, poolName string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM pool_locks WHERE pool_name = ?`, poolName)
	if err != nil {
		return fmt.Errorf("failed to release pool lock: %w", err)
	}
	return nil
}

// IsPoolLocked reports whether the given pool is currently locked.
func (d *DB) IsPoolLocked(ctx context.Context, poolName string) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pool_locks WHERE pool_name = ?`, poolName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check pool lock: %w", err)
	}
	return count > 0, nil
}
