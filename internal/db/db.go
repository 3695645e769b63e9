// Package db is the SQLite storage backend for a replica: entities, the
// activity log and delete tombstones, written one mutation per transaction.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dbFile        = "statesync.db"
	defaultDriver = "sqlite"
)

// DB wraps the database connection
type DB struct {
	conn    *sql.DB
	dataDir string
	locker  *writeLocker
}

// Open opens (creating if needed) the database in dataDir, takes the
// directory lock and runs pending migrations.
func Open(ctx context.Context, dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	locker := newWriteLocker(dataDir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return nil, err
	}

	db, err := OpenDriver(ctx, defaultDriver, filepath.Join(dataDir, dbFile))
	if err != nil {
		locker.release()
		return nil, err
	}
	db.dataDir = dataDir
	db.locker = locker
	return db, nil
}

// OpenDriver opens dsn with the named database/sql driver, without a
// directory lock. Both modernc.org/sqlite ("sqlite") and
// mattn/go-sqlite3 ("sqlite3") work.
func OpenDriver(ctx context.Context, driver, dsn string) (*DB, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and writes serialized
	conn.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads while writes are serialized
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout as fallback protection (500ms, matches lock timeout)
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Slightly faster writes, still safe with WAL
	conn.ExecContext(ctx, "PRAGMA synchronous=NORMAL")

	db := &DB{conn: conn}
	if _, err := db.RunMigrations(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// New wraps an existing connection. The schema is assumed to exist.
func New(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database and releases the directory lock
func (db *DB) Close() error {
	err := db.conn.Close()
	if db.locker != nil {
		db.locker.release()
	}
	return err
}

// DataDir returns the directory the database lives in, if opened with Open
func (db *DB) DataDir() string {
	return db.dataDir
}
