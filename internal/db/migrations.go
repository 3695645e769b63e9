package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

// GetSchemaVersion returns the schema version recorded in the database,
// or 0 when none has been recorded yet.
func (db *DB) GetSchemaVersion(ctx context.Context) (int, error) {
	var version string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		// Table might not exist yet
		return 0, nil
	}
	v, err := strconv.Atoi(version)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", version, err)
	}
	return v, nil
}

func (db *DB) setSchemaVersion(ctx context.Context, version int) error {
	_, err := db.conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		strconv.Itoa(version))
	return err
}

// RunMigrations creates the base schema and applies pending migrations,
// returning how many ran.
func (db *DB) RunMigrations(ctx context.Context) (int, error) {
	current, err := db.GetSchemaVersion(ctx)
	if err != nil {
		return 0, err
	}
	if current >= SchemaVersion {
		return 0, nil
	}

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return 0, fmt.Errorf("create schema: %w", err)
	}

	run := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		if _, err := db.conn.ExecContext(ctx, m.SQL); err != nil {
			return run, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := db.setSchemaVersion(ctx, m.Version); err != nil {
			return run, fmt.Errorf("set version %d: %w", m.Version, err)
		}
		run++
		slog.Debug("migration applied", "version", m.Version, "description", m.Description)
	}

	if err := db.setSchemaVersion(ctx, SchemaVersion); err != nil {
		return run, err
	}
	return run, nil
}
