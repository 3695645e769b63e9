package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/replica"
)

var _ replica.Storage = (*DB)(nil)

const (
	queryUpsertEntity = `INSERT INTO entities (id, state, version, attributes, origin, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    state = excluded.state,
    version = excluded.version,
    attributes = excluded.attributes,
    origin = excluded.origin,
    updated_at = excluded.updated_at`

	queryDeleteEntity = `DELETE FROM entities WHERE id = ?`

	queryUpsertTombstone = `INSERT INTO tombstones (entity_id, version, deleted_at)
VALUES (?, ?, ?)
ON CONFLICT(entity_id) DO UPDATE SET
    version = max(tombstones.version, excluded.version),
    deleted_at = excluded.deleted_at`

	queryInsertActivity = `INSERT INTO activity_log (id, entity_id, type, payload, version, origin, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	querySelectEntities   = `SELECT id, state, version, attributes, origin, updated_at FROM entities`
	querySelectActivity   = `SELECT id, entity_id, type, payload, version, origin, timestamp FROM activity_log ORDER BY seq`
	querySelectTombstones = `SELECT entity_id, version FROM tombstones`
)

// Commit writes m in a single transaction
func (db *DB) Commit(ctx context.Context, m replica.Mutation) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if m.Entity != nil {
		if err := upsertEntity(ctx, tx, *m.Entity); err != nil {
			return err
		}
	}
	if m.DeleteID != "" {
		if _, err := tx.ExecContext(ctx, queryDeleteEntity, m.DeleteID); err != nil {
			return fmt.Errorf("delete entity %s: %w", m.DeleteID, err)
		}
		if _, err := tx.ExecContext(ctx, queryUpsertTombstone, m.DeleteID, m.Tombstone, formatTimestamp(time.Now())); err != nil {
			return fmt.Errorf("tombstone %s: %w", m.DeleteID, err)
		}
	}
	for _, rec := range m.Records {
		if err := insertActivity(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertEntity(ctx context.Context, tx *sql.Tx, e models.Entity) error {
	attrs, err := json.Marshal(e.Attributes.Clone())
	if err != nil {
		return fmt.Errorf("marshal attributes %s: %w", e.ID, err)
	}
	_, err = tx.ExecContext(ctx, queryUpsertEntity,
		e.ID, string(e.State), e.Version, string(attrs), e.Origin, formatTimestamp(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", e.ID, err)
	}
	return nil
}

func insertActivity(ctx context.Context, tx *sql.Tx, rec models.ActivityRecord) error {
	payload := []byte("{}")
	if rec.Payload != nil {
		var err error
		if payload, err = json.Marshal(rec.Payload); err != nil {
			return fmt.Errorf("marshal payload %s: %w", rec.ID, err)
		}
	}
	_, err := tx.ExecContext(ctx, queryInsertActivity,
		rec.ID, rec.EntityID, string(rec.Type), string(payload), rec.Version, rec.Origin, formatTimestamp(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("insert activity %s: %w", rec.ID, err)
	}
	return nil
}

// Load reads every entity, activity record and tombstone
func (db *DB) Load(ctx context.Context) (replica.Snapshot, error) {
	var snap replica.Snapshot
	var err error

	if snap.Entities, err = db.loadEntities(ctx); err != nil {
		return replica.Snapshot{}, err
	}
	if snap.Activity, err = db.loadActivity(ctx); err != nil {
		return replica.Snapshot{}, err
	}
	if snap.Tombstones, err = db.loadTombstones(ctx); err != nil {
		return replica.Snapshot{}, err
	}
	return snap, nil
}

func (db *DB) loadEntities(ctx context.Context) ([]models.Entity, error) {
	rows, err := db.conn.QueryContext(ctx, querySelectEntities)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		var (
			e                  models.Entity
			state, attrs, when string
		)
		if err := rows.Scan(&e.ID, &state, &e.Version, &attrs, &e.Origin, &when); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.State = models.State(state)
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, fmt.Errorf("entity %s attributes: %w", e.ID, err)
		}
		if e.Attributes == nil {
			e.Attributes = models.Attributes{}
		}
		if e.UpdatedAt, err = parseTimestamp(when); err != nil {
			return nil, fmt.Errorf("entity %s updated_at: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (db *DB) loadActivity(ctx context.Context) ([]models.ActivityRecord, error) {
	rows, err := db.conn.QueryContext(ctx, querySelectActivity)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []models.ActivityRecord
	for rows.Next() {
		var (
			r                   models.ActivityRecord
			typ, payload, stamp string
		)
		if err := rows.Scan(&r.ID, &r.EntityID, &typ, &payload, &r.Version, &r.Origin, &stamp); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		r.Type = models.ActivityType(typ)
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, fmt.Errorf("activity %s payload: %w", r.ID, err)
		}
		if r.Timestamp, err = parseTimestamp(stamp); err != nil {
			return nil, fmt.Errorf("activity %s timestamp: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) loadTombstones(ctx context.Context) (map[string]int64, error) {
	rows, err := db.conn.QueryContext(ctx, querySelectTombstones)
	if err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var version int64
		if err := rows.Scan(&id, &version); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		out[id] = version
	}
	return out, rows.Err()
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}
