package db

// SchemaVersion is the current schema version.
// Bump it and append to Migrations when the schema changes.
const SchemaVersion = 3

const schema = `
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    version INTEGER NOT NULL,
    attributes TEXT NOT NULL DEFAULT '{}',
    origin TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    entity_id TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL,
    origin TEXT NOT NULL,
    timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Migration is one forward schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations are applied in order to databases below SchemaVersion.
// Every statement must be safe to re-run.
var Migrations = []Migration{
	{
		Version:     2,
		Description: "record tombstones for deleted entities",
		SQL: `CREATE TABLE IF NOT EXISTS tombstones (
    entity_id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    deleted_at TEXT NOT NULL
);`,
	},
	{
		Version:     3,
		Description: "index activity by entity",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_activity_entity ON activity_log(entity_id, seq);`,
	},
}
