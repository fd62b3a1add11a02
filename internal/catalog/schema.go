// Package catalog records published group snapshots in a SQLite database.
package catalog

// CreateSnapshotsTableSQL creates the snapshot registry. One row per
// published snapshot blob.
const CreateSnapshotsTableSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
    snapshot_id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL,
    object_path TEXT NOT NULL,
    version INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    checksum TEXT NOT NULL,
    table_count INTEGER NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateSnapshotTablesTableSQL creates the per-snapshot table schema
// listing, so schema history can be read without downloading blobs.
const CreateSnapshotTablesTableSQL = `
CREATE TABLE IF NOT EXISTS snapshot_tables (
    snapshot_id TEXT NOT NULL,
    table_name TEXT NOT NULL,
    position INTEGER NOT NULL,
    columns_json TEXT NOT NULL,
    PRIMARY KEY (snapshot_id, table_name),
    FOREIGN KEY (snapshot_id) REFERENCES snapshots(snapshot_id)
)`

// CreateSnapshotsIndexesSQL creates the lookup indexes.
var CreateSnapshotsIndexesSQL = []string{
	// latest snapshot of a group
	`CREATE INDEX IF NOT EXISTS idx_snapshots_group ON snapshots(group_id, created_at)`,

	`CREATE INDEX IF NOT EXISTS idx_snapshot_tables_name ON snapshot_tables(table_name)`,
}

// AllSchemaSQL returns all statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	statements := []string{
		CreateSnapshotsTableSQL,
		CreateSnapshotTablesTableSQL,
	}
	return append(statements, CreateSnapshotsIndexesSQL...)
}
