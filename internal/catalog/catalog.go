package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/internal/group"
	"github.com/arkilian/colspec/internal/spec"
	"github.com/arkilian/colspec/pkg/types"
)

// Catalog tracks published snapshots.
type Catalog interface {
	// RegisterSnapshot records a published snapshot and its table schemas.
	RegisterSnapshot(ctx context.Context, rec *SnapshotRecord) error

	// GetSnapshot retrieves a snapshot by ID.
	GetSnapshot(ctx context.Context, snapshotID string) (*SnapshotRecord, error)

	// LatestSnapshot returns the newest snapshot of a group.
	LatestSnapshot(ctx context.Context, groupID string) (*SnapshotRecord, error)

	// ListSnapshots returns the snapshots of a group, newest first.
	ListSnapshots(ctx context.Context, groupID string) ([]*SnapshotRecord, error)

	// DeleteSnapshot removes a snapshot record and its table listing.
	DeleteSnapshot(ctx context.Context, snapshotID string) error

	// Close closes the catalog database connection.
	Close() error
}

// SnapshotRecord describes one published snapshot.
type SnapshotRecord struct {
	SnapshotID string
	GroupID    string
	ObjectPath string
	Version    uint64
	SizeBytes  int64
	Checksum   string
	TableCount int
	CreatedAt  time.Time

	// Tables is filled by RegisterSnapshot callers and by GetSnapshot.
	Tables []TableSchema
}

// TableSchema is the flattened schema of one table in a snapshot.
type TableSchema struct {
	Name    string         `json:"name"`
	Columns []ColumnSchema `json:"columns"`
}

// ColumnSchema describes one column. Table columns list their nested
// columns in Subcolumns.
type ColumnSchema struct {
	Name       string           `json:"name"`
	Type       string           `json:"type"`
	Attr       types.ColumnAttr `json:"attr,omitempty"`
	LinkTarget string           `json:"link_target,omitempty"`
	Subcolumns []ColumnSchema   `json:"subcolumns,omitempty"`
}

// DescribeGroup flattens the schema of every table in g.
func DescribeGroup(g *group.Group) []TableSchema {
	var tables []TableSchema
	for i := 0; i < g.TableCount(); i++ {
		t := g.TableAt(i)
		ts := TableSchema{Name: t.Name(), Columns: describeSpec(t.Schema())}
		for col := range ts.Columns {
			if !t.ColumnType(col).IsLink() {
				continue
			}
			if target, err := t.LinkTarget(col); err == nil {
				ts.Columns[col].LinkTarget = target.Name()
			}
		}
		tables = append(tables, ts)
	}
	return tables
}

func describeSpec(s spec.Reader) []ColumnSchema {
	cols := make([]ColumnSchema, s.ColumnCount())
	for i := range cols {
		cols[i] = ColumnSchema{
			Name: s.ColumnName(i),
			Type: s.ColumnType(i).String(),
			Attr: s.ColumnAttr(i),
		}
		if s.ColumnType(i) == types.TypeTable {
			cols[i].Subcolumns = describeSpec(s.Subtable(i))
		}
	}
	return cols
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // write connection (single writer)
	readDB *sql.DB // read connection pool
	dbPath string
	mu     sync.Mutex // serializes writes
}

// NewCatalog opens or creates the catalog database at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.NewCatalogError(errors.CodeCatalogWrite, "failed to open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLiteCatalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, errors.NewCatalogError(errors.CodeCatalogWrite, "failed to initialize schema", err)
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, errors.NewCatalogError(errors.CodeCatalogWrite, "failed to open read database", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	c.readDB = readDB

	log.Printf("catalog: opened %s", dbPath)
	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// RegisterSnapshot records rec and its table schemas in one transaction.
func (c *SQLiteCatalog) RegisterSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewCatalogError(errors.CodeCatalogWrite, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (
			snapshot_id, group_id, object_path, version,
			size_bytes, checksum, table_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SnapshotID, rec.GroupID, rec.ObjectPath, int64(rec.Version),
		rec.SizeBytes, rec.Checksum, rec.TableCount, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return errors.NewCatalogError(errors.CodeCatalogWrite,
			fmt.Sprintf("failed to insert snapshot %s", rec.SnapshotID), err)
	}

	for pos, ts := range rec.Tables {
		cols, err := json.Marshal(ts.Columns)
		if err != nil {
			return errors.NewCatalogError(errors.CodeCatalogWrite,
				fmt.Sprintf("failed to serialize schema of table %s", ts.Name), err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO snapshot_tables (snapshot_id, table_name, position, columns_json) VALUES (?, ?, ?, ?)",
			rec.SnapshotID, ts.Name, pos, string(cols),
		); err != nil {
			return errors.NewCatalogError(errors.CodeCatalogWrite,
				fmt.Sprintf("failed to insert table %s of snapshot %s", ts.Name, rec.SnapshotID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewCatalogError(errors.CodeCatalogWrite, "failed to commit transaction", err)
	}
	return nil
}

const selectSnapshotSQL = `
	SELECT snapshot_id, group_id, object_path, version,
		size_bytes, checksum, table_count, created_at
	FROM snapshots`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*SnapshotRecord, error) {
	var (
		rec       SnapshotRecord
		version   int64
		createdAt int64
	)
	if err := row.Scan(
		&rec.SnapshotID, &rec.GroupID, &rec.ObjectPath, &version,
		&rec.SizeBytes, &rec.Checksum, &rec.TableCount, &createdAt,
	); err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}

// GetSnapshot retrieves a snapshot and its table schemas.
func (c *SQLiteCatalog) GetSnapshot(ctx context.Context, snapshotID string) (*SnapshotRecord, error) {
	row := c.readDB.QueryRowContext(ctx, selectSnapshotSQL+" WHERE snapshot_id = ?", snapshotID)
	rec, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewCatalogError(errors.CodeSnapshotNotFound,
			fmt.Sprintf("snapshot %s not found", snapshotID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to scan snapshot: %w", err)
	}

	if rec.Tables, err = c.tables(ctx, snapshotID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *SQLiteCatalog) tables(ctx context.Context, snapshotID string) ([]TableSchema, error) {
	rows, err := c.readDB.QueryContext(ctx,
		"SELECT table_name, columns_json FROM snapshot_tables WHERE snapshot_id = ? ORDER BY position",
		snapshotID,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []TableSchema
	for rows.Next() {
		var (
			ts   TableSchema
			cols string
		)
		if err := rows.Scan(&ts.Name, &cols); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan table: %w", err)
		}
		if err := json.Unmarshal([]byte(cols), &ts.Columns); err != nil {
			return nil, fmt.Errorf("catalog: failed to decode schema of table %s: %w", ts.Name, err)
		}
		tables = append(tables, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating tables: %w", err)
	}
	return tables, nil
}

// LatestSnapshot returns the newest snapshot of groupID.
func (c *SQLiteCatalog) LatestSnapshot(ctx context.Context, groupID string) (*SnapshotRecord, error) {
	var id string
	err := c.readDB.QueryRowContext(ctx,
		"SELECT snapshot_id FROM snapshots WHERE group_id = ? ORDER BY created_at DESC, version DESC LIMIT 1",
		groupID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, errors.NewCatalogError(errors.CodeSnapshotNotFound,
			fmt.Sprintf("group %s has no snapshots", groupID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to find latest snapshot: %w", err)
	}
	return c.GetSnapshot(ctx, id)
}

// ListSnapshots returns the snapshots of groupID, newest first, without
// their table schemas.
func (c *SQLiteCatalog) ListSnapshots(ctx context.Context, groupID string) ([]*SnapshotRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		selectSnapshotSQL+" WHERE group_id = ? ORDER BY created_at DESC, version DESC",
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var recs []*SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to scan snapshot: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating snapshots: %w", err)
	}
	return recs, nil
}

// DeleteSnapshot removes a snapshot record. Deleting an unknown snapshot
// is not an error.
func (c *SQLiteCatalog) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewCatalogError(errors.CodeCatalogWrite, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_tables WHERE snapshot_id = ?", snapshotID); err != nil {
		return errors.NewCatalogError(errors.CodeCatalogWrite,
			fmt.Sprintf("failed to delete tables of snapshot %s", snapshotID), err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE snapshot_id = ?", snapshotID); err != nil {
		return errors.NewCatalogError(errors.CodeCatalogWrite,
			fmt.Sprintf("failed to delete snapshot %s", snapshotID), err)
	}
	if err := tx.Commit(); err != nil {
		return errors.NewCatalogError(errors.CodeCatalogWrite, "failed to commit transaction", err)
	}
	return nil
}

// SnapshotCount returns the number of snapshots of groupID.
func (c *SQLiteCatalog) SnapshotCount(ctx context.Context, groupID string) (int64, error) {
	var count int64
	if err := c.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM snapshots WHERE group_id = ?", groupID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("catalog: failed to count snapshots: %w", err)
	}
	return count, nil
}

// Close closes the read and write connections.
func (c *SQLiteCatalog) Close() error {
	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}
