// Package catalog persists engine metadata in a SQLite manifest: table
// definitions, index definitions, partition layouts, table statistics and
// shipped segment records. Row data never lives here.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/internal/index"
	"github.com/lodgedb/lodgedb/internal/partition"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Catalog is the SQLite-backed metadata store. One write connection keeps
// SQLite's single-writer discipline; reads go through a small read-only
// pool so metadata queries never queue behind writes.
type Catalog struct {
	db     *sql.DB
	readDB *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open opens (or creates) the manifest database at the given path.
func Open(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "open manifest", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "open manifest reader", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	c := &Catalog{db: db, readDB: readDB, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tables (
		name       TEXT PRIMARY KEY,
		definition TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS indexes (
		name       TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		definition TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_indexes_table ON indexes(table_name);

	CREATE TABLE IF NOT EXISTS partition_sets (
		table_name TEXT PRIMARY KEY,
		definition TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS table_stats (
		table_name TEXT PRIMARY KEY,
		row_count  INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS segments (
		segment_id  TEXT PRIMARY KEY,
		table_name  TEXT NOT NULL,
		partition   TEXT NOT NULL,
		object_path TEXT NOT NULL,
		row_count   INTEGER NOT NULL,
		size_bytes  INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_segments_table ON segments(table_name);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "init manifest schema", err)
	}
	return nil
}

// SaveTable upserts a table definition.
func (c *Catalog) SaveTable(ctx context.Context, tbl *types.Table) error {
	def, err := json.Marshal(tbl)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "encode table", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO tables (name, definition, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET definition = excluded.definition`,
		tbl.Name, string(def), time.Now().Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "save table", err)
	}
	return nil
}

// LoadTables returns every persisted table definition.
func (c *Catalog) LoadTables(ctx context.Context) ([]*types.Table, error) {
	rows, err := c.readDB.QueryContext(ctx, `SELECT definition FROM tables ORDER BY name`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "load tables", err)
	}
	defer rows.Close()

	var out []*types.Table
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "scan table row", err)
		}
		var tbl types.Table
		if err := json.Unmarshal([]byte(def), &tbl); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "decode table", err)
		}
		out = append(out, &tbl)
	}
	return out, rows.Err()
}

// SaveIndex upserts an index definition.
func (c *Catalog) SaveIndex(ctx context.Context, def index.Definition) error {
	blob, err := json.Marshal(def)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "encode index", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO indexes (name, table_name, definition, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET table_name = excluded.table_name, definition = excluded.definition`,
		def.Name, def.Table, string(blob), time.Now().Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "save index", err)
	}
	return nil
}

// DeleteIndex removes an index definition.
func (c *Catalog) DeleteIndex(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM indexes WHERE name = ?`, name); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "delete index", err)
	}
	return nil
}

// LoadIndexes returns every persisted index definition.
func (c *Catalog) LoadIndexes(ctx context.Context) ([]index.Definition, error) {
	rows, err := c.readDB.QueryContext(ctx, `SELECT definition FROM indexes ORDER BY name`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "load indexes", err)
	}
	defer rows.Close()

	var out []index.Definition
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "scan index row", err)
		}
		var def index.Definition
		if err := json.Unmarshal([]byte(blob), &def); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "decode index", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// SavePartitionSet upserts a table's partition layout.
func (c *Catalog) SavePartitionSet(ctx context.Context, set *partition.Set) error {
	blob, err := json.Marshal(set)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "encode partition set", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO partition_sets (table_name, definition, created_at) VALUES (?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET definition = excluded.definition`,
		set.Table, string(blob), time.Now().Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "save partition set", err)
	}
	return nil
}

// LoadPartitionSets returns every persisted partition layout. Range bounds
// travel through JSON, so each bound is re-normalized against the key
// column's declared type using the supplied table definitions.
func (c *Catalog) LoadPartitionSets(ctx context.Context, tables []*types.Table) ([]*partition.Set, error) {
	byName := make(map[string]*types.Table, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	rows, err := c.readDB.QueryContext(ctx, `SELECT definition FROM partition_sets ORDER BY table_name`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "load partition sets", err)
	}
	defer rows.Close()

	var out []*partition.Set
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "scan partition set row", err)
		}
		var set partition.Set
		if err := json.Unmarshal([]byte(blob), &set); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "decode partition set", err)
		}
		if tbl, ok := byName[set.Table]; ok {
			if ci := tbl.ColumnIndex(set.KeyColumn); ci >= 0 {
				ct := tbl.Columns[ci].Type
				for i := range set.Ranges {
					if v, err := types.Normalize(ct, set.Ranges[i].Low); err == nil {
						set.Ranges[i].Low = v
					}
					if v, err := types.Normalize(ct, set.Ranges[i].High); err == nil {
						set.Ranges[i].High = v
					}
				}
			}
		}
		out = append(out, &set)
	}
	return out, rows.Err()
}

// UpdateTableStats records the live row count of a table.
func (c *Catalog) UpdateTableStats(ctx context.Context, table string, rowCount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO table_stats (table_name, row_count, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET row_count = excluded.row_count, updated_at = excluded.updated_at`,
		table, rowCount, time.Now().Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "update table stats", err)
	}
	return nil
}

// TableStats returns the persisted row count per table.
func (c *Catalog) TableStats(ctx context.Context) (map[string]int64, error) {
	rows, err := c.readDB.QueryContext(ctx, `SELECT table_name, row_count FROM table_stats`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "load table stats", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "scan stats row", err)
		}
		out[name] = count
	}
	return out, rows.Err()
}

// SegmentRecord describes one exported segment object.
type SegmentRecord struct {
	SegmentID  string
	Table      string
	Partition  string
	ObjectPath string
	RowCount   int64
	SizeBytes  int64
	CreatedAt  time.Time
}

// RecordSegment registers an exported segment.
func (c *Catalog) RecordSegment(ctx context.Context, rec SegmentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO segments (segment_id, table_name, partition, object_path, row_count, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SegmentID, rec.Table, rec.Partition, rec.ObjectPath, rec.RowCount, rec.SizeBytes, rec.CreatedAt.Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "record segment", err)
	}
	return nil
}

// DeleteSegment removes one segment record.
func (c *Catalog) DeleteSegment(ctx context.Context, segmentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `DELETE FROM segments WHERE segment_id = ?`, segmentID)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "delete segment", err)
	}
	return nil
}

// Segments returns the segment records of one table, newest first.
func (c *Catalog) Segments(ctx context.Context, table string) ([]SegmentRecord, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT segment_id, table_name, partition, object_path, row_count, size_bytes, created_at
		FROM segments WHERE table_name = ? ORDER BY created_at DESC, segment_id`, table)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "load segments", err)
	}
	defer rows.Close()

	var out []SegmentRecord
	for rows.Next() {
		var rec SegmentRecord
		var created int64
		if err := rows.Scan(&rec.SegmentID, &rec.Table, &rec.Partition, &rec.ObjectPath,
			&rec.RowCount, &rec.SizeBytes, &created); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeCatalogFailure, "scan segment row", err)
		}
		rec.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes both database handles.
func (c *Catalog) Close() error {
	rerr := c.readDB.Close()
	werr := c.db.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
