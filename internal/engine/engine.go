// Package engine wires the row store, index manager, partition router,
// planner and executor into one embeddable façade, with optional metadata
// persistence through the catalog and segment shipping through object
// storage.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/lodgedb/lodgedb/internal/catalog"
	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/internal/index"
	"github.com/lodgedb/lodgedb/internal/observability"
	"github.com/lodgedb/lodgedb/internal/partition"
	"github.com/lodgedb/lodgedb/internal/query/executor"
	"github.com/lodgedb/lodgedb/internal/query/planner"
	"github.com/lodgedb/lodgedb/internal/rowstore"
	"github.com/lodgedb/lodgedb/internal/segment"
	"github.com/lodgedb/lodgedb/internal/storage"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Options configures an engine.
type Options struct {
	// CatalogPath is the manifest database path. Empty runs the engine
	// fully in memory with no metadata persistence.
	CatalogPath string

	// MemoryBudget bounds per-query hash-join and sort buffers, in bytes.
	// Zero disables the limit.
	MemoryBudget int64

	// Objects enables segment export and restore when set.
	Objects storage.ObjectStorage

	// Stats receives predicate frequencies when set.
	Stats *observability.QueryStats
}

// Engine is the embeddable storage and query engine.
type Engine struct {
	router  *partition.Router
	store   *rowstore.Store
	indexes *index.Manager
	planner *planner.Planner
	exec    *executor.Executor
	catalog *catalog.Catalog
	objects storage.ObjectStorage
	stats   *observability.QueryStats

	// ddlMu serializes schema changes, partition attachment and bulk
	// loads against each other. Row mutations and queries do not take it.
	ddlMu sync.Mutex
}

// New creates an engine and, when a catalog path is configured, restores
// tables, partition layouts and index definitions from the manifest.
func New(ctx context.Context, opts Options) (*Engine, error) {
	router := partition.NewRouter()
	store := rowstore.NewStore(router)
	indexes := index.NewManager(store)
	store.AddListener(indexes)

	e := &Engine{
		router:  router,
		store:   store,
		indexes: indexes,
		planner: planner.New(store, indexes, router, opts.MemoryBudget),
		exec:    executor.New(store, indexes),
		objects: opts.Objects,
		stats:   opts.Stats,
	}

	if opts.CatalogPath != "" {
		cat, err := catalog.Open(opts.CatalogPath)
		if err != nil {
			return nil, err
		}
		e.catalog = cat
		if err := e.restore(ctx); err != nil {
			cat.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) restore(ctx context.Context) error {
	tables, err := e.catalog.LoadTables(ctx)
	if err != nil {
		return err
	}
	for _, tbl := range tables {
		if err := e.store.CreateTable(tbl); err != nil {
			return err
		}
	}

	sets, err := e.catalog.LoadPartitionSets(ctx, tables)
	if err != nil {
		return err
	}
	for _, set := range sets {
		e.router.Attach(set)
	}

	defs, err := e.catalog.LoadIndexes(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		// The store is empty at this point, builds are trivial.
		if _, err := e.indexes.CreateIndex(def, false); err != nil {
			return err
		}
	}
	return nil
}

// PrimaryKeyIndexName returns the name of the implicit unique index backing
// a table's primary key.
func PrimaryKeyIndexName(table string) string {
	return "pk_" + table
}

// CreateTable registers a table and its implicit unique primary-key index.
func (e *Engine) CreateTable(ctx context.Context, tbl *types.Table) error {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	if err := e.store.CreateTable(tbl); err != nil {
		return err
	}
	pkDef := index.Definition{
		Name:    PrimaryKeyIndexName(tbl.Name),
		Table:   tbl.Name,
		Columns: append([]string(nil), tbl.PrimaryKey...),
		Unique:  true,
	}
	if _, err := e.indexes.CreateIndex(pkDef, false); err != nil {
		return err
	}

	if e.catalog != nil {
		if err := e.catalog.SaveTable(ctx, tbl); err != nil {
			return err
		}
		if err := e.catalog.SaveIndex(ctx, pkDef); err != nil {
			return err
		}
	}
	return nil
}

// AttachPartitions declares the range layout of a table. The layout must be
// declared before the table holds rows; re-routing live rows is not
// supported.
func (e *Engine) AttachPartitions(ctx context.Context, table, keyColumn string, ranges []partition.Range) error {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	tbl, err := e.store.Table(table)
	if err != nil {
		return err
	}
	ci := tbl.ColumnIndex(keyColumn)
	if ci < 0 {
		return xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownColumn,
			"table %q has no column %q", table, keyColumn)
	}
	if e.store.RowCount(table) > 0 {
		return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeCheckFailed,
			"table %q already holds rows, attach partitions before loading", table)
	}
	ct := tbl.Columns[ci].Type
	normalized := make([]partition.Range, len(ranges))
	for i, r := range ranges {
		normalized[i] = r
		if v, nerr := types.Normalize(ct, r.Low); nerr == nil {
			normalized[i].Low = v
		}
		if v, nerr := types.Normalize(ct, r.High); nerr == nil {
			normalized[i].High = v
		}
	}
	set, err := partition.NewSet(table, keyColumn, normalized)
	if err != nil {
		return err
	}
	e.router.Attach(set)

	if e.catalog != nil {
		return e.catalog.SavePartitionSet(ctx, set)
	}
	return nil
}

// CreateIndex builds a secondary index over the table's current rows.
func (e *Engine) CreateIndex(ctx context.Context, def index.Definition) error {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	if _, err := e.indexes.CreateIndex(def, false); err != nil {
		return err
	}
	if e.catalog != nil {
		return e.catalog.SaveIndex(ctx, def)
	}
	return nil
}

// DropIndex removes a secondary index. Primary-key indexes cannot be
// dropped.
func (e *Engine) DropIndex(ctx context.Context, name string) error {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	for _, tbl := range e.store.Tables() {
		if name == PrimaryKeyIndexName(tbl.Name) {
			return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeCheckFailed,
				"index %q backs the primary key of %q and cannot be dropped", name, tbl.Name)
		}
	}
	if err := e.indexes.Drop(name); err != nil {
		return err
	}
	if e.catalog != nil {
		return e.catalog.DeleteIndex(ctx, name)
	}
	return nil
}

// Insert adds one row.
func (e *Engine) Insert(ctx context.Context, table string, row types.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.store.Insert(table, row)
}

// Update patches the row with the given primary key.
func (e *Engine) Update(ctx context.Context, table string, pk []types.Value, patch types.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.store.Update(table, pk, patch)
}

// Delete removes the row with the given primary key, cascading where the
// schema says so.
func (e *Engine) Delete(ctx context.Context, table string, pk []types.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.store.Delete(table, pk)
}

// Get returns one row by primary key at the current snapshot.
func (e *Engine) Get(ctx context.Context, table string, pk []types.Value) (types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.store.Get(table, pk, e.store.Snapshot())
}

// Query plans and lazily executes a structured query.
func (e *Engine) Query(ctx context.Context, q *planner.Query) (*executor.Result, error) {
	e.recordPredicates(q)
	plan, err := e.planner.Plan(q)
	if err != nil {
		return nil, err
	}
	return e.exec.Execute(ctx, plan)
}

// Explain plans a query and describes the plan without executing it.
func (e *Engine) Explain(ctx context.Context, q *planner.Query) (*planner.Explain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan, err := e.planner.Plan(q)
	if err != nil {
		return nil, err
	}
	return plan.Explain(), nil
}

func (e *Engine) recordPredicates(q *planner.Query) {
	if e.stats == nil {
		return
	}
	for _, p := range q.Where {
		table, column := q.Table, p.Column
		if t, c, ok := splitQualified(p.Column); ok {
			table, column = t, c
		}
		e.stats.RecordPredicate(table, column, string(p.Op))
	}
}

func splitQualified(name string) (table, column string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			if i == 0 || i == len(name)-1 {
				return "", "", false
			}
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}

// BulkLoad inserts many rows with the table's indexes deferred, then
// rebuilds them once. Constraints are still enforced per row. Concurrent
// single-row writes to the same table remain safe: deferred indexes keep
// receiving change events and the rebuild deduplicates by row reference.
func (e *Engine) BulkLoad(ctx context.Context, table string, rows []types.Row) (int64, error) {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	if _, err := e.store.Table(table); err != nil {
		return 0, err
	}

	var loaded int64
	err := e.withDeferredIndexes(table, func() error {
		for i, row := range rows {
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if err := e.store.Insert(table, row); err != nil {
				return err
			}
			loaded++
		}
		return nil
	})
	return loaded, err
}

// withDeferredIndexes re-registers every index of the table as deferred,
// runs the load, then rebuilds. Callers hold ddlMu.
func (e *Engine) withDeferredIndexes(table string, load func() error) error {
	var defs []index.Definition
	for _, ix := range e.indexes.TableIndexes(table) {
		defs = append(defs, ix.Definition())
	}
	for _, def := range defs {
		if err := e.indexes.Drop(def.Name); err != nil {
			return err
		}
		if _, err := e.indexes.CreateIndex(def, true); err != nil {
			return err
		}
	}

	loadErr := load()

	// Rebuild even after a partial load so already inserted rows stay
	// indexed.
	for _, def := range defs {
		if err := e.indexes.Build(def.Name); err != nil {
			if loadErr == nil {
				loadErr = err
			}
		}
	}
	return loadErr
}

// ExportTable ships every partition of a table to object storage.
func (e *Engine) ExportTable(ctx context.Context, table string) ([]catalog.SegmentRecord, error) {
	if e.objects == nil || e.catalog == nil {
		return nil, xerrors.New(xerrors.KindInternal, xerrors.CodeStorageFailure,
			"segment export requires object storage and a catalog")
	}
	return segment.NewExporter(e.store, e.catalog, e.objects).ExportTable(ctx, table)
}

// RestoreTable loads the newest shipped segment of every partition back
// into the table, rebuilding indexes once afterwards.
func (e *Engine) RestoreTable(ctx context.Context, table string) (int64, error) {
	if e.objects == nil || e.catalog == nil {
		return 0, xerrors.New(xerrors.KindInternal, xerrors.CodeStorageFailure,
			"segment restore requires object storage and a catalog")
	}
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	if _, err := e.store.Table(table); err != nil {
		return 0, err
	}
	loader := segment.NewLoader(e.store, e.catalog, e.objects)
	var loaded int64
	err := e.withDeferredIndexes(table, func() error {
		n, lerr := loader.LoadTable(ctx, table)
		loaded = n
		return lerr
	})
	return loaded, err
}

// CollectGarbage removes superseded segment objects for a table. Segments
// newer than ttl are kept even when superseded.
func (e *Engine) CollectGarbage(ctx context.Context, table string, ttl time.Duration) (segment.GCResult, error) {
	if e.objects == nil || e.catalog == nil {
		return segment.GCResult{}, xerrors.New(xerrors.KindInternal, xerrors.CodeStorageFailure,
			"segment gc requires object storage and a catalog")
	}
	if _, err := e.store.Table(table); err != nil {
		return segment.GCResult{}, err
	}
	return segment.NewGarbageCollector(e.catalog, e.objects, ttl).Collect(ctx, table)
}

// SuggestIndexes returns hot predicate columns with no leading index.
func (e *Engine) SuggestIndexes(n int, minFrequency int64) []observability.IndexSuggestion {
	if e.stats == nil {
		return nil
	}
	indexed := make(map[string]bool)
	for _, def := range e.indexes.Definitions() {
		if len(def.Columns) > 0 {
			indexed[def.Table+"."+def.Columns[0]] = true
		}
	}
	return e.stats.SuggestIndexes(n, minFrequency, indexed)
}

// TableInfo describes one table for introspection endpoints.
type TableInfo struct {
	Table      *types.Table       `json:"table"`
	RowCount   int64              `json:"row_count"`
	Indexes    []index.Definition `json:"indexes"`
	Partitions []string           `json:"partitions"`
}

// Tables returns every table with its row count, indexes and partitions.
func (e *Engine) Tables() []TableInfo {
	var out []TableInfo
	for _, tbl := range e.store.Tables() {
		info := TableInfo{Table: tbl, RowCount: e.store.RowCount(tbl.Name)}
		for _, ix := range e.indexes.TableIndexes(tbl.Name) {
			info.Indexes = append(info.Indexes, ix.Definition())
		}
		if set := e.router.Set(tbl.Name); set != nil {
			info.Partitions = set.PartitionNames()
		} else {
			info.Partitions = []string{partition.DefaultPartition}
		}
		out = append(out, info)
	}
	return out
}

// Store exposes the row store for tests and embedders.
func (e *Engine) Store() *rowstore.Store { return e.store }

// Indexes exposes the index manager.
func (e *Engine) Indexes() *index.Manager { return e.indexes }

// Close persists table statistics and releases the catalog.
func (e *Engine) Close(ctx context.Context) error {
	if e.catalog == nil {
		return nil
	}
	for _, tbl := range e.store.Tables() {
		if err := e.catalog.UpdateTableStats(ctx, tbl.Name, e.store.RowCount(tbl.Name)); err != nil {
			return err
		}
	}
	return e.catalog.Close()
}
