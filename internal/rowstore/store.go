// Package rowstore owns the physical storage of rows: multi-version tuples
// grouped into partition segments, validated against the declared schema on
// every mutation, with synchronous propagation to registered listeners.
package rowstore

import (
	"sync"
	"sync/atomic"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/internal/schema"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Snapshot pins a point-in-time view of the store. A reader holding
// snapshot s sees exactly the versions committed at or before s.
type Snapshot uint64

// version is one immutable row image with its visibility window.
type version struct {
	row     types.Row
	created uint64
	deleted uint64 // 0 while live
}

// chain is the version history of a single primary key within one segment.
type chain struct {
	versions []version
}

// visibleAt returns the row image visible at the given snapshot, or nil.
func (c *chain) visibleAt(seq uint64) types.Row {
	for i := len(c.versions) - 1; i >= 0; i-- {
		v := &c.versions[i]
		if v.created <= seq && (v.deleted == 0 || v.deleted > seq) {
			return v.row
		}
	}
	return nil
}

// segment holds the rows of one partition. keys preserves first-insert
// order so scans are deterministic across re-executions.
type segment struct {
	rows map[string]*chain
	keys []string
}

type tableState struct {
	schema    *types.Table
	validator *schema.Validator
	locks     *keyLocks
	rowCount  atomic.Int64

	mu    sync.RWMutex
	parts map[string]*segment
}

func (t *tableState) part(name string) *segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	seg, ok := t.parts[name]
	if !ok {
		seg = &segment{rows: make(map[string]*chain)}
		t.parts[name] = seg
	}
	return seg
}

// Store is the row store. Writes to the same primary key are serialized by
// striped key locks; the short commit section (sequence assignment, version
// append, listener fan-out) runs under a single commit mutex so snapshots
// observe the store and every index atomically.
type Store struct {
	router    WriteRouter
	listeners []ChangeListener

	mu     sync.RWMutex
	tables map[string]*tableState

	commitMu  sync.Mutex
	nextSeq   uint64
	committed atomic.Uint64
}

// NewStore creates an empty row store routing writes through the given
// partition router.
func NewStore(router WriteRouter) *Store {
	return &Store{
		router: router,
		tables: make(map[string]*tableState),
	}
}

// AddListener registers a change listener. Listeners must be registered
// before traffic starts; registration is not synchronized with mutations.
func (s *Store) AddListener(l ChangeListener) {
	s.listeners = append(s.listeners, l)
}

// CreateTable registers a table schema. Fails if the definition is unsound
// or the table already exists.
func (s *Store) CreateTable(tbl *types.Table) error {
	if err := tbl.Validate(); err != nil {
		return xerrors.Wrap(xerrors.KindConstraintViolation, xerrors.CodeCheckFailed, "invalid table definition", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[tbl.Name]; ok {
		return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeDuplicateKey, "table %q already exists", tbl.Name)
	}
	s.tables[tbl.Name] = &tableState{
		schema:    tbl,
		validator: schema.NewValidator(tbl),
		locks:     newKeyLocks(),
		parts:     make(map[string]*segment),
	}
	return nil
}

// Table returns the schema of a registered table.
func (s *Store) Table(name string) (*types.Table, error) {
	ts, err := s.state(name)
	if err != nil {
		return nil, err
	}
	return ts.schema, nil
}

// Tables returns every registered table schema.
func (s *Store) Tables() []*types.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Table, 0, len(s.tables))
	for _, ts := range s.tables {
		out = append(out, ts.schema)
	}
	return out
}

// Snapshot returns the current consistent read point.
func (s *Store) Snapshot() Snapshot {
	return Snapshot(s.committed.Load())
}

// RowCount returns the number of live rows in a table, used by the planner
// for join-side estimation.
func (s *Store) RowCount(table string) int64 {
	ts, err := s.state(table)
	if err != nil {
		return 0
	}
	return ts.rowCount.Load()
}

func (s *Store) state(table string) (*tableState, error) {
	s.mu.RLock()
	ts, ok := s.tables[table]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownTable, "table %q is not defined", table)
	}
	return ts, nil
}

// Insert validates and stores a new row. Fails with ConstraintViolation on
// a duplicate primary key, a missing foreign-key target, or a failed check
// constraint. The insert is committed only after every listener has applied
// the change.
func (s *Store) Insert(table string, row types.Row) error {
	ts, err := s.state(table)
	if err != nil {
		return err
	}

	normalized, err := ts.validator.NormalizeRow(row)
	if err != nil {
		return err
	}
	if err := ts.validator.ValidateRow(normalized); err != nil {
		return err
	}

	key := types.EncodeKey(ts.schema.PrimaryKeyValues(normalized))
	lock := ts.locks.lock(key)
	defer lock.Unlock()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	latest := s.committed.Load()
	partName := s.partitionFor(ts, normalized)
	seg := ts.part(partName)
	if ch, ok := seg.rows[key]; ok && ch.visibleAt(latest) != nil {
		return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeDuplicateKey,
			"table %q: primary key %v already exists", table, ts.schema.PrimaryKeyValues(normalized))
	}
	// The same key may live in another partition when the partition layout
	// admits it; primary keys are unique per table, not per segment.
	if other := s.findChain(ts, key, latest); other != nil {
		return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeDuplicateKey,
			"table %q: primary key %v already exists", table, ts.schema.PrimaryKeyValues(normalized))
	}

	if err := s.checkForeignKeys(ts, normalized, latest); err != nil {
		return err
	}

	s.nextSeq++
	seq := s.nextSeq

	ts.mu.Lock()
	ch, ok := seg.rows[key]
	if !ok {
		ch = &chain{}
		seg.rows[key] = ch
		seg.keys = append(seg.keys, key)
	}
	ch.versions = append(ch.versions, version{row: normalized, created: seq})
	ts.mu.Unlock()

	ev := &ChangeEvent{
		Table: table,
		Type:  RowInserted,
		Seq:   seq,
		Ref:   types.RowRef{Partition: partName, Key: key},
		Row:   normalized,
	}
	if err := s.notify(ev); err != nil {
		ts.mu.Lock()
		ch.versions = ch.versions[:len(ch.versions)-1]
		ts.mu.Unlock()
		return err
	}

	ts.rowCount.Add(1)
	s.committed.Store(seq)
	return nil
}

// Update applies a patch to the row with the given primary key. Fails with
// NotFound when the key is absent; constraints, including foreign keys, are
// re-validated against the patched row. Primary key columns are immutable.
func (s *Store) Update(table string, pk []types.Value, patch types.Patch) error {
	ts, err := s.state(table)
	if err != nil {
		return err
	}

	key := types.EncodeKey(pk)
	lock := ts.locks.lock(key)
	defer lock.Unlock()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	latest := s.committed.Load()
	oldPart, ch := s.locateChain(ts, key, latest)
	if ch == nil {
		return xerrors.Newf(xerrors.KindNotFound, xerrors.CodeRowNotFound,
			"table %q: no row with primary key %v", table, pk)
	}
	oldRow := ch.visibleAt(latest)

	updated := oldRow.Clone()
	for col, val := range patch {
		idx := ts.schema.ColumnIndex(col)
		if idx < 0 {
			return xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownColumn,
				"table %q has no column %q", table, col)
		}
		norm, nerr := types.Normalize(ts.schema.Columns[idx].Type, val)
		if nerr != nil {
			return xerrors.Wrap(xerrors.KindConstraintViolation, xerrors.CodeTypeMismatch, col, nerr)
		}
		updated[idx] = norm
	}

	for _, pkCol := range ts.schema.PrimaryKey {
		idx := ts.schema.ColumnIndex(pkCol)
		if types.Compare(updated[idx], oldRow[idx]) != 0 {
			return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeCheckFailed,
				"table %q: primary key column %q is immutable", table, pkCol)
		}
	}

	if err := ts.validator.ValidateRow(updated); err != nil {
		return err
	}
	if err := s.checkForeignKeys(ts, updated, latest); err != nil {
		return err
	}

	newPart := s.partitionFor(ts, updated)

	s.nextSeq++
	seq := s.nextSeq

	// Terminate the old version, then append the new image, possibly in a
	// different partition when the partition key changed.
	destSeg := ts.part(newPart)

	ts.mu.Lock()
	ch.versions[len(ch.versions)-1].deleted = seq
	dest, ok := destSeg.rows[key]
	if !ok {
		dest = &chain{}
		destSeg.rows[key] = dest
		destSeg.keys = append(destSeg.keys, key)
	}
	dest.versions = append(dest.versions, version{row: updated, created: seq})
	ts.mu.Unlock()

	ev := &ChangeEvent{
		Table:  table,
		Type:   RowUpdated,
		Seq:    seq,
		Ref:    types.RowRef{Partition: newPart, Key: key},
		OldRef: types.RowRef{Partition: oldPart, Key: key},
		Row:    updated,
		OldRow: oldRow,
	}
	if err := s.notify(ev); err != nil {
		// dest aliases ch when the partition did not change, and the
		// append above may have reallocated its backing array.
		ts.mu.Lock()
		dest.versions = dest.versions[:len(dest.versions)-1]
		ch.versions[len(ch.versions)-1].deleted = 0
		ts.mu.Unlock()
		return err
	}

	s.committed.Store(seq)
	return nil
}

// Delete removes the row with the given primary key. Restrict-policy
// references from live rows elsewhere reject the delete; cascade-policy
// references delete their dependents in the same commit.
func (s *Store) Delete(table string, pk []types.Value) error {
	ts, err := s.state(table)
	if err != nil {
		return err
	}

	key := types.EncodeKey(pk)
	lock := ts.locks.lock(key)
	defer lock.Unlock()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	latest := s.committed.Load()
	if _, ch := s.locateChain(ts, key, latest); ch == nil {
		return xerrors.Newf(xerrors.KindNotFound, xerrors.CodeRowNotFound,
			"table %q: no row with primary key %v", table, pk)
	}

	// Walk cascade edges to collect every victim, then verify no live
	// restrict reference points at any of them from outside the victim set.
	victims := make(map[string]victim)
	if err := s.collectVictims(table, key, latest, victims); err != nil {
		return err
	}

	s.nextSeq++
	seq := s.nextSeq

	var applied []*ChangeEvent
	rollback := func() {
		for _, ev := range applied {
			vts, _ := s.state(ev.Table)
			seg := vts.part(ev.OldRef.Partition)
			vts.mu.Lock()
			ch := seg.rows[ev.OldRef.Key]
			ch.versions[len(ch.versions)-1].deleted = 0
			vts.mu.Unlock()
			vts.rowCount.Add(1)
			inv := inverse(ev)
			for _, l := range s.listeners {
				l.OnRowChanged(inv) //nolint:errcheck
			}
		}
	}

	for _, v := range victims {
		vts, _ := s.state(v.table)
		part, ch := s.locateChain(vts, v.key, latest)
		vts.mu.Lock()
		oldRow := ch.visibleAt(latest)
		ch.versions[len(ch.versions)-1].deleted = seq
		vts.mu.Unlock()

		ev := &ChangeEvent{
			Table:  v.table,
			Type:   RowDeleted,
			Seq:    seq,
			OldRef: types.RowRef{Partition: part, Key: v.key},
			OldRow: oldRow,
		}
		if err := s.notify(ev); err != nil {
			vts.mu.Lock()
			ch.versions[len(ch.versions)-1].deleted = 0
			vts.mu.Unlock()
			rollback()
			return err
		}
		applied = append(applied, ev)
		vts.rowCount.Add(-1)
	}

	s.committed.Store(seq)
	return nil
}

type victim struct {
	table string
	key   string
}

// collectVictims adds (table, key) and, transitively, every cascade
// dependent to the victim set, failing when a restrict dependent exists.
func (s *Store) collectVictims(table, key string, latest uint64, victims map[string]victim) error {
	id := table + "\x00" + key
	if _, ok := victims[id]; ok {
		return nil
	}
	victims[id] = victim{table: table, key: key}

	ts, err := s.state(table)
	if err != nil {
		return err
	}
	_, ch := s.locateChain(ts, key, latest)
	if ch == nil {
		return nil
	}
	row := ch.visibleAt(latest)
	pkCol := ts.schema.PrimaryKey[0]
	pkVal := row[ts.schema.ColumnIndex(pkCol)]

	s.mu.RLock()
	states := make(map[string]*tableState, len(s.tables))
	for name, st := range s.tables {
		states[name] = st
	}
	s.mu.RUnlock()

	for name, st := range states {
		for _, fk := range st.schema.ReferencingKeys(table) {
			fkIdx := st.schema.ColumnIndex(fk.Column)
			deps := s.findReferencing(st, fkIdx, pkVal, latest)
			for _, depKey := range deps {
				depID := name + "\x00" + depKey
				if _, already := victims[depID]; already {
					continue
				}
				if fk.OnDelete == types.DeleteRestrict {
					return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeRestrictedDelete,
						"table %q row is still referenced by %q.%s", table, name, fk.Column)
				}
				if err := s.collectVictims(name, depKey, latest, victims); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// findReferencing returns the keys of live rows in ts whose column fkIdx
// equals val.
func (s *Store) findReferencing(ts *tableState, fkIdx int, val types.Value, latest uint64) []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var out []string
	for _, seg := range ts.parts {
		for _, key := range seg.keys {
			row := seg.rows[key].visibleAt(latest)
			if row != nil && types.Compare(row[fkIdx], val) == 0 {
				out = append(out, key)
			}
		}
	}
	return out
}

// Get returns the row with the given primary key as of the snapshot.
func (s *Store) Get(table string, pk []types.Value, snap Snapshot) (types.Row, error) {
	ts, err := s.state(table)
	if err != nil {
		return nil, err
	}
	key := types.EncodeKey(pk)
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for _, seg := range ts.parts {
		if ch, ok := seg.rows[key]; ok {
			if row := ch.visibleAt(uint64(snap)); row != nil {
				return row, nil
			}
		}
	}
	return nil, xerrors.Newf(xerrors.KindNotFound, xerrors.CodeRowNotFound,
		"table %q: no row with primary key %v", table, pk)
}

// GetByRef returns the row at the given reference as of the snapshot, or
// nil when the reference is no longer visible.
func (s *Store) GetByRef(table string, ref types.RowRef, snap Snapshot) types.Row {
	ts, err := s.state(table)
	if err != nil {
		return nil
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	seg, ok := ts.parts[ref.Partition]
	if !ok {
		return nil
	}
	ch, ok := seg.rows[ref.Key]
	if !ok {
		return nil
	}
	return ch.visibleAt(uint64(snap))
}

// ScanPartition streams every row of one partition visible at the snapshot,
// in deterministic (first-insert) order. The callback returns false to stop
// the scan early; it runs under the table read lock and must not write to
// the store.
func (s *Store) ScanPartition(table, part string, snap Snapshot, fn func(ref types.RowRef, row types.Row) bool) error {
	ts, err := s.state(table)
	if err != nil {
		return err
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	seg, ok := ts.parts[part]
	if !ok {
		return nil // empty partition
	}
	for _, key := range seg.keys {
		row := seg.rows[key].visibleAt(uint64(snap))
		if row == nil {
			continue
		}
		if !fn(types.RowRef{Partition: part, Key: key}, row) {
			return nil
		}
	}
	return nil
}

// ScanTable streams every visible row across all partitions of a table.
// Used for index builds and restrict checks; ordering is deterministic per
// partition but unspecified across partitions.
func (s *Store) ScanTable(table string, snap Snapshot, fn func(ref types.RowRef, row types.Row) bool) error {
	ts, err := s.state(table)
	if err != nil {
		return err
	}
	ts.mu.RLock()
	names := make([]string, 0, len(ts.parts))
	for name := range ts.parts {
		names = append(names, name)
	}
	ts.mu.RUnlock()

	stopped := false
	for _, name := range names {
		if stopped {
			break
		}
		if err := s.ScanPartition(table, name, snap, func(ref types.RowRef, row types.Row) bool {
			if !fn(ref, row) {
				stopped = true
				return false
			}
			return true
		}); err != nil {
			return err
		}
	}
	return nil
}

// PartitionRefs returns the row references of one partition in first-insert
// order, without resolving rows. Callers resolve each reference against a
// snapshot with GetByRef; references not visible at that snapshot resolve
// to nil.
func (s *Store) PartitionRefs(table, part string) ([]types.RowRef, error) {
	ts, err := s.state(table)
	if err != nil {
		return nil, err
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	seg, ok := ts.parts[part]
	if !ok {
		return nil, nil
	}
	refs := make([]types.RowRef, 0, len(seg.keys))
	for _, key := range seg.keys {
		refs = append(refs, types.RowRef{Partition: part, Key: key})
	}
	return refs, nil
}

// partitionFor resolves the owning partition of a row via the router.
func (s *Store) partitionFor(ts *tableState, row types.Row) string {
	keyCol := s.router.KeyColumn(ts.schema.Name)
	if keyCol == "" {
		return s.router.RouteForWrite(ts.schema.Name, nil)
	}
	idx := ts.schema.ColumnIndex(keyCol)
	if idx < 0 {
		return s.router.RouteForWrite(ts.schema.Name, nil)
	}
	return s.router.RouteForWrite(ts.schema.Name, row[idx])
}

// locateChain finds the segment and chain holding a visible version of the
// key. Returns ("", nil) when no version is visible at the snapshot.
func (s *Store) locateChain(ts *tableState, key string, snap uint64) (string, *chain) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for name, seg := range ts.parts {
		if ch, ok := seg.rows[key]; ok && ch.visibleAt(snap) != nil {
			return name, ch
		}
	}
	return "", nil
}

func (s *Store) findChain(ts *tableState, key string, snap uint64) *chain {
	_, ch := s.locateChain(ts, key, snap)
	return ch
}

// checkForeignKeys verifies every non-null foreign-key value against the
// referenced table's live rows.
func (s *Store) checkForeignKeys(ts *tableState, row types.Row, latest uint64) error {
	for _, fk := range ts.schema.ForeignKeys {
		val := row[ts.schema.ColumnIndex(fk.Column)]
		if val == nil {
			continue
		}
		refTS, err := s.state(fk.RefTable)
		if err != nil {
			return err
		}
		refKey := types.EncodeKey([]types.Value{val})
		if s.findChain(refTS, refKey, latest) == nil {
			return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeMissingReference,
				"table %q column %q: no %q row with %s = %v",
				ts.schema.Name, fk.Column, fk.RefTable, fk.RefColumn, val)
		}
	}
	return nil
}

// notify fans an event out to every listener. When a listener rejects the
// change (e.g. a unique index collision), listeners that already applied it
// receive the inverse event so no partial application survives.
func (s *Store) notify(ev *ChangeEvent) error {
	for i, l := range s.listeners {
		if err := l.OnRowChanged(ev); err != nil {
			inv := inverse(ev)
			for j := 0; j < i; j++ {
				s.listeners[j].OnRowChanged(inv) //nolint:errcheck
			}
			return err
		}
	}
	return nil
}

// inverse builds the compensating event for a rejected change.
func inverse(ev *ChangeEvent) *ChangeEvent {
	switch ev.Type {
	case RowInserted:
		return &ChangeEvent{Table: ev.Table, Type: RowDeleted, Seq: ev.Seq, OldRef: ev.Ref, OldRow: ev.Row}
	case RowUpdated:
		return &ChangeEvent{Table: ev.Table, Type: RowUpdated, Seq: ev.Seq,
			Ref: ev.OldRef, OldRef: ev.Ref, Row: ev.OldRow, OldRow: ev.Row}
	default:
		return &ChangeEvent{Table: ev.Table, Type: RowInserted, Seq: ev.Seq, Ref: ev.OldRef, Row: ev.OldRow}
	}
}
