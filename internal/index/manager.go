package index

import (
	"sync"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/internal/rowstore"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Definition declares an index: the table, the ordered column list, and
// whether key tuples must be unique among live rows.
type Definition struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// Index is one maintained ordered structure. usable is false while a
// deferred build is pending; the planner never picks an unusable index.
type Index struct {
	def    Definition
	colIdx []int

	mu     sync.RWMutex
	tree   *btree
	usable bool
}

// Definition returns the index declaration.
func (ix *Index) Definition() Definition { return ix.def }

// Usable reports whether the index is complete and planner-visible.
func (ix *Index) Usable() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.usable
}

// RowSource is the row store surface the manager needs for index builds.
type RowSource interface {
	Table(name string) (*types.Table, error)
	ScanTable(name string, snap rowstore.Snapshot, fn func(types.RowRef, types.Row) bool) error
	Snapshot() rowstore.Snapshot
}

// Manager owns every index and keeps them synchronized with the row store
// by consuming its change events. Index metadata is versioned: read-locked
// during planning, briefly write-locked during CreateIndex and Drop.
type Manager struct {
	source RowSource

	mu      sync.RWMutex
	byName  map[string]*Index
	byTable map[string][]*Index
	version uint64
}

// NewManager creates an index manager over the given row source. Register
// it as a row-store listener before traffic starts.
func NewManager(source RowSource) *Manager {
	return &Manager{
		source:  source,
		byName:  make(map[string]*Index),
		byTable: make(map[string][]*Index),
	}
}

// CreateIndex declares an index and builds it from the current rows.
// Fails with a DuplicateKey constraint violation when uniqueness is
// requested but duplicate composite values already exist.
//
// When deferred is true the index is registered but left unusable; the
// caller runs Build after its bulk load completes. A build must not run
// concurrently with mutations to the indexed table.
func (m *Manager) CreateIndex(def Definition, deferred bool) (*Index, error) {
	tbl, err := m.source.Table(def.Table)
	if err != nil {
		return nil, err
	}
	if len(def.Columns) == 0 {
		return nil, xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownColumn,
			"index %q declares no columns", def.Name)
	}
	colIdx := make([]int, len(def.Columns))
	for i, col := range def.Columns {
		idx := tbl.ColumnIndex(col)
		if idx < 0 {
			return nil, xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownColumn,
				"table %q has no column %q", def.Table, col)
		}
		colIdx[i] = idx
	}

	m.mu.Lock()
	if _, exists := m.byName[def.Name]; exists {
		m.mu.Unlock()
		return nil, xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeDuplicateKey,
			"index %q already exists", def.Name)
	}
	ix := &Index{def: def, colIdx: colIdx, tree: newBTree()}
	m.byName[def.Name] = ix
	m.byTable[def.Table] = append(m.byTable[def.Table], ix)
	m.version++
	m.mu.Unlock()

	if deferred {
		return ix, nil
	}
	if err := m.Build(def.Name); err != nil {
		m.drop(def.Name)
		return nil, err
	}
	return ix, nil
}

// Build populates a registered index from the current rows and marks it
// usable. Safe to call for a deferred index after bulk load.
func (m *Manager) Build(name string) error {
	ix, err := m.index(name)
	if err != nil {
		return err
	}

	snap := m.source.Snapshot()
	var buildErr error

	ix.mu.Lock()
	defer ix.mu.Unlock()

	err = m.source.ScanTable(ix.def.Table, snap, func(ref types.RowRef, row types.Row) bool {
		key := keyFor(row, ix.colIdx)
		if it := ix.tree.find(key); it != nil {
			for _, e := range it.entries {
				if e.ref == ref {
					return true // already indexed via a change event
				}
			}
			if ix.def.Unique && hasLive(it) {
				buildErr = xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeDuplicateKey,
					"unique index %q: duplicate key %v", ix.def.Name, key)
				return false
			}
		}
		ix.tree.insert(key, &entry{ref: ref})
		return true
	})
	if err != nil {
		return err
	}
	if buildErr != nil {
		return buildErr
	}

	ix.usable = true
	return nil
}

// Drop removes an index.
func (m *Manager) Drop(name string) error {
	if _, err := m.index(name); err != nil {
		return err
	}
	m.drop(name)
	return nil
}

func (m *Manager) drop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ix, ok := m.byName[name]
	if !ok {
		return
	}
	delete(m.byName, name)
	forTable := m.byTable[ix.def.Table]
	for i, other := range forTable {
		if other == ix {
			m.byTable[ix.def.Table] = append(forTable[:i], forTable[i+1:]...)
			break
		}
	}
	m.version++
}

// Lookup opens a cursor over the index for the given key range at the
// given snapshot.
func (m *Manager) Lookup(name string, rng KeyRange, snap rowstore.Snapshot) (*Cursor, error) {
	ix, err := m.index(name)
	if err != nil {
		return nil, err
	}
	return &Cursor{idx: ix, rng: rng, snap: uint64(snap)}, nil
}

// TableIndexes returns the usable indexes declared on a table.
func (m *Manager) TableIndexes(table string) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Index
	for _, ix := range m.byTable[table] {
		if ix.Usable() {
			out = append(out, ix)
		}
	}
	return out
}

// Definitions returns every index definition, for catalog persistence.
func (m *Manager) Definitions() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Definition, 0, len(m.byName))
	for _, ix := range m.byName {
		out = append(out, ix.def)
	}
	return out
}

// Version returns the metadata version, bumped on every DDL change.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func (m *Manager) index(name string) (*Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.byName[name]
	if !ok {
		return nil, xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownIndex, "index %q is not defined", name)
	}
	return ix, nil
}

// OnRowChanged applies a committed row change to every index on the
// affected table. Uniqueness is validated across all indexes before any
// structure is touched, so a rejection leaves the manager unchanged.
func (m *Manager) OnRowChanged(ev *rowstore.ChangeEvent) error {
	m.mu.RLock()
	indexes := m.byTable[ev.Table]
	m.mu.RUnlock()
	if len(indexes) == 0 {
		return nil
	}

	// Validation pass.
	for _, ix := range indexes {
		if !ix.def.Unique {
			continue
		}
		var key []types.Value
		switch ev.Type {
		case rowstore.RowInserted:
			key = keyFor(ev.Row, ix.colIdx)
		case rowstore.RowUpdated:
			newKey := keyFor(ev.Row, ix.colIdx)
			if types.CompareTuples(newKey, keyFor(ev.OldRow, ix.colIdx)) == 0 {
				continue
			}
			key = newKey
		default:
			continue
		}
		ix.mu.RLock()
		it := ix.tree.find(key)
		dup := it != nil && hasLive(it)
		ix.mu.RUnlock()
		if dup {
			return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeDuplicateKey,
				"unique index %q: duplicate key %v", ix.def.Name, key)
		}
	}

	// Apply pass.
	for _, ix := range indexes {
		ix.mu.Lock()
		switch ev.Type {
		case rowstore.RowInserted:
			ix.tree.insert(keyFor(ev.Row, ix.colIdx), &entry{ref: ev.Ref, created: ev.Seq})
		case rowstore.RowDeleted:
			markDeleted(ix, keyFor(ev.OldRow, ix.colIdx), ev.OldRef, ev.Seq)
		case rowstore.RowUpdated:
			oldKey := keyFor(ev.OldRow, ix.colIdx)
			newKey := keyFor(ev.Row, ix.colIdx)
			if types.CompareTuples(oldKey, newKey) != 0 || ev.OldRef != ev.Ref {
				markDeleted(ix, oldKey, ev.OldRef, ev.Seq)
				ix.tree.insert(newKey, &entry{ref: ev.Ref, created: ev.Seq})
			}
		}
		ix.mu.Unlock()
	}
	return nil
}

func markDeleted(ix *Index, key []types.Value, ref types.RowRef, seq uint64) {
	it := ix.tree.find(key)
	if it == nil {
		return
	}
	for _, e := range it.entries {
		if e.ref == ref && e.deleted == 0 {
			e.deleted = seq
		}
	}
}

func hasLive(it *item) bool {
	for _, e := range it.entries {
		if e.live() {
			return true
		}
	}
	return false
}

func keyFor(row types.Row, colIdx []int) []types.Value {
	key := make([]types.Value, len(colIdx))
	for i, idx := range colIdx {
		key[i] = row[idx]
	}
	return key
}
