package types

// Row is an ordered tuple of column values, positionally aligned with the
// owning table's column list.
type Row []Value

// Patch is a partial row update keyed by column name.
type Patch map[string]Value

// RowRef locates a stored row: the partition segment holding it plus the
// encoded primary key within that segment.
type RowRef struct {
	Partition string
	Key       string
}

// Clone returns a shallow copy of the row. Values themselves are immutable
// scalars, so a shallow copy is sufficient for snapshot hand-off.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}
