package rowstore

import "github.com/lodgedb/lodgedb/pkg/types"

// ChangeType identifies the kind of row mutation carried by a ChangeEvent.
type ChangeType int

const (
	RowInserted ChangeType = iota
	RowUpdated
	RowDeleted
)

// ChangeEvent describes one committed row mutation. Events are delivered
// synchronously, inside the mutation's commit section, so listeners (index
// manager, statistics) are exactly as current as the row data when the
// mutation returns.
type ChangeEvent struct {
	Table string
	Type  ChangeType
	Seq   uint64

	// Ref locates the row after the mutation (insert/update).
	Ref types.RowRef

	// OldRef locates the row before the mutation (update/delete). For
	// updates that move the row across partitions, OldRef and Ref differ.
	OldRef types.RowRef

	// Row is the new row image (insert/update).
	Row types.Row

	// OldRow is the prior row image (update/delete).
	OldRow types.Row
}

// ChangeListener receives committed row changes. Returning an error aborts
// the mutation: the row store rolls the change back and surfaces the error
// to the caller.
type ChangeListener interface {
	OnRowChanged(ev *ChangeEvent) error
}

// WriteRouter is the partition router surface the row store needs: the
// partition-key column of a table and the owning partition for a value.
type WriteRouter interface {
	KeyColumn(table string) string
	RouteForWrite(table string, keyValue types.Value) string
}
