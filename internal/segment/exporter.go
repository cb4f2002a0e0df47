package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lodgedb/lodgedb/internal/catalog"
	"github.com/lodgedb/lodgedb/internal/rowstore"
	"github.com/lodgedb/lodgedb/internal/storage"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Exporter ships partition snapshots to object storage and records them in
// the catalog.
type Exporter struct {
	store   *rowstore.Store
	catalog *catalog.Catalog
	objects storage.ObjectStorage
}

func NewExporter(store *rowstore.Store, cat *catalog.Catalog, objects storage.ObjectStorage) *Exporter {
	return &Exporter{store: store, catalog: cat, objects: objects}
}

// ObjectPath returns the storage path of a segment.
func ObjectPath(table, part, segmentID string) string {
	return fmt.Sprintf("segments/%s/%s/%s.seg", table, part, segmentID)
}

// Export snapshots one partition and ships it. The segment sees exactly
// the rows visible at the given snapshot.
func (e *Exporter) Export(ctx context.Context, table, part string, snap rowstore.Snapshot) (catalog.SegmentRecord, error) {
	tbl, err := e.store.Table(table)
	if err != nil {
		return catalog.SegmentRecord{}, err
	}

	seg := &Segment{
		SegmentID: uuid.NewString(),
		Table:     table,
		Partition: part,
		CreatedAt: time.Now().UTC(),
	}
	for _, col := range tbl.Columns {
		seg.Columns = append(seg.Columns, col.Name)
	}
	err = e.store.ScanPartition(table, part, snap, func(ref types.RowRef, row types.Row) bool {
		seg.Rows = append(seg.Rows, row.Clone())
		return true
	})
	if err != nil {
		return catalog.SegmentRecord{}, err
	}

	data, err := Encode(seg)
	if err != nil {
		return catalog.SegmentRecord{}, err
	}
	path := ObjectPath(table, part, seg.SegmentID)
	if err := e.objects.Put(ctx, path, data); err != nil {
		return catalog.SegmentRecord{}, err
	}

	rec := catalog.SegmentRecord{
		SegmentID:  seg.SegmentID,
		Table:      table,
		Partition:  part,
		ObjectPath: path,
		RowCount:   int64(len(seg.Rows)),
		SizeBytes:  int64(len(data)),
		CreatedAt:  seg.CreatedAt,
	}
	if err := e.catalog.RecordSegment(ctx, rec); err != nil {
		return catalog.SegmentRecord{}, err
	}
	return rec, nil
}

// ExportTable ships every partition of a table at one snapshot.
func (e *Exporter) ExportTable(ctx context.Context, table string) ([]catalog.SegmentRecord, error) {
	snap := e.store.Snapshot()
	parts, err := e.partitions(table)
	if err != nil {
		return nil, err
	}
	var recs []catalog.SegmentRecord
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := e.Export(ctx, table, part, snap)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (e *Exporter) partitions(table string) ([]string, error) {
	if _, err := e.store.Table(table); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var parts []string
	err := e.store.ScanTable(table, e.store.Snapshot(), func(ref types.RowRef, row types.Row) bool {
		if !seen[ref.Partition] {
			seen[ref.Partition] = true
			parts = append(parts, ref.Partition)
		}
		return true
	})
	return parts, err
}
