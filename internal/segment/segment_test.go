package segment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgedb/lodgedb/internal/catalog"
	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/internal/partition"
	"github.com/lodgedb/lodgedb/internal/rowstore"
	"github.com/lodgedb/lodgedb/internal/schema"
	"github.com/lodgedb/lodgedb/internal/storage"
	"github.com/lodgedb/lodgedb/pkg/types"
)

func usersTable(t *testing.T) *types.Table {
	t.Helper()
	for _, tbl := range schema.Marketplace() {
		if tbl.Name == "users" {
			return tbl
		}
	}
	t.Fatal("users table missing from marketplace schema")
	return nil
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tbl := usersTable(t)
	created := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	seg := &Segment{
		SegmentID: "seg-1",
		Table:     "users",
		Partition: partition.DefaultPartition,
		Columns:   []string{"user_id", "first_name", "last_name", "email", "role", "created_at"},
		Rows: []types.Row{
			{int64(1), "Ada", "Lovelace", "ada@example.com", "host", created},
			{int64(2), "Alan", "Turing", "alan@example.com", "guest", created},
		},
		CreatedAt: time.Now().UTC(),
	}

	data, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(data, tbl)
	require.NoError(t, err)
	assert.Equal(t, seg.SegmentID, got.SegmentID)
	require.Len(t, got.Rows, 2)

	// JSON flattens int64 to float64 and time to string; Decode must
	// restore the declared column types.
	assert.Equal(t, int64(1), got.Rows[0][0])
	ts, ok := got.Rows[0][5].(time.Time)
	require.True(t, ok, "created_at should decode as time.Time, got %T", got.Rows[0][5])
	assert.True(t, ts.Equal(created))
}

func TestDecode_CorruptedData(t *testing.T) {
	tbl := usersTable(t)
	_, err := Decode([]byte("not snappy at all"), tbl)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeSegmentCorrupted, xerrors.GetCode(err))
}

func TestDecode_TableMismatch(t *testing.T) {
	data, err := Encode(&Segment{SegmentID: "seg-1", Table: "bookings"})
	require.NoError(t, err)
	_, err = Decode(data, usersTable(t))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeSegmentCorrupted, xerrors.GetCode(err))
}

func TestDecode_ColumnCountMismatch(t *testing.T) {
	data, err := Encode(&Segment{
		SegmentID: "seg-1",
		Table:     "users",
		Rows:      []types.Row{{int64(1), "short"}},
	})
	require.NoError(t, err)
	_, err = Decode(data, usersTable(t))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeSegmentCorrupted, xerrors.GetCode(err))
}

type segEnv struct {
	store   *rowstore.Store
	catalog *catalog.Catalog
	objects *storage.LocalStorage
}

func newSegEnv(t *testing.T) *segEnv {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	objects, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	store := rowstore.NewStore(partition.NewRouter())
	for _, tbl := range schema.Marketplace() {
		require.NoError(t, store.CreateTable(tbl))
	}
	return &segEnv{store: store, catalog: cat, objects: objects}
}

func (e *segEnv) insertUsers(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, e.store.Insert("users", types.Row{
			int64(i), "First", "Last", "u@example.com", "guest",
			time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		}))
	}
}

func TestExportLoad_RoundTrip(t *testing.T) {
	src := newSegEnv(t)
	src.insertUsers(t, 5)
	ctx := context.Background()

	recs, err := NewExporter(src.store, src.catalog, src.objects).ExportTable(ctx, "users")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(5), recs[0].RowCount)
	assert.Positive(t, recs[0].SizeBytes)

	ok, err := src.objects.Exists(ctx, recs[0].ObjectPath)
	require.NoError(t, err)
	assert.True(t, ok)

	// Load into a fresh store sharing the same catalog and objects.
	dst := rowstore.NewStore(partition.NewRouter())
	for _, tbl := range schema.Marketplace() {
		require.NoError(t, dst.CreateTable(tbl))
	}
	n, err := NewLoader(dst, src.catalog, src.objects).LoadTable(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	row, err := dst.Get("users", []types.Value{int64(3)}, dst.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, int64(3), row[0])
}

func TestExport_CapturesSnapshotNotLaterWrites(t *testing.T) {
	env := newSegEnv(t)
	env.insertUsers(t, 3)
	ctx := context.Background()

	exporter := NewExporter(env.store, env.catalog, env.objects)
	snap := env.store.Snapshot()
	require.NoError(t, env.store.Insert("users", types.Row{
		int64(99), "Late", "Arrival", "late@example.com", "guest",
		time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	rec, err := exporter.Export(ctx, "users", partition.DefaultPartition, snap)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.RowCount)
}

func TestLoadTable_PicksNewestSegmentPerPartition(t *testing.T) {
	env := newSegEnv(t)
	env.insertUsers(t, 2)
	ctx := context.Background()

	exporter := NewExporter(env.store, env.catalog, env.objects)
	oldRec, err := exporter.Export(ctx, "users", partition.DefaultPartition, env.store.Snapshot())
	require.NoError(t, err)

	require.NoError(t, env.store.Insert("users", types.Row{
		int64(3), "Third", "User", "three@example.com", "guest",
		time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	newRec, err := exporter.Export(ctx, "users", partition.DefaultPartition, env.store.Snapshot())
	require.NoError(t, err)

	// Bump the new record well past the old one; second-granularity
	// timestamps would otherwise tie within the test.
	require.NoError(t, env.catalog.DeleteSegment(ctx, newRec.SegmentID))
	newRec.CreatedAt = oldRec.CreatedAt.Add(time.Hour)
	require.NoError(t, env.catalog.RecordSegment(ctx, newRec))

	dst := rowstore.NewStore(partition.NewRouter())
	for _, tbl := range schema.Marketplace() {
		require.NoError(t, dst.CreateTable(tbl))
	}
	n, err := NewLoader(dst, env.catalog, env.objects).LoadTable(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestGarbageCollector(t *testing.T) {
	env := newSegEnv(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	put := func(id string, created time.Time) catalog.SegmentRecord {
		rec := catalog.SegmentRecord{
			SegmentID:  id,
			Table:      "users",
			Partition:  partition.DefaultPartition,
			ObjectPath: ObjectPath("users", partition.DefaultPartition, id),
			RowCount:   1,
			SizeBytes:  10,
			CreatedAt:  created,
		}
		require.NoError(t, env.objects.Put(ctx, rec.ObjectPath, []byte("seg")))
		require.NoError(t, env.catalog.RecordSegment(ctx, rec))
		return rec
	}

	oldest := put("seg-a", base)
	middle := put("seg-b", base.Add(time.Hour))
	newest := put("seg-c", base.Add(2*time.Hour))

	res, err := NewGarbageCollector(env.catalog, env.objects, time.Nanosecond).Collect(ctx, "users")
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.ElementsMatch(t, []string{oldest.SegmentID, middle.SegmentID}, res.DeletedSegments)

	// The live segment object survives; the superseded ones are gone.
	ok, err := env.objects.Exists(ctx, newest.ObjectPath)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.objects.Exists(ctx, oldest.ObjectPath)
	require.NoError(t, err)
	assert.False(t, ok)

	recs, err := env.catalog.Segments(ctx, "users")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, newest.SegmentID, recs[0].SegmentID)
}

func TestGarbageCollector_TTLKeepsRecentSegments(t *testing.T) {
	env := newSegEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"seg-a", "seg-b"} {
		rec := catalog.SegmentRecord{
			SegmentID:  id,
			Table:      "users",
			Partition:  partition.DefaultPartition,
			ObjectPath: ObjectPath("users", partition.DefaultPartition, id),
			RowCount:   1,
			SizeBytes:  10,
			CreatedAt:  now.Add(time.Duration(i-1) * time.Minute),
		}
		require.NoError(t, env.objects.Put(ctx, rec.ObjectPath, []byte("seg")))
		require.NoError(t, env.catalog.RecordSegment(ctx, rec))
	}

	// Both segments sit well inside a one-day TTL.
	res, err := NewGarbageCollector(env.catalog, env.objects, 24*time.Hour).Collect(ctx, "users")
	require.NoError(t, err)
	assert.Empty(t, res.DeletedSegments)

	recs, err := env.catalog.Segments(ctx, "users")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
