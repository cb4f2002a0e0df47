package rowstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/internal/partition"
	"github.com/lodgedb/lodgedb/internal/schema"
	"github.com/lodgedb/lodgedb/pkg/types"
)

func newMarketplaceStore(t *testing.T) (*Store, *partition.Router) {
	t.Helper()
	router := partition.NewRouter()
	store := NewStore(router)
	for _, tbl := range schema.Marketplace() {
		require.NoError(t, store.CreateTable(tbl))
	}
	return store, router
}

func insertUser(t *testing.T, s *Store, id int64, role string) {
	t.Helper()
	require.NoError(t, s.Insert("users", types.Row{
		id, "Ada", "Lovelace", "ada@example.com", role,
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func insertProperty(t *testing.T, s *Store, id, hostID int64) {
	t.Helper()
	require.NoError(t, s.Insert("properties", types.Row{
		id, hostID, "Sea Cottage", "Lisbon", 120.0,
		time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func insertBooking(t *testing.T, s *Store, id, propID, userID int64, start time.Time, status string) {
	t.Helper()
	require.NoError(t, s.Insert("bookings", types.Row{
		id, propID, userID, start, start.AddDate(0, 0, 7), 840.0, status,
	}))
}

func TestInsertAndGet(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "guest")

	row, err := s.Get("users", []types.Value{int64(1)}, s.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", row[3])
	assert.Equal(t, int64(1), s.RowCount("users"))
}

func TestInsert_DuplicatePrimaryKey(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "guest")

	err := s.Insert("users", types.Row{
		int64(1), "Eve", "Other", "eve@example.com", "host",
		time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.True(t, xerrors.IsConstraintViolation(err))
	assert.Equal(t, xerrors.CodeDuplicateKey, xerrors.GetCode(err))
}

func TestInsert_MissingForeignKey(t *testing.T) {
	s, _ := newMarketplaceStore(t)

	err := s.Insert("properties", types.Row{
		int64(10), int64(99), "Ghost House", "Nowhere", 50.0,
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.True(t, xerrors.IsConstraintViolation(err))
	assert.Equal(t, xerrors.CodeMissingReference, xerrors.GetCode(err))
}

func TestInsert_EnumCheck(t *testing.T) {
	s, _ := newMarketplaceStore(t)

	err := s.Insert("users", types.Row{
		int64(1), "Ada", "Lovelace", "ada@example.com", "superuser",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.True(t, xerrors.IsConstraintViolation(err))
	assert.Equal(t, xerrors.CodeCheckFailed, xerrors.GetCode(err))
}

func TestInsert_RatingRangeCheck(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "host")
	insertProperty(t, s, 10, 1)

	err := s.Insert("reviews", types.Row{
		int64(100), int64(10), int64(1), int64(6), "too good",
		time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.True(t, xerrors.IsConstraintViolation(err))

	require.NoError(t, s.Insert("reviews", types.Row{
		int64(100), int64(10), int64(1), int64(5), "great",
		time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func TestInsert_NullInNonNullableColumn(t *testing.T) {
	s, _ := newMarketplaceStore(t)

	err := s.Insert("users", types.Row{
		int64(1), nil, "Lovelace", "ada@example.com", "guest",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNullNotAllowed, xerrors.GetCode(err))
}

func TestInsert_NullableColumnAcceptsNil(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "host")
	insertProperty(t, s, 10, 1)

	// review comment is nullable
	require.NoError(t, s.Insert("reviews", types.Row{
		int64(100), int64(10), int64(1), int64(4), nil,
		time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func TestUpdate(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "guest")

	require.NoError(t, s.Update("users", []types.Value{int64(1)}, types.Patch{"role": "host"}))
	row, err := s.Get("users", []types.Value{int64(1)}, s.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, "host", row[4])
}

func TestUpdate_NotFound(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	err := s.Update("users", []types.Value{int64(42)}, types.Patch{"role": "host"})
	require.Error(t, err)
	assert.True(t, xerrors.IsNotFound(err))
	assert.Equal(t, xerrors.CodeRowNotFound, xerrors.GetCode(err))
}

func TestUpdate_PrimaryKeyImmutable(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "guest")

	err := s.Update("users", []types.Value{int64(1)}, types.Patch{"user_id": int64(2)})
	require.Error(t, err)
	assert.True(t, xerrors.IsConstraintViolation(err))
}

func TestUpdate_RevalidatesConstraints(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "guest")

	err := s.Update("users", []types.Value{int64(1)}, types.Patch{"role": "superuser"})
	require.Error(t, err)
	assert.True(t, xerrors.IsConstraintViolation(err))
}

func TestDelete_RestrictWithLiveReference(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "host")
	insertProperty(t, s, 10, 1)

	err := s.Delete("users", []types.Value{int64(1)})
	require.Error(t, err)
	assert.True(t, xerrors.IsConstraintViolation(err))
	assert.Equal(t, xerrors.CodeRestrictedDelete, xerrors.GetCode(err))

	// Deleting the property first unblocks the user delete.
	require.NoError(t, s.Delete("properties", []types.Value{int64(10)}))
	require.NoError(t, s.Delete("users", []types.Value{int64(1)}))
}

func TestDelete_CascadesToPayments(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "host")
	insertUser(t, s, 2, "guest")
	insertProperty(t, s, 10, 1)
	insertBooking(t, s, 100, 10, 2, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "confirmed")
	require.NoError(t, s.Insert("payments", types.Row{
		int64(1000), int64(100), 840.0,
		time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), "stripe",
	}))

	require.NoError(t, s.Delete("bookings", []types.Value{int64(100)}))

	_, err := s.Get("payments", []types.Value{int64(1000)}, s.Snapshot())
	assert.True(t, xerrors.IsNotFound(err))
	assert.Equal(t, int64(0), s.RowCount("payments"))
}

func TestDelete_NotFound(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	err := s.Delete("users", []types.Value{int64(42)})
	assert.True(t, xerrors.IsNotFound(err))
}

func TestSnapshotIsolation_DeleteInvisibleToOlderSnapshot(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "host")
	insertProperty(t, s, 10, 1)
	require.NoError(t, s.Insert("reviews", types.Row{
		int64(100), int64(10), int64(1), int64(4), "fine",
		time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
	}))

	before := s.Snapshot()
	require.NoError(t, s.Delete("reviews", []types.Value{int64(100)}))

	// A reader pinned before the delete still sees the review.
	row, err := s.Get("reviews", []types.Value{int64(100)}, before)
	require.NoError(t, err)
	assert.Equal(t, int64(4), row[3])

	// A fresh snapshot does not.
	_, err = s.Get("reviews", []types.Value{int64(100)}, s.Snapshot())
	assert.True(t, xerrors.IsNotFound(err))
}

func TestSnapshotIsolation_UpdateKeepsOldImage(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "guest")

	before := s.Snapshot()
	require.NoError(t, s.Update("users", []types.Value{int64(1)}, types.Patch{"role": "host"}))

	old, err := s.Get("users", []types.Value{int64(1)}, before)
	require.NoError(t, err)
	assert.Equal(t, "guest", old[4])

	cur, err := s.Get("users", []types.Value{int64(1)}, s.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, "host", cur[4])
}

func TestUpdate_MovesRowAcrossPartitions(t *testing.T) {
	s, router := newMarketplaceStore(t)
	set, err := partition.NewSet("bookings", "start_date", []partition.Range{
		{Name: "p_2023", Low: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), High: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Name: "p_2024", Low: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), High: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	router.Attach(set)

	insertUser(t, s, 1, "host")
	insertUser(t, s, 2, "guest")
	insertProperty(t, s, 10, 1)
	insertBooking(t, s, 100, 10, 2, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), "pending")

	var partsBefore []string
	require.NoError(t, s.ScanPartition("bookings", "p_2023", s.Snapshot(), func(ref types.RowRef, row types.Row) bool {
		partsBefore = append(partsBefore, ref.Partition)
		return true
	}))
	require.Len(t, partsBefore, 1)

	// Rescheduling into 2024 moves the row into the 2024 partition.
	require.NoError(t, s.Update("bookings", []types.Value{int64(100)},
		types.Patch{"start_date": time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}))

	snap := s.Snapshot()
	count2023, count2024 := 0, 0
	require.NoError(t, s.ScanPartition("bookings", "p_2023", snap, func(types.RowRef, types.Row) bool {
		count2023++
		return true
	}))
	require.NoError(t, s.ScanPartition("bookings", "p_2024", snap, func(types.RowRef, types.Row) bool {
		count2024++
		return true
	}))
	assert.Equal(t, 0, count2023)
	assert.Equal(t, 1, count2024)
}

func TestScanPartition_DeterministicOrder(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	for i := int64(1); i <= 5; i++ {
		insertUser(t, s, i, "guest")
	}

	collect := func() []int64 {
		var ids []int64
		require.NoError(t, s.ScanPartition("users", partition.DefaultPartition, s.Snapshot(),
			func(_ types.RowRef, row types.Row) bool {
				ids = append(ids, row[0].(int64))
				return true
			}))
		return ids
	}
	first := collect()
	assert.Equal(t, first, collect())
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, first)
}

func TestPartitionRefs(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	insertUser(t, s, 1, "guest")
	insertUser(t, s, 2, "guest")

	refs, err := s.PartitionRefs("users", partition.DefaultPartition)
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	snap := s.Snapshot()
	for _, ref := range refs {
		assert.NotNil(t, s.GetByRef("users", ref, snap))
	}
}

func TestUnknownTable(t *testing.T) {
	s, _ := newMarketplaceStore(t)
	_, err := s.Get("listings", []types.Value{int64(1)}, s.Snapshot())
	require.Error(t, err)
	assert.True(t, xerrors.IsNotFound(err))
	assert.Equal(t, xerrors.CodeUnknownTable, xerrors.GetCode(err))
}

// rejectingListener refuses every change, exercising the rollback path.
type rejectingListener struct{}

func (rejectingListener) OnRowChanged(*ChangeEvent) error {
	return xerrors.New(xerrors.KindConstraintViolation, xerrors.CodeDuplicateKey, "rejected")
}

func TestInsert_ListenerRejectionRollsBack(t *testing.T) {
	router := partition.NewRouter()
	s := NewStore(router)
	for _, tbl := range schema.Marketplace() {
		require.NoError(t, s.CreateTable(tbl))
	}
	s.AddListener(rejectingListener{})

	err := s.Insert("users", types.Row{
		int64(1), "Ada", "Lovelace", "ada@example.com", "guest",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)

	_, err = s.Get("users", []types.Value{int64(1)}, s.Snapshot())
	assert.True(t, xerrors.IsNotFound(err))
	assert.Equal(t, int64(0), s.RowCount("users"))
}

type updateRejectingListener struct{}

func (updateRejectingListener) OnRowChanged(ev *ChangeEvent) error {
	if ev.Type == RowUpdated {
		return xerrors.New(xerrors.KindConstraintViolation, xerrors.CodeDuplicateKey, "rejected")
	}
	return nil
}

func TestUpdate_ListenerRejectionRollsBack(t *testing.T) {
	router := partition.NewRouter()
	s := NewStore(router)
	for _, tbl := range schema.Marketplace() {
		require.NoError(t, s.CreateTable(tbl))
	}
	require.NoError(t, s.Insert("users", types.Row{
		int64(1), "Ada", "Lovelace", "ada@example.com", "guest",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.Insert("users", types.Row{
		int64(2), "Grace", "Hopper", "grace@example.com", "guest",
		time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
	}))
	s.AddListener(updateRejectingListener{})

	err := s.Update("users", []types.Value{int64(2)}, types.Patch{"email": "ada@example.com"})
	require.Error(t, err)

	row, err := s.Get("users", []types.Value{int64(2)}, s.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, "grace@example.com", row[3])

	// Later commits must not reveal a leftover delete stamp on the row.
	require.NoError(t, s.Insert("users", types.Row{
		int64(3), "Edsger", "Dijkstra", "edsger@example.com", "guest",
		time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC),
	}))
	row, err = s.Get("users", []types.Value{int64(2)}, s.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, "grace@example.com", row[3])
	assert.Equal(t, int64(3), s.RowCount("users"))
}
