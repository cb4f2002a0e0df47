package partition

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
)

func yearRanges(t *testing.T) []Range {
	t.Helper()
	var out []Range
	for y := 2022; y <= 2025; y++ {
		out = append(out, Range{
			Name: fmt.Sprintf("p_%d", y),
			Low:  time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC),
			High: time.Date(y+1, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	return out
}

func TestNewSet_RejectsOverlap(t *testing.T) {
	_, err := NewSet("bookings", "start_date", []Range{
		{Name: "a", Low: int64(0), High: int64(10)},
		{Name: "b", Low: int64(5), High: int64(15)},
	})
	require.Error(t, err)
	assert.True(t, xerrors.IsInvalidRange(err))
	assert.Equal(t, xerrors.CodeOverlappingRange, xerrors.GetCode(err))
}

func TestNewSet_RejectsInvertedBounds(t *testing.T) {
	_, err := NewSet("bookings", "start_date", []Range{
		{Name: "a", Low: int64(10), High: int64(10)},
	})
	require.Error(t, err)
	assert.True(t, xerrors.IsInvalidRange(err))
}

func TestNewSet_RejectsDuplicateName(t *testing.T) {
	_, err := NewSet("bookings", "start_date", []Range{
		{Name: "a", Low: int64(0), High: int64(5)},
		{Name: "a", Low: int64(5), High: int64(10)},
	})
	require.Error(t, err)
}

func TestLocate_YearPartitions(t *testing.T) {
	set, err := NewSet("bookings", "start_date", yearRanges(t))
	require.NoError(t, err)

	// 2024 booking lands in its year partition.
	assert.Equal(t, "p_2024", set.Locate(time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)))

	// A 2026 booking has no declared range and must land in the default
	// partition rather than be rejected.
	assert.Equal(t, DefaultPartition, set.Locate(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	// Boundary: exactly the low bound belongs, exactly the high bound does not.
	assert.Equal(t, "p_2022", set.Locate(time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "p_2023", set.Locate(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)))

	assert.Equal(t, DefaultPartition, set.Locate(nil))
}

func TestRouteForRead_EqualityPrunesToOne(t *testing.T) {
	r := NewRouter()
	set, err := NewSet("bookings", "start_date", yearRanges(t))
	require.NoError(t, err)
	r.Attach(set)

	parts := r.RouteForRead("bookings", &KeyBounds{Eq: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)})
	assert.Equal(t, []string{"p_2024"}, parts)

	// Equality outside every range routes to default only.
	parts = r.RouteForRead("bookings", &KeyBounds{Eq: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)})
	assert.Equal(t, []string{DefaultPartition}, parts)
}

func TestRouteForRead_RangeWithinDeclaredCoverExcludesDefault(t *testing.T) {
	r := NewRouter()
	set, err := NewSet("bookings", "start_date", yearRanges(t))
	require.NoError(t, err)
	r.Attach(set)

	parts := r.RouteForRead("bookings", &KeyBounds{
		Low:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		LowInc: true,
		High:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, []string{"p_2024"}, parts)
}

func TestRouteForRead_OpenRangeIncludesDefault(t *testing.T) {
	r := NewRouter()
	set, err := NewSet("bookings", "start_date", yearRanges(t))
	require.NoError(t, err)
	r.Attach(set)

	// start_date >= 2025-01-01 must touch p_2025 and the default partition,
	// where 2026+ bookings live.
	parts := r.RouteForRead("bookings", &KeyBounds{
		Low:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		LowInc: true,
	})
	assert.ElementsMatch(t, []string{"p_2025", DefaultPartition}, parts)
}

func TestRouteForRead_NoBoundsReturnsAll(t *testing.T) {
	r := NewRouter()
	set, err := NewSet("bookings", "start_date", yearRanges(t))
	require.NoError(t, err)
	r.Attach(set)

	parts := r.RouteForRead("bookings", nil)
	assert.Len(t, parts, 5)
	assert.Contains(t, parts, DefaultPartition)
}

func TestRouteForRead_UnpartitionedTable(t *testing.T) {
	r := NewRouter()
	assert.Equal(t, []string{DefaultPartition},
		r.RouteForRead("users", &KeyBounds{Eq: int64(1)}))
	assert.Equal(t, DefaultPartition, r.RouteForWrite("users", int64(1)))
	assert.Equal(t, "", r.KeyColumn("users"))
}

func TestAttach_BumpsVersion(t *testing.T) {
	r := NewRouter()
	v0 := r.Version()
	set, err := NewSet("bookings", "start_date", yearRanges(t))
	require.NoError(t, err)
	r.Attach(set)
	assert.Greater(t, r.Version(), v0)
}

// TestProperty_PruningIsSound checks that for any key value and any bounds,
// the partition the value routes to for writes is in the read set whenever
// the value satisfies the bounds.
func TestProperty_PruningIsSound(t *testing.T) {
	set, err := NewSet("m", "k", []Range{
		{Name: "p0", Low: int64(0), High: int64(100)},
		{Name: "p1", Low: int64(100), High: int64(200)},
		{Name: "p2", Low: int64(300), High: int64(400)},
	})
	require.NoError(t, err)
	r := NewRouter()
	r.Attach(set)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("routed write partition is in pruned read set", prop.ForAll(
		func(v, lo, hi int64) bool {
			if lo > hi {
				lo, hi = hi, lo
			}
			bounds := &KeyBounds{Low: lo, LowInc: true, High: hi, HighInc: true}
			if v < lo || v > hi {
				return true // value does not satisfy the predicate
			}
			target := r.RouteForWrite("m", v)
			for _, p := range r.RouteForRead("m", bounds) {
				if p == target {
					return true
				}
			}
			return false
		},
		gen.Int64Range(-100, 500),
		gen.Int64Range(-100, 500),
		gen.Int64Range(-100, 500),
	))

	properties.TestingRun(t)
}
