package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopPredicates_OrdersByFrequency(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	for i := 0; i < 5; i++ {
		qs.RecordPredicate("bookings", "status", "=")
	}
	for i := 0; i < 3; i++ {
		qs.RecordPredicate("bookings", "start_date", ">=")
	}
	qs.RecordPredicate("users", "email", "=")

	top := qs.TopPredicates(2)
	require.Len(t, top, 2)
	assert.Equal(t, "status", top[0].Column)
	assert.Equal(t, int64(5), top[0].Frequency)
	assert.Equal(t, "start_date", top[1].Column)

	assert.Equal(t, 5, top[0].Operators["="])
	assert.Equal(t, 3, top[1].Operators[">="])
}

func TestTopPredicates_TiesBreakByName(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	qs.RecordPredicate("users", "email", "=")
	qs.RecordPredicate("bookings", "status", "=")

	top := qs.TopPredicates(10)
	require.Len(t, top, 2)
	assert.Equal(t, "bookings", top[0].Table)
	assert.Equal(t, "users", top[1].Table)
}

func TestTopPredicates_ReturnsCopies(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	qs.RecordPredicate("bookings", "status", "=")

	top := qs.TopPredicates(1)
	top[0].Operators["="] = 99

	again := qs.TopPredicates(1)
	assert.Equal(t, 1, again[0].Operators["="])
}

func TestSuggestIndexes(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	for i := 0; i < 10; i++ {
		qs.RecordPredicate("bookings", "status", "=")
	}
	for i := 0; i < 8; i++ {
		qs.RecordPredicate("bookings", "booking_id", "=")
	}
	qs.RecordPredicate("users", "email", "=")

	indexed := map[string]bool{"bookings.booking_id": true}
	sugg := qs.SuggestIndexes(5, 5, indexed)
	require.Len(t, sugg, 1)
	assert.Equal(t, "bookings", sugg[0].Table)
	assert.Equal(t, "status", sugg[0].Column)
	assert.Equal(t, int64(10), sugg[0].Frequency)
	assert.NotEmpty(t, sugg[0].Reason)
}

func TestSuggestIndexes_MinFrequencyFiltersColdColumns(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	qs.RecordPredicate("bookings", "status", "=")

	assert.Empty(t, qs.SuggestIndexes(5, 2, nil))
}

func TestPrune_DropsStaleEntries(t *testing.T) {
	qs := NewQueryStats(time.Millisecond)
	qs.RecordPredicate("bookings", "status", "=")
	time.Sleep(5 * time.Millisecond)
	qs.RecordPredicate("users", "email", "=")

	qs.Prune()
	top := qs.TopPredicates(10)
	require.Len(t, top, 1)
	assert.Equal(t, "email", top[0].Column)
}
