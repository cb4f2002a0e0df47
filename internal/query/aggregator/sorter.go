package aggregator

import (
	"sort"

	"github.com/lodgedb/lodgedb/internal/query/planner"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Sorter orders materialized rows by resolved sort keys. The sort is
// stable so rows equal under every key keep their input order.
type Sorter struct {
	keys []planner.SortKey
}

func NewSorter(keys []planner.SortKey) *Sorter {
	return &Sorter{keys: keys}
}

// Sort orders the rows in place.
func (s *Sorter) Sort(rows []types.Row) {
	if len(s.keys) == 0 || len(rows) <= 1 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range s.keys {
			var a, b types.Value
			if k.Col < len(rows[i]) {
				a = rows[i][k.Col]
			}
			if k.Col < len(rows[j]) {
				b = rows[j][k.Col]
			}
			cmp := types.Compare(a, b)
			if cmp == 0 {
				continue
			}
			if k.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// Trim applies offset then limit to an already ordered slice.
func Trim(rows []types.Row, limit, offset *int64) []types.Row {
	if offset != nil && *offset > 0 {
		off := int(*offset)
		if off >= len(rows) {
			return nil
		}
		rows = rows[off:]
	}
	if limit != nil && int(*limit) < len(rows) {
		rows = rows[:*limit]
	}
	return rows
}
