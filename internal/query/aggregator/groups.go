package aggregator

import (
	"github.com/lodgedb/lodgedb/internal/query/planner"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Approximate per-group memory cost used for budget accounting.
const (
	groupOverheadBytes = 64
	groupValueBytes    = 24
)

type group struct {
	key  []types.Value
	accs []*Accumulator
}

// GroupTable is a hash aggregation table. Groups are emitted in first-seen
// order so results are deterministic for a fixed input order.
type GroupTable struct {
	groupBy []int
	aggCols []int
	aggs    []planner.Aggregate

	groups map[string]*group
	order  []string
	bytes  int64
}

// NewGroupTable creates an empty table. groupBy and aggCols hold pipeline
// column positions; aggCols entries of -1 mean COUNT(*).
func NewGroupTable(groupBy []int, aggs []planner.Aggregate, aggCols []int) *GroupTable {
	return &GroupTable{
		groupBy: groupBy,
		aggCols: aggCols,
		aggs:    aggs,
		groups:  make(map[string]*group),
	}
}

// Add folds one pipeline row into its group.
func (t *GroupTable) Add(row types.Row) {
	key := make([]types.Value, len(t.groupBy))
	for i, idx := range t.groupBy {
		key[i] = row[idx]
	}
	ks := types.EncodeKey(key)
	g, ok := t.groups[ks]
	if !ok {
		g = &group{key: key, accs: make([]*Accumulator, len(t.aggs))}
		for i, a := range t.aggs {
			g.accs[i] = NewAccumulator(a.Func)
		}
		t.groups[ks] = g
		t.order = append(t.order, ks)
		t.bytes += groupOverheadBytes + int64(groupValueBytes*(len(key)+len(t.aggs)))
	}
	accumulate(g.accs, t.aggCols, row)
}

// ApproxBytes returns the estimated memory held by the table.
func (t *GroupTable) ApproxBytes() int64 {
	return t.bytes
}

// Rows materializes one output row per group: group key values followed by
// aggregate results, in first-seen group order.
func (t *GroupTable) Rows() []types.Row {
	out := make([]types.Row, 0, len(t.order))
	for _, ks := range t.order {
		out = append(out, finishGroup(t.groups[ks]))
	}
	return out
}

// StreamingGroup aggregates an input already ordered by the grouping
// columns, holding one group at a time.
type StreamingGroup struct {
	groupBy []int
	aggCols []int
	aggs    []planner.Aggregate

	cur    *group
	curKey string
	open   bool
}

func NewStreamingGroup(groupBy []int, aggs []planner.Aggregate, aggCols []int) *StreamingGroup {
	return &StreamingGroup{groupBy: groupBy, aggCols: aggCols, aggs: aggs}
}

// Add folds one row in. When the row starts a new group the finished
// previous group is returned; otherwise the result is nil.
func (s *StreamingGroup) Add(row types.Row) types.Row {
	key := make([]types.Value, len(s.groupBy))
	for i, idx := range s.groupBy {
		key[i] = row[idx]
	}
	ks := types.EncodeKey(key)

	var done types.Row
	if !s.open || ks != s.curKey {
		if s.open {
			done = finishGroup(s.cur)
		}
		s.cur = &group{key: key, accs: make([]*Accumulator, len(s.aggs))}
		for i, a := range s.aggs {
			s.cur.accs[i] = NewAccumulator(a.Func)
		}
		s.curKey = ks
		s.open = true
	}
	accumulate(s.cur.accs, s.aggCols, row)
	return done
}

// Flush returns the final open group, if any.
func (s *StreamingGroup) Flush() types.Row {
	if !s.open {
		return nil
	}
	s.open = false
	return finishGroup(s.cur)
}

func accumulate(accs []*Accumulator, aggCols []int, row types.Row) {
	for i, acc := range accs {
		idx := aggCols[i]
		if idx < 0 {
			acc.Accumulate(int64(1))
		} else if idx < len(row) {
			acc.Accumulate(row[idx])
		}
	}
}

func finishGroup(g *group) types.Row {
	out := make(types.Row, 0, len(g.key)+len(g.accs))
	out = append(out, g.key...)
	for _, acc := range g.accs {
		out = append(out, acc.Result())
	}
	return out
}
