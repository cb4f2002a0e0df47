package executor

import (
	"context"

	"github.com/lodgedb/lodgedb/internal/bloom"
	"github.com/lodgedb/lodgedb/internal/index"
	"github.com/lodgedb/lodgedb/internal/query/planner"
	"github.com/lodgedb/lodgedb/internal/rowstore"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// hashJoinIter builds a hash table over the inner side, then streams the
// outer side through it. The build is charged against the memory budget; a
// bloom filter over the build keys rejects most non-matching probes before
// the map lookup.
type hashJoinIter struct {
	exec  *Executor
	step  planner.JoinStep
	snap  rowstore.Snapshot
	outer rowIter
	mem   *memAccount

	scanned *int64
	built   bool
	table   map[string][]types.Row
	filter  *bloom.Filter
	bytes   int64
	pending []types.Row
}

func (it *hashJoinIter) build(ctx context.Context) error {
	inner := it.exec.newAccessIter(it.step.Access, it.snap, it.scanned)
	defer inner.close()

	expected := int(it.step.Access.EstimatedRows)
	if expected < 64 {
		expected = 64
	}
	it.filter = bloom.New(expected, 0.01)
	it.table = make(map[string][]types.Row)

	rows, bytes, err := drain(ctx, inner, it.mem)
	it.bytes = bytes
	if err != nil {
		return err
	}
	for _, row := range rows {
		v := row[it.step.RightCol]
		if v == nil {
			continue
		}
		key := types.EncodeKey([]types.Value{v})
		it.table[key] = append(it.table[key], row)
		it.filter.Add([]byte(key))
	}
	it.built = true
	return nil
}

func (it *hashJoinIter) next(ctx context.Context) (types.Row, bool, error) {
	if !it.built {
		if err := it.build(ctx); err != nil {
			return nil, false, err
		}
	}
	for {
		if len(it.pending) > 0 {
			row := it.pending[0]
			it.pending = it.pending[1:]
			return row, true, nil
		}
		outer, ok, err := it.outer.next(ctx)
		if !ok || err != nil {
			return nil, false, err
		}
		v := outer[it.step.LeftCol]
		if v == nil {
			continue
		}
		key := types.EncodeKey([]types.Value{v})
		if !it.filter.Contains([]byte(key)) {
			continue
		}
		for _, inner := range it.table[key] {
			joined := make(types.Row, 0, len(outer)+len(inner))
			joined = append(joined, outer...)
			joined = append(joined, inner...)
			it.pending = append(it.pending, joined)
		}
	}
}

func (it *hashJoinIter) close() {
	it.outer.close()
	it.table = nil
	it.pending = nil
	it.mem.release(it.bytes)
	it.bytes = 0
}

// nestedLoopIter probes the inner side once per outer row. With a seek
// index the probe is an equality cursor; without one the inner access is
// re-run and filtered on the join column.
type nestedLoopIter struct {
	exec  *Executor
	step  planner.JoinStep
	snap  rowstore.Snapshot
	outer rowIter

	scanned *int64
	pending []types.Row
}

func (it *nestedLoopIter) next(ctx context.Context) (types.Row, bool, error) {
	for {
		if len(it.pending) > 0 {
			row := it.pending[0]
			it.pending = it.pending[1:]
			return row, true, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		outer, ok, err := it.outer.next(ctx)
		if !ok || err != nil {
			return nil, false, err
		}
		v := outer[it.step.LeftCol]
		if v == nil {
			continue
		}
		matches, err := it.probe(ctx, v)
		if err != nil {
			return nil, false, err
		}
		for _, inner := range matches {
			joined := make(types.Row, 0, len(outer)+len(inner))
			joined = append(joined, outer...)
			joined = append(joined, inner...)
			it.pending = append(it.pending, joined)
		}
	}
}

func (it *nestedLoopIter) probe(ctx context.Context, v types.Value) ([]types.Row, error) {
	if it.step.SeekIndex != "" {
		return it.seek(ctx, v)
	}
	inner := it.exec.newAccessIter(it.step.Access, it.snap, it.scanned)
	defer inner.close()
	var matches []types.Row
	for {
		row, ok, err := inner.next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return matches, nil
		}
		if row[it.step.RightCol] != nil && types.Compare(row[it.step.RightCol], v) == 0 {
			matches = append(matches, row)
		}
	}
}

func (it *nestedLoopIter) seek(ctx context.Context, v types.Value) ([]types.Row, error) {
	cur, err := it.exec.indexes.Lookup(it.step.SeekIndex, index.Eq(v), it.snap)
	if err != nil {
		return nil, err
	}
	parts := partitionSet(it.step.Access)
	var matches []types.Row
	for {
		ref, ok := cur.Next()
		if !ok {
			return matches, nil
		}
		if parts != nil && !parts[ref.Partition] {
			continue
		}
		row := it.exec.store.GetByRef(it.step.Access.Table, ref, it.snap)
		if row == nil {
			continue
		}
		*it.scanned++
		if !matchesFilter(row, it.step.Access.Filter) {
			continue
		}
		matches = append(matches, row)
	}
}

func (it *nestedLoopIter) close() {
	it.outer.close()
	it.pending = nil
}

// partitionSet returns the surviving partitions as a set, or nil when no
// partition was pruned.
func partitionSet(a planner.AccessStep) map[string]bool {
	if len(a.Partitions) >= a.TotalPartitions {
		return nil
	}
	set := make(map[string]bool, len(a.Partitions))
	for _, p := range a.Partitions {
		set[p] = true
	}
	return set
}
