// Package executor runs planned queries: lazy row pipelines over partition
// scans and index seeks, memory-bounded joins, aggregation and sorting.
package executor

import (
	"context"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/internal/index"
	"github.com/lodgedb/lodgedb/internal/query/planner"
	"github.com/lodgedb/lodgedb/internal/rowstore"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// ctxCheckInterval is how many rows a materializing stage consumes between
// cancellation checks.
const ctxCheckInterval = 256

// rowIter is a pull-based row stream. next returns ok=false once the
// stream is exhausted; close releases buffers and may be called more than
// once.
type rowIter interface {
	next(ctx context.Context) (types.Row, bool, error)
	close()
}

// memAccount tracks memory charged by buffering stages against the plan's
// budget. A budget of zero or less disables the limit.
type memAccount struct {
	budget int64
	used   int64
}

func (m *memAccount) charge(n int64) error {
	if m.budget <= 0 {
		return nil
	}
	m.used += n
	if m.used > m.budget {
		return xerrors.Newf(xerrors.KindResourceExhausted, xerrors.CodeMemoryBudget,
			"query memory budget of %d bytes exceeded", m.budget)
	}
	return nil
}

func (m *memAccount) release(n int64) {
	m.used -= n
}

// rowBytes approximates the heap footprint of one row.
func rowBytes(row types.Row) int64 {
	n := int64(48)
	for _, v := range row {
		n += 24
		if s, ok := v.(string); ok {
			n += int64(len(s))
		}
	}
	return n
}

// evalPred evaluates one residual predicate against a table row. Every
// comparison with a NULL value is false, including !=.
func evalPred(row types.Row, p planner.ResolvedPredicate) bool {
	if p.Col >= len(row) {
		return false
	}
	v := row[p.Col]
	if v == nil {
		return false
	}
	switch p.Op {
	case planner.OpEq:
		return types.Compare(v, p.Value) == 0
	case planner.OpNe:
		return p.Value != nil && types.Compare(v, p.Value) != 0
	case planner.OpLt:
		return p.Value != nil && types.Compare(v, p.Value) < 0
	case planner.OpLe:
		return p.Value != nil && types.Compare(v, p.Value) <= 0
	case planner.OpGt:
		return p.Value != nil && types.Compare(v, p.Value) > 0
	case planner.OpGe:
		return p.Value != nil && types.Compare(v, p.Value) >= 0
	case planner.OpIn:
		for _, c := range p.Values {
			if c != nil && types.Compare(v, c) == 0 {
				return true
			}
		}
		return false
	case planner.OpBetween:
		return p.Low != nil && p.High != nil &&
			types.Compare(v, p.Low) >= 0 && types.Compare(v, p.High) <= 0
	}
	return false
}

func matchesFilter(row types.Row, filter []planner.ResolvedPredicate) bool {
	for _, p := range filter {
		if !evalPred(row, p) {
			return false
		}
	}
	return true
}

// seqScanIter reads one table sequentially: partition by partition, in the
// store's deterministic first-insert order. Partition reference lists are
// fetched lazily so early termination touches as little as possible.
type seqScanIter struct {
	store   *rowstore.Store
	access  planner.AccessStep
	snap    rowstore.Snapshot
	scanned *int64

	pi   int
	refs []types.RowRef
	ri   int
}

func (it *seqScanIter) next(ctx context.Context) (types.Row, bool, error) {
	for {
		if it.ri >= len(it.refs) {
			if it.pi >= len(it.access.Partitions) {
				return nil, false, nil
			}
			refs, err := it.store.PartitionRefs(it.access.Table, it.access.Partitions[it.pi])
			if err != nil {
				return nil, false, err
			}
			it.pi++
			it.refs, it.ri = refs, 0
			continue
		}
		ref := it.refs[it.ri]
		it.ri++
		row := it.store.GetByRef(it.access.Table, ref, it.snap)
		if row == nil {
			continue
		}
		*it.scanned++
		if !matchesFilter(row, it.access.Filter) {
			continue
		}
		return row, true, nil
	}
}

func (it *seqScanIter) close() { it.refs = nil }

// indexScanIter reads rows through an index cursor. The cursor yields
// references in key order across every partition, so references outside
// the plan's partition set are skipped here.
type indexScanIter struct {
	store   *rowstore.Store
	access  planner.AccessStep
	snap    rowstore.Snapshot
	cursor  *index.Cursor
	parts   map[string]bool // nil means every partition survives
	scanned *int64
}

func (it *indexScanIter) next(ctx context.Context) (types.Row, bool, error) {
	for {
		ref, ok := it.cursor.Next()
		if !ok {
			return nil, false, nil
		}
		if it.parts != nil && !it.parts[ref.Partition] {
			continue
		}
		row := it.store.GetByRef(it.access.Table, ref, it.snap)
		if row == nil {
			continue
		}
		*it.scanned++
		if !matchesFilter(row, it.access.Filter) {
			continue
		}
		return row, true, nil
	}
}

func (it *indexScanIter) close() {}

// projectIter maps pipeline rows to the selected output columns.
type projectIter struct {
	in   rowIter
	cols []int
}

func (it *projectIter) next(ctx context.Context) (types.Row, bool, error) {
	row, ok, err := it.in.next(ctx)
	if !ok || err != nil {
		return nil, false, err
	}
	out := make(types.Row, len(it.cols))
	for i, c := range it.cols {
		out[i] = row[c]
	}
	return out, true, nil
}

func (it *projectIter) close() { it.in.close() }

// limitIter applies offset then limit.
type limitIter struct {
	in      rowIter
	skip    int64
	remain  int64
	limited bool
}

func newLimitIter(in rowIter, limit, offset *int64) rowIter {
	if limit == nil && offset == nil {
		return in
	}
	it := &limitIter{in: in}
	if offset != nil && *offset > 0 {
		it.skip = *offset
	}
	if limit != nil {
		it.limited = true
		it.remain = *limit
	}
	return it
}

func (it *limitIter) next(ctx context.Context) (types.Row, bool, error) {
	for it.skip > 0 {
		_, ok, err := it.in.next(ctx)
		if !ok || err != nil {
			return nil, false, err
		}
		it.skip--
	}
	if it.limited {
		if it.remain <= 0 {
			return nil, false, nil
		}
		it.remain--
	}
	return it.in.next(ctx)
}

func (it *limitIter) close() { it.in.close() }

// sliceIter replays materialized rows.
type sliceIter struct {
	rows []types.Row
	pos  int
}

func (it *sliceIter) next(ctx context.Context) (types.Row, bool, error) {
	if it.pos >= len(it.rows) {
		return nil, false, nil
	}
	row := it.rows[it.pos]
	it.pos++
	return row, true, nil
}

func (it *sliceIter) close() { it.rows = nil }

// drain consumes an iterator fully, checking cancellation periodically and
// charging each buffered row against the memory account.
func drain(ctx context.Context, in rowIter, mem *memAccount) ([]types.Row, int64, error) {
	var rows []types.Row
	var bytes int64
	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, bytes, err
			}
		}
		row, ok, err := in.next(ctx)
		if err != nil {
			return nil, bytes, err
		}
		if !ok {
			return rows, bytes, nil
		}
		b := rowBytes(row)
		if err := mem.charge(b); err != nil {
			return nil, bytes, err
		}
		bytes += b
		rows = append(rows, row)
	}
}
