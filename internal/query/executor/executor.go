package executor

import (
	"context"
	"time"

	"github.com/lodgedb/lodgedb/internal/index"
	"github.com/lodgedb/lodgedb/internal/query/aggregator"
	"github.com/lodgedb/lodgedb/internal/query/planner"
	"github.com/lodgedb/lodgedb/internal/rowstore"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Executor turns plans into lazy result streams.
type Executor struct {
	store   *rowstore.Store
	indexes *index.Manager
}

func New(store *rowstore.Store, indexes *index.Manager) *Executor {
	return &Executor{store: store, indexes: indexes}
}

// Stats describes what one query execution touched.
type Stats struct {
	PartitionsScanned int   `json:"partitions_scanned"`
	PartitionsPruned  int   `json:"partitions_pruned"`
	RowsScanned       int64 `json:"rows_scanned"`
	RowsReturned      int64 `json:"rows_returned"`
	ElapsedMs         int64 `json:"elapsed_ms"`
}

// Result is a lazy, single-pass row stream. Rows are produced on demand;
// blocking stages (hash build, sort, aggregation) run on the first Next
// call. Close releases buffers and must be called when done.
type Result struct {
	Columns []string

	iter    rowIter
	scanned *int64
	start   time.Time
	stats   Stats
	done    bool
}

// Next returns the next row. ok is false once the stream is exhausted.
// A canceled context aborts the stream permanently.
func (r *Result) Next(ctx context.Context) (types.Row, bool, error) {
	if r.done {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		r.done = true
		return nil, false, err
	}
	row, ok, err := r.iter.next(ctx)
	if err != nil || !ok {
		r.done = true
		return nil, false, err
	}
	r.stats.RowsReturned++
	return row, true, nil
}

// Stats returns execution counters accumulated so far.
func (r *Result) Stats() Stats {
	s := r.stats
	s.RowsScanned = *r.scanned
	s.ElapsedMs = time.Since(r.start).Milliseconds()
	return s
}

// Close releases every buffer held by the pipeline.
func (r *Result) Close() {
	if r.iter != nil {
		r.iter.close()
		r.iter = nil
	}
	r.done = true
}

// Execute builds the row pipeline for a plan. The heavy work happens
// lazily on the first Next call of the returned result.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scanned := new(int64)
	mem := &memAccount{budget: plan.MemoryBudget}

	it := e.newAccessIter(plan.Root, plan.Snapshot, scanned)
	for _, step := range plan.Joins {
		switch step.Strategy {
		case planner.JoinHash:
			it = &hashJoinIter{exec: e, step: step, snap: plan.Snapshot, outer: it, mem: mem, scanned: scanned}
		default:
			it = &nestedLoopIter{exec: e, step: step, snap: plan.Snapshot, outer: it, scanned: scanned}
		}
	}

	if plan.HasAggregates() {
		if plan.StreamingAgg {
			it = &streamingAggIter{in: it, plan: plan}
		} else {
			it = &hashAggIter{in: it, plan: plan, mem: mem}
		}
		if plan.SortNeeded {
			it = &sortIter{in: it, keys: plan.OrderBy, mem: mem}
		}
	} else {
		if plan.SortNeeded {
			it = &sortIter{in: it, keys: plan.OrderBy, mem: mem}
		}
		it = &projectIter{in: it, cols: plan.Projection}
	}
	it = newLimitIter(it, plan.Limit, plan.Offset)

	return &Result{
		Columns: plan.OutputColumns,
		iter:    it,
		scanned: scanned,
		start:   time.Now(),
		stats: Stats{
			PartitionsScanned: plan.PartitionsScanned(),
			PartitionsPruned:  plan.PartitionsPruned(),
		},
	}, nil
}

// newAccessIter builds the scan for one table access step.
func (e *Executor) newAccessIter(a planner.AccessStep, snap rowstore.Snapshot, scanned *int64) rowIter {
	if a.IndexName != "" {
		cur, err := e.indexes.Lookup(a.IndexName, a.KeyRange, snap)
		if err == nil {
			return &indexScanIter{
				store:   e.store,
				access:  a,
				snap:    snap,
				cursor:  cur,
				parts:   partitionSet(a),
				scanned: scanned,
			}
		}
		// Index dropped since planning; fall through to a sequential scan.
	}
	return &seqScanIter{store: e.store, access: a, snap: snap, scanned: scanned}
}

// sortIter materializes its input, orders it, then replays it.
type sortIter struct {
	in   rowIter
	keys []planner.SortKey
	mem  *memAccount

	out   rowIter
	bytes int64
}

func (it *sortIter) next(ctx context.Context) (types.Row, bool, error) {
	if it.out == nil {
		rows, bytes, err := drain(ctx, it.in, it.mem)
		it.bytes = bytes
		if err != nil {
			return nil, false, err
		}
		aggregator.NewSorter(it.keys).Sort(rows)
		it.out = &sliceIter{rows: rows}
	}
	return it.out.next(ctx)
}

func (it *sortIter) close() {
	it.in.close()
	if it.out != nil {
		it.out.close()
	}
	it.mem.release(it.bytes)
	it.bytes = 0
}

// hashAggIter materializes groups in a hash table, then emits one row per
// group in first-seen order. A grand aggregate over an empty input still
// yields its single row.
type hashAggIter struct {
	in   rowIter
	plan *planner.Plan
	mem  *memAccount

	out   rowIter
	bytes int64
}

func (it *hashAggIter) next(ctx context.Context) (types.Row, bool, error) {
	if it.out == nil {
		table := aggregator.NewGroupTable(it.plan.GroupBy, it.plan.Aggregates, it.plan.AggCols)
		sawRow := false
		for n := 0; ; n++ {
			if n%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return nil, false, err
				}
			}
			row, ok, err := it.in.next(ctx)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				break
			}
			sawRow = true
			prev := table.ApproxBytes()
			table.Add(row)
			if delta := table.ApproxBytes() - prev; delta > 0 {
				it.bytes += delta
				if err := it.mem.charge(delta); err != nil {
					return nil, false, err
				}
			}
		}
		rows := table.Rows()
		if !sawRow && len(it.plan.GroupBy) == 0 {
			rows = []types.Row{emptyAggRow(it.plan)}
		}
		it.out = &sliceIter{rows: rows}
	}
	return it.out.next(ctx)
}

func (it *hashAggIter) close() {
	it.in.close()
	if it.out != nil {
		it.out.close()
	}
	it.mem.release(it.bytes)
	it.bytes = 0
}

func emptyAggRow(plan *planner.Plan) types.Row {
	row := make(types.Row, len(plan.Aggregates))
	for i, a := range plan.Aggregates {
		row[i] = aggregator.NewAccumulator(a.Func).Result()
	}
	return row
}

// streamingAggIter aggregates an input already ordered by the grouping
// columns, holding one group at a time.
type streamingAggIter struct {
	in   rowIter
	plan *planner.Plan

	sg      *aggregator.StreamingGroup
	flushed bool
}

func (it *streamingAggIter) next(ctx context.Context) (types.Row, bool, error) {
	if it.sg == nil {
		it.sg = aggregator.NewStreamingGroup(it.plan.GroupBy, it.plan.Aggregates, it.plan.AggCols)
	}
	if it.flushed {
		return nil, false, nil
	}
	for {
		row, ok, err := it.in.next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			it.flushed = true
			if last := it.sg.Flush(); last != nil {
				return last, true, nil
			}
			return nil, false, nil
		}
		if done := it.sg.Add(row); done != nil {
			return done, true, nil
		}
	}
}

func (it *streamingAggIter) close() { it.in.close() }
