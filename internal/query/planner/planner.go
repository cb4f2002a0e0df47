package planner

import (
	"sort"
	"strings"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/internal/index"
	"github.com/lodgedb/lodgedb/internal/partition"
	"github.com/lodgedb/lodgedb/internal/rowstore"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Per-row cost guesses used when sizing hash-join build tables. Coarse on
// purpose: the estimate only has to pick a strategy, not predict memory.
const (
	rowOverheadBytes = 48
	colBytes         = 24
)

// Planner builds execution plans against the live store, index manager and
// partition router. Plans capture a snapshot at build time so execution sees
// a consistent view.
type Planner struct {
	store   *rowstore.Store
	indexes *index.Manager
	router  *partition.Router
	budget  int64
}

func New(store *rowstore.Store, indexes *index.Manager, router *partition.Router, memoryBudget int64) *Planner {
	return &Planner{store: store, indexes: indexes, router: router, budget: memoryBudget}
}

// tableScope is one table participating in the query, with its offset into
// the accumulated pipeline row.
type tableScope struct {
	name   string
	schema *types.Table
	offset int
}

type scope struct {
	tables []tableScope
}

func (s *scope) add(name string, schema *types.Table) {
	off := 0
	if n := len(s.tables); n > 0 {
		last := s.tables[n-1]
		off = last.offset + len(last.schema.Columns)
	}
	s.tables = append(s.tables, tableScope{name: name, schema: schema, offset: off})
}

func (s *scope) lookup(name string) *tableScope {
	for i := range s.tables {
		if s.tables[i].name == name {
			return &s.tables[i]
		}
	}
	return nil
}

// resolve returns the owning table and the column position within that
// table's row. Bare names must be unambiguous across the scope.
func (s *scope) resolve(name string) (*tableScope, int, error) {
	if tbl, col, ok := splitQualified(name); ok {
		ts := s.lookup(tbl)
		if ts == nil {
			return nil, 0, xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownTable,
				"column %q references table %q which is not part of the query", name, tbl)
		}
		idx := ts.schema.ColumnIndex(col)
		if idx < 0 {
			return nil, 0, xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownColumn,
				"table %q has no column %q", tbl, col)
		}
		return ts, idx, nil
	}
	var found *tableScope
	idx := -1
	for i := range s.tables {
		if j := s.tables[i].schema.ColumnIndex(name); j >= 0 {
			if found != nil {
				return nil, 0, xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownColumn,
					"column %q is ambiguous, qualify it with a table name", name)
			}
			found = &s.tables[i]
			idx = j
		}
	}
	if found == nil {
		return nil, 0, xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownColumn,
			"no table in the query has a column %q", name)
	}
	return found, idx, nil
}

// pipeline returns the position of a column in the joined row stream.
func (s *scope) pipeline(name string) (int, error) {
	ts, idx, err := s.resolve(name)
	if err != nil {
		return 0, err
	}
	return ts.offset + idx, nil
}

func splitQualified(name string) (table, column string, ok bool) {
	i := strings.IndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Plan resolves names, prunes partitions, selects indexes and join
// strategies, and places sort and aggregation. Missing tables and columns
// are the only planning failures; an unhelpful predicate set degrades to a
// sequential scan, never to an error.
func (p *Planner) Plan(q *Query) (*Plan, error) {
	if q.Table == "" {
		return nil, xerrors.New(xerrors.KindNotFound, xerrors.CodeUnknownTable, "query names no table")
	}
	sc := &scope{}
	rootSchema, err := p.store.Table(q.Table)
	if err != nil {
		return nil, err
	}
	sc.add(q.Table, rootSchema)
	for _, j := range q.Joins {
		schema, err := p.store.Table(j.Table)
		if err != nil {
			return nil, err
		}
		if sc.lookup(j.Table) != nil {
			return nil, xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownTable,
				"table %q appears twice in the query", j.Table)
		}
		sc.add(j.Table, schema)
	}

	perTable, err := p.splitPredicates(sc, q.Where)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Snapshot:     p.store.Snapshot(),
		MemoryBudget: p.budget,
		Limit:        q.Limit,
		Offset:       q.Offset,
	}

	plan.Root = p.planAccess(q.Table, rootSchema, perTable[q.Table])

	for _, j := range q.Joins {
		ts := sc.lookup(j.Table)
		leftPos, err := sc.pipeline(j.LeftColumn)
		if err != nil {
			return nil, err
		}
		rightIdx := ts.schema.ColumnIndex(j.RightColumn)
		if rightIdx < 0 {
			return nil, xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownColumn,
				"table %q has no column %q", j.Table, j.RightColumn)
		}
		step := JoinStep{
			Access:   p.planAccess(j.Table, ts.schema, perTable[j.Table]),
			LeftCol:  leftPos,
			RightCol: rightIdx,
		}
		step.EstimatedBuildBytes = step.Access.EstimatedRows *
			int64(rowOverheadBytes+colBytes*len(ts.schema.Columns))
		if p.budget <= 0 || step.EstimatedBuildBytes <= p.budget {
			step.Strategy = JoinHash
		} else {
			step.Strategy = JoinNestedLoop
			step.SeekIndex = p.seekIndexFor(j.Table, j.RightColumn)
		}
		plan.Joins = append(plan.Joins, step)
	}

	for _, ts := range sc.tables {
		for _, col := range ts.schema.Columns {
			plan.PipelineColumns = append(plan.PipelineColumns, ts.name+"."+col.Name)
		}
	}

	if err := p.planOutput(plan, sc, q); err != nil {
		return nil, err
	}
	if err := p.planOrder(plan, sc, q); err != nil {
		return nil, err
	}
	return plan, nil
}

// tablePred keeps the within-table column position next to the original
// predicate so index matching can work on resolved positions.
type tablePred struct {
	col  int
	name string
	pred Predicate
}

func (p *Planner) splitPredicates(sc *scope, where []Predicate) (map[string][]tablePred, error) {
	out := make(map[string][]tablePred)
	for _, pr := range where {
		ts, idx, err := sc.resolve(pr.Column)
		if err != nil {
			return nil, err
		}
		out[ts.name] = append(out[ts.name], tablePred{col: idx, name: ts.schema.Columns[idx].Name, pred: pr})
	}
	return out, nil
}

// planAccess chooses partitions and an index for one table. It never fails:
// no matching index means a sequential scan over the surviving partitions.
func (p *Planner) planAccess(table string, schema *types.Table, preds []tablePred) AccessStep {
	step := AccessStep{Table: table, Schema: schema}

	bounds := p.keyBounds(table, schema, preds)
	step.Partitions = p.router.RouteForRead(table, bounds)
	if set := p.router.Set(table); set != nil {
		step.TotalPartitions = len(set.PartitionNames())
	} else {
		step.TotalPartitions = 1
	}

	best, consumed := p.chooseIndex(table, schema, preds)
	if best != nil {
		step.IndexName = best.def.Name
		step.IndexColumns = best.def.Columns
		step.KeyRange = best.rng
		step.EqPrefixLen = best.eqLen
	}
	for i, tp := range preds {
		if consumed[i] {
			continue
		}
		step.Filter = append(step.Filter, resolvePred(schema, tp))
	}

	step.EstimatedRows = p.estimateRows(table, step, best)
	return step
}

func resolvePred(schema *types.Table, tp tablePred) ResolvedPredicate {
	ct := schema.Columns[tp.col].Type
	rp := ResolvedPredicate{Col: tp.col, Op: tp.pred.Op}
	norm := func(v types.Value) types.Value {
		if nv, err := types.Normalize(ct, v); err == nil {
			return nv
		}
		return v
	}
	rp.Value = norm(tp.pred.Value)
	rp.Low = norm(tp.pred.Low)
	rp.High = norm(tp.pred.High)
	for _, v := range tp.pred.Values {
		rp.Values = append(rp.Values, norm(v))
	}
	return rp
}

// keyBounds folds every predicate on the partition-key column into a single
// bound for the router. An equality wins outright; otherwise the tightest
// low and high survive.
func (p *Planner) keyBounds(table string, schema *types.Table, preds []tablePred) *partition.KeyBounds {
	keyCol := p.router.KeyColumn(table)
	if keyCol == "" {
		return nil
	}
	ci := schema.ColumnIndex(keyCol)
	if ci < 0 {
		return nil
	}
	ct := schema.Columns[ci].Type
	norm := func(v types.Value) (types.Value, bool) {
		nv, err := types.Normalize(ct, v)
		if err != nil || nv == nil {
			return nil, false
		}
		return nv, true
	}
	var b *partition.KeyBounds
	ensure := func() *partition.KeyBounds {
		if b == nil {
			b = &partition.KeyBounds{}
		}
		return b
	}
	tightenLow := func(v types.Value, inc bool) {
		kb := ensure()
		if kb.Low == nil || types.Compare(v, kb.Low) > 0 || (types.Compare(v, kb.Low) == 0 && !inc) {
			kb.Low, kb.LowInc = v, inc
		}
	}
	tightenHigh := func(v types.Value, inc bool) {
		kb := ensure()
		if kb.High == nil || types.Compare(v, kb.High) < 0 || (types.Compare(v, kb.High) == 0 && !inc) {
			kb.High, kb.HighInc = v, inc
		}
	}
	for _, tp := range preds {
		if tp.name != keyCol {
			continue
		}
		switch tp.pred.Op {
		case OpEq:
			if v, ok := norm(tp.pred.Value); ok {
				return &partition.KeyBounds{Eq: v}
			}
		case OpGt:
			if v, ok := norm(tp.pred.Value); ok {
				tightenLow(v, false)
			}
		case OpGe:
			if v, ok := norm(tp.pred.Value); ok {
				tightenLow(v, true)
			}
		case OpLt:
			if v, ok := norm(tp.pred.Value); ok {
				tightenHigh(v, false)
			}
		case OpLe:
			if v, ok := norm(tp.pred.Value); ok {
				tightenHigh(v, true)
			}
		case OpBetween:
			if v, ok := norm(tp.pred.Low); ok {
				tightenLow(v, true)
			}
			if v, ok := norm(tp.pred.High); ok {
				tightenHigh(v, true)
			}
		}
	}
	return b
}

// candidate is a scored index choice with the KeyRange it would serve.
type candidate struct {
	def   index.Definition
	rng   index.KeyRange
	eqLen int
	// rangeUsed is true when the column after the equality prefix carries
	// a bound folded into the KeyRange.
	rangeUsed bool
	// used marks which predicates the KeyRange consumes.
	used []bool
}

func (c *candidate) score() int {
	s := c.eqLen * 2
	if c.rangeUsed {
		s++
	}
	return s
}

// chooseIndex picks the usable index with the longest satisfied equality
// prefix, preferring one extra range bound, breaking ties by name so plans
// stay deterministic.
func (p *Planner) chooseIndex(table string, schema *types.Table, preds []tablePred) (*candidate, []bool) {
	none := make([]bool, len(preds))
	var best *candidate
	indexes := p.indexes.TableIndexes(table)
	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i].Definition().Name < indexes[j].Definition().Name
	})
	for _, ix := range indexes {
		c := matchIndex(ix.Definition(), schema, preds)
		if c == nil || c.score() == 0 {
			continue
		}
		if best == nil || c.score() > best.score() {
			best = c
		}
	}
	if best == nil {
		return nil, none
	}
	return best, best.used
}

// matchIndex walks the index columns left to right, consuming one equality
// predicate per column, then at most one range bound on the next column.
func matchIndex(def index.Definition, schema *types.Table, preds []tablePred) *candidate {
	c := &candidate{def: def, used: make([]bool, len(preds))}
	for _, col := range def.Columns {
		ci := schema.ColumnIndex(col)
		if ci < 0 {
			return nil
		}
		ct := schema.Columns[ci].Type
		eqAt := -1
		for i, tp := range preds {
			if !c.used[i] && tp.name == col && tp.pred.Op == OpEq {
				eqAt = i
				break
			}
		}
		if eqAt >= 0 {
			v, err := types.Normalize(ct, preds[eqAt].pred.Value)
			if err != nil {
				return c
			}
			c.rng.Prefix = append(c.rng.Prefix, v)
			c.used[eqAt] = true
			c.eqLen++
			continue
		}
		// No equality on this column: fold range bounds on it and stop.
		for i, tp := range preds {
			if c.used[i] || tp.name != col {
				continue
			}
			switch tp.pred.Op {
			case OpGt, OpGe:
				v, err := types.Normalize(ct, tp.pred.Value)
				if err != nil {
					continue
				}
				if c.rng.Low == nil || types.Compare(v, c.rng.Low) > 0 {
					c.rng.Low, c.rng.LowInc = v, tp.pred.Op == OpGe
					c.used[i], c.rangeUsed = true, true
				}
			case OpLt, OpLe:
				v, err := types.Normalize(ct, tp.pred.Value)
				if err != nil {
					continue
				}
				if c.rng.High == nil || types.Compare(v, c.rng.High) < 0 {
					c.rng.High, c.rng.HighInc = v, tp.pred.Op == OpLe
					c.used[i], c.rangeUsed = true, true
				}
			case OpBetween:
				lo, errL := types.Normalize(ct, tp.pred.Low)
				hi, errH := types.Normalize(ct, tp.pred.High)
				if errL != nil || errH != nil {
					continue
				}
				if c.rng.Low == nil || types.Compare(lo, c.rng.Low) > 0 {
					c.rng.Low, c.rng.LowInc = lo, true
				}
				if c.rng.High == nil || types.Compare(hi, c.rng.High) < 0 {
					c.rng.High, c.rng.HighInc = hi, true
				}
				c.used[i], c.rangeUsed = true, true
			}
		}
		break
	}
	return c
}

// seekIndexFor returns a usable index whose leading column is the join
// column, for per-outer-row seeks on the nested-loop inner side.
func (p *Planner) seekIndexFor(table, column string) string {
	names := []string{}
	for _, ix := range p.indexes.TableIndexes(table) {
		def := ix.Definition()
		if len(def.Columns) > 0 && def.Columns[0] == column {
			names = append(names, def.Name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}

// estimateRows guesses the cardinality of one access step. Scales the live
// row count by the surviving partition fraction, then shrinks it per
// consumed index column.
func (p *Planner) estimateRows(table string, step AccessStep, best *candidate) int64 {
	rows := p.store.RowCount(table)
	if rows == 0 {
		return 0
	}
	if step.TotalPartitions > 1 {
		rows = rows * int64(len(step.Partitions)) / int64(step.TotalPartitions)
	}
	if best != nil {
		if best.def.Unique && best.eqLen == len(best.def.Columns) {
			return 1
		}
		for i := 0; i < best.eqLen; i++ {
			rows /= 8
		}
		if best.rangeUsed {
			rows /= 3
		}
	}
	if rows < 1 {
		rows = 1
	}
	return rows
}

// planOutput resolves projection, grouping and aggregate columns.
func (p *Planner) planOutput(plan *Plan, sc *scope, q *Query) error {
	if len(q.Aggregates) == 0 && len(q.GroupBy) > 0 {
		return xerrors.New(xerrors.KindNotFound, xerrors.CodeUnknownColumn,
			"group_by requires at least one aggregate")
	}
	if len(q.Aggregates) > 0 {
		for _, g := range q.GroupBy {
			pos, err := sc.pipeline(g)
			if err != nil {
				return err
			}
			plan.GroupBy = append(plan.GroupBy, pos)
			plan.GroupByNames = append(plan.GroupByNames, g)
			plan.OutputColumns = append(plan.OutputColumns, g)
		}
		for _, a := range q.Aggregates {
			pos := -1
			if a.Column != "" && a.Column != "*" {
				var err error
				pos, err = sc.pipeline(a.Column)
				if err != nil {
					return err
				}
			}
			plan.Aggregates = append(plan.Aggregates, a)
			plan.AggCols = append(plan.AggCols, pos)
			plan.OutputColumns = append(plan.OutputColumns, a.Name())
		}
		plan.StreamingAgg = p.streamingAggPossible(plan, q)
		return nil
	}

	if len(q.Select) == 0 {
		plan.Projection = make([]int, len(plan.PipelineColumns))
		for i := range plan.Projection {
			plan.Projection[i] = i
		}
		if len(sc.tables) == 1 {
			for _, col := range sc.tables[0].schema.Columns {
				plan.OutputColumns = append(plan.OutputColumns, col.Name)
			}
		} else {
			plan.OutputColumns = append(plan.OutputColumns, plan.PipelineColumns...)
		}
		return nil
	}
	for _, name := range q.Select {
		pos, err := sc.pipeline(name)
		if err != nil {
			return err
		}
		plan.Projection = append(plan.Projection, pos)
		plan.OutputColumns = append(plan.OutputColumns, name)
	}
	return nil
}

// streamingAggPossible holds when the root index delivers rows already
// grouped: every grouping column is a root-table column matching the index
// columns right after the consumed equality prefix, and no join can
// interleave groups.
func (p *Planner) streamingAggPossible(plan *Plan, q *Query) bool {
	if len(q.Joins) > 0 || len(plan.GroupBy) == 0 {
		return false
	}
	if plan.Root.IndexName == "" {
		return false
	}
	cols := plan.Root.IndexColumns
	at := plan.Root.EqPrefixLen
	for _, g := range q.GroupBy {
		_, col, ok := splitQualified(g)
		if !ok {
			col = g
		}
		if at >= len(cols) || cols[at] != col {
			return false
		}
		at++
	}
	return true
}

// planOrder resolves sort keys and decides whether the index order already
// satisfies them.
func (p *Planner) planOrder(plan *Plan, sc *scope, q *Query) error {
	if len(q.OrderBy) == 0 {
		return nil
	}
	plan.SortNeeded = true
	if plan.HasAggregates() {
		plan.SortOnOutput = true
		for _, ob := range q.OrderBy {
			pos := -1
			for i, name := range plan.OutputColumns {
				if name == ob.Column {
					pos = i
					break
				}
			}
			if pos < 0 {
				return xerrors.Newf(xerrors.KindNotFound, xerrors.CodeUnknownColumn,
					"order_by column %q is not part of the aggregated output", ob.Column)
			}
			plan.OrderBy = append(plan.OrderBy, SortKey{Col: pos, Desc: ob.Desc})
		}
		return nil
	}
	for _, ob := range q.OrderBy {
		pos, err := sc.pipeline(ob.Column)
		if err != nil {
			return err
		}
		plan.OrderBy = append(plan.OrderBy, SortKey{Col: pos, Desc: ob.Desc})
	}
	plan.SortNeeded = !p.orderSatisfiedByIndex(plan, sc, q)
	return nil
}

// orderSatisfiedByIndex reports whether the root index already yields rows
// in the requested ascending order. Joins preserve outer order (hash probe
// and nested loop both stream the outer side), so root-column ordering
// survives them.
func (p *Planner) orderSatisfiedByIndex(plan *Plan, sc *scope, q *Query) bool {
	if plan.Root.IndexName == "" {
		return false
	}
	cols := plan.Root.IndexColumns
	at := plan.Root.EqPrefixLen
	root := sc.tables[0]
	for _, ob := range q.OrderBy {
		if ob.Desc {
			return false
		}
		tbl, col, ok := splitQualified(ob.Column)
		if !ok {
			ts, _, err := sc.resolve(ob.Column)
			if err != nil || ts.name != root.name {
				return false
			}
			col = ob.Column
		} else if tbl != root.name {
			return false
		}
		if at >= len(cols) || cols[at] != col {
			return false
		}
		at++
	}
	return true
}
