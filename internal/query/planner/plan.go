package planner

import (
	"github.com/lodgedb/lodgedb/internal/index"
	"github.com/lodgedb/lodgedb/internal/rowstore"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// JoinStrategy selects the join algorithm for one join step.
type JoinStrategy string

const (
	JoinHash       JoinStrategy = "hash"
	JoinNestedLoop JoinStrategy = "nested_loop"
)

// ResolvedPredicate is a filter condition bound to a column position
// within a single table's row.
type ResolvedPredicate struct {
	Col    int
	Op     Op
	Value  types.Value
	Values []types.Value
	Low    types.Value
	High   types.Value
}

// AccessStep describes how one table is read: which partitions survive
// pruning and whether rows come from an index seek or a sequential scan.
type AccessStep struct {
	Table           string
	Schema          *types.Table
	Partitions      []string
	TotalPartitions int

	// IndexName is empty for a sequential scan.
	IndexName    string
	IndexColumns []string
	KeyRange     index.KeyRange
	// EqPrefixLen is the number of leading index columns consumed by
	// equality predicates; used for order pass-through and streaming
	// aggregation decisions.
	EqPrefixLen int

	// Filter holds the residual predicates evaluated per row.
	Filter []ResolvedPredicate

	EstimatedRows int64
}

// JoinStep joins one more table against the accumulated row stream.
type JoinStep struct {
	Access   AccessStep
	Strategy JoinStrategy

	// LeftCol indexes the accumulated (pipeline) row; RightCol indexes the
	// joined table's own row.
	LeftCol  int
	RightCol int

	// SeekIndex, for nested-loop joins, names a usable index whose first
	// column is the join column of the inner table; empty means the inner
	// side is rescanned per outer row.
	SeekIndex string

	EstimatedBuildBytes int64
}

// SortKey is one resolved ordering column.
type SortKey struct {
	Col  int
	Desc bool
}

// Plan is an immutable description of how a query executes. Plans are
// built fresh per query and never persisted.
type Plan struct {
	Snapshot rowstore.Snapshot

	Root  AccessStep
	Joins []JoinStep

	// PipelineColumns are the qualified column names of the row stream
	// after all joins, in pipeline order.
	PipelineColumns []string

	// Projection maps output positions to pipeline positions. Unused when
	// aggregation is present.
	Projection    []int
	OutputColumns []string

	GroupBy      []int
	GroupByNames []string
	Aggregates   []Aggregate
	// AggCols holds, per aggregate, the pipeline column it consumes
	// (-1 for COUNT(*)).
	AggCols []int

	OrderBy []SortKey
	// SortOnOutput is true when ordering applies to aggregated output rows
	// rather than pipeline rows.
	SortOnOutput bool
	// SortNeeded is false when the chosen index already yields the
	// requested order, making the sort a pass-through.
	SortNeeded bool

	// StreamingAgg is true when grouping columns are a left-prefix of the
	// chosen index order, allowing one-group-at-a-time aggregation.
	StreamingAgg bool

	Limit  *int64
	Offset *int64

	// MemoryBudget bounds hash-join build and sort buffers, in bytes.
	MemoryBudget int64
}

// HasAggregates reports whether the plan produces aggregated output.
func (p *Plan) HasAggregates() bool {
	return len(p.Aggregates) > 0
}

// PartitionsScanned returns the total partitions touched across all steps.
func (p *Plan) PartitionsScanned() int {
	n := len(p.Root.Partitions)
	for _, j := range p.Joins {
		n += len(j.Access.Partitions)
	}
	return n
}

// PartitionsPruned returns the total partitions eliminated by pruning.
func (p *Plan) PartitionsPruned() int {
	n := p.Root.TotalPartitions - len(p.Root.Partitions)
	for _, j := range p.Joins {
		n += j.Access.TotalPartitions - len(j.Access.Partitions)
	}
	return n
}
