// Package planner turns structured query requests into immutable execution
// plans: partition pruning, index selection, join strategy, and sort or
// aggregate placement.
package planner

import (
	"strings"

	"github.com/lodgedb/lodgedb/pkg/types"
)

// Op is a predicate comparison operator.
type Op string

const (
	OpEq      Op = "="
	OpNe      Op = "!="
	OpLt      Op = "<"
	OpLe      Op = "<="
	OpGt      Op = ">"
	OpGe      Op = ">="
	OpIn      Op = "IN"
	OpBetween Op = "BETWEEN"
)

// Predicate is one filter condition. Column may be qualified
// ("bookings.status") or bare when unambiguous. BETWEEN bounds are
// inclusive on both sides.
type Predicate struct {
	Column string        `json:"column"`
	Op     Op            `json:"op"`
	Value  types.Value   `json:"value,omitempty"`
	Values []types.Value `json:"values,omitempty"` // IN
	Low    types.Value   `json:"low,omitempty"`    // BETWEEN
	High   types.Value   `json:"high,omitempty"`   // BETWEEN
}

// Join declares an equi-join of a new table against the rows produced so
// far. LeftColumn names a column of the accumulated row; RightColumn a
// column of the joined table.
type Join struct {
	Table       string `json:"table"`
	LeftColumn  string `json:"left_column"`
	RightColumn string `json:"right_column"`
}

// AggFunc names an aggregate function.
type AggFunc string

const (
	AggCount AggFunc = "COUNT"
	AggSum   AggFunc = "SUM"
	AggMin   AggFunc = "MIN"
	AggMax   AggFunc = "MAX"
	AggAvg   AggFunc = "AVG"
)

// Aggregate is one aggregate output column. An empty Column means COUNT(*).
type Aggregate struct {
	Func   AggFunc `json:"func"`
	Column string  `json:"column,omitempty"`
	Alias  string  `json:"alias,omitempty"`
}

// Name returns the output column name for the aggregate.
func (a Aggregate) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	col := a.Column
	if col == "" {
		col = "*"
	}
	return strings.ToLower(string(a.Func)) + "(" + col + ")"
}

// OrderBy is one sort key.
type OrderBy struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Query is a structured query request: the core never parses query text,
// an upstream front-end supplies this form directly.
type Query struct {
	Table      string      `json:"table"`
	Select     []string    `json:"select,omitempty"` // empty selects every column
	Where      []Predicate `json:"where,omitempty"`  // conjunctive
	Joins      []Join      `json:"joins,omitempty"`
	GroupBy    []string    `json:"group_by,omitempty"`
	Aggregates []Aggregate `json:"aggregates,omitempty"`
	OrderBy    []OrderBy   `json:"order_by,omitempty"`
	Limit      *int64      `json:"limit,omitempty"`
	Offset     *int64      `json:"offset,omitempty"`
}
