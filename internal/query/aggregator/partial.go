// Package aggregator provides aggregate accumulation, grouping and row
// sorting for the execution engine.
package aggregator

import (
	"github.com/lodgedb/lodgedb/internal/query/planner"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Accumulator holds the running state of one aggregate. For AVG both the
// sum and the count are tracked so the average is exact regardless of
// accumulation order.
type Accumulator struct {
	fn    planner.AggFunc
	count int64
	sum   float64
	min   types.Value
	max   types.Value
	set   bool
}

// NewAccumulator creates an empty accumulator for the given function.
func NewAccumulator(fn planner.AggFunc) *Accumulator {
	return &Accumulator{fn: fn}
}

// Accumulate folds a single value in. NULL values are ignored by every
// function; COUNT(*) callers pass a non-nil placeholder per row.
func (a *Accumulator) Accumulate(v types.Value) {
	if v == nil {
		return
	}
	switch a.fn {
	case planner.AggCount:
		a.count++
		a.set = true
	case planner.AggSum, planner.AggAvg:
		if f, ok := toFloat(v); ok {
			a.sum += f
			a.count++
			a.set = true
		}
	case planner.AggMin:
		if !a.set || types.Compare(v, a.min) < 0 {
			a.min = v
			a.set = true
		}
	case planner.AggMax:
		if !a.set || types.Compare(v, a.max) > 0 {
			a.max = v
			a.set = true
		}
	}
}

// Result returns the final value. COUNT of an empty input is 0; every
// other function yields nil.
func (a *Accumulator) Result() types.Value {
	if !a.set {
		if a.fn == planner.AggCount {
			return int64(0)
		}
		return nil
	}
	switch a.fn {
	case planner.AggCount:
		return a.count
	case planner.AggSum:
		return a.sum
	case planner.AggMin:
		return a.min
	case planner.AggMax:
		return a.max
	case planner.AggAvg:
		return a.sum / float64(a.count)
	}
	return nil
}

func toFloat(v types.Value) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
