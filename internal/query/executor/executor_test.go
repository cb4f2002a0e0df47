package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/internal/index"
	"github.com/lodgedb/lodgedb/internal/partition"
	"github.com/lodgedb/lodgedb/internal/query/planner"
	"github.com/lodgedb/lodgedb/internal/rowstore"
	"github.com/lodgedb/lodgedb/internal/schema"
	"github.com/lodgedb/lodgedb/pkg/types"
)

type execEnv struct {
	store   *rowstore.Store
	indexes *index.Manager
	router  *partition.Router
	exec    *Executor
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	router := partition.NewRouter()
	store := rowstore.NewStore(router)
	indexes := index.NewManager(store)
	store.AddListener(indexes)
	for _, tbl := range schema.Marketplace() {
		require.NoError(t, store.CreateTable(tbl))
	}
	return &execEnv{
		store:   store,
		indexes: indexes,
		router:  router,
		exec:    New(store, indexes),
	}
}

func (e *execEnv) seed(t *testing.T, bookings int) {
	t.Helper()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, e.store.Insert("users", types.Row{
			i, "First", "Last", fmt.Sprintf("u%d@example.com", i), "guest",
			time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		}))
	}
	require.NoError(t, e.store.Update("users", []types.Value{int64(1)}, types.Patch{"role": "host"}))
	require.NoError(t, e.store.Insert("properties", types.Row{
		int64(1), int64(1), "Sea Cottage", "Lisbon", 120.0,
		time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	statuses := []string{"pending", "confirmed", "canceled"}
	for i := 0; i < bookings; i++ {
		start := time.Date(2022+(i%4), 3, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, e.store.Insert("bookings", types.Row{
			int64(100 + i), int64(1), int64(1+i%3), start, start.AddDate(0, 0, 2),
			float64(100 + i), statuses[i%3],
		}))
	}
}

func (e *execEnv) run(t *testing.T, q *planner.Query, budget int64) ([]types.Row, *Result) {
	t.Helper()
	plan, err := planner.New(e.store, e.indexes, e.router, budget).Plan(q)
	require.NoError(t, err)
	res, err := e.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	t.Cleanup(res.Close)
	rows, err := collect(res)
	require.NoError(t, err)
	return rows, res
}

func collect(res *Result) ([]types.Row, error) {
	var rows []types.Row
	for {
		row, ok, err := res.Next(context.Background())
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

func TestExecute_SeqScanWithFilter(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 9)

	rows, res := env.run(t, &planner.Query{
		Table: "bookings",
		Where: []planner.Predicate{{Column: "status", Op: planner.OpEq, Value: "confirmed"}},
	}, 0)
	assert.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, "confirmed", row[6])
	}
	stats := res.Stats()
	assert.Equal(t, int64(9), stats.RowsScanned)
	assert.Equal(t, int64(3), stats.RowsReturned)
}

func TestExecute_IndexSeek(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 9)
	_, err := env.indexes.CreateIndex(index.Definition{
		Name: "ix_prop_status", Table: "bookings",
		Columns: []string{"property_id", "status"},
	}, false)
	require.NoError(t, err)

	rows, res := env.run(t, &planner.Query{
		Table: "bookings",
		Where: []planner.Predicate{
			{Column: "property_id", Op: planner.OpEq, Value: int64(1)},
			{Column: "status", Op: planner.OpEq, Value: "confirmed"},
		},
	}, 0)
	assert.Len(t, rows, 3)
	// The seek touches only matching entries, not the whole table.
	assert.Equal(t, int64(3), res.Stats().RowsScanned)
}

func TestExecute_Projection(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 3)

	rows, _ := env.run(t, &planner.Query{
		Table:  "users",
		Select: []string{"email"},
	}, 0)
	require.Len(t, rows, 3)
	assert.Len(t, rows[0], 1)
}

func TestExecute_LimitOffset(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 9)

	limit, offset := int64(3), int64(2)
	rows, _ := env.run(t, &planner.Query{
		Table:  "bookings",
		Limit:  &limit,
		Offset: &offset,
	}, 0)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(102), rows[0][0])
}

func TestExecute_OrderBy(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 9)

	rows, _ := env.run(t, &planner.Query{
		Table:   "bookings",
		Select:  []string{"booking_id", "total_price"},
		OrderBy: []planner.OrderBy{{Column: "total_price", Desc: true}},
	}, 0)
	require.Len(t, rows, 9)
	assert.Equal(t, float64(108), rows[0][1])
	assert.Equal(t, float64(100), rows[8][1])
}

func TestExecute_HashJoin(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 6)

	rows, _ := env.run(t, &planner.Query{
		Table:  "bookings",
		Select: []string{"bookings.booking_id", "users.email"},
		Joins: []planner.Join{
			{Table: "users", LeftColumn: "bookings.user_id", RightColumn: "user_id"},
		},
	}, 64<<20)
	require.Len(t, rows, 6)
	for _, row := range rows {
		assert.Contains(t, row[1], "@example.com")
	}
}

func TestExecute_NestedLoopJoinMatchesHashJoin(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 6)
	_, err := env.indexes.CreateIndex(index.Definition{
		Name: "pk_users", Table: "users", Columns: []string{"user_id"}, Unique: true,
	}, false)
	require.NoError(t, err)

	q := &planner.Query{
		Table:  "bookings",
		Select: []string{"bookings.booking_id", "users.email"},
		Joins: []planner.Join{
			{Table: "users", LeftColumn: "bookings.user_id", RightColumn: "user_id"},
		},
	}

	hashRows, _ := env.run(t, q, 64<<20)

	// A one-byte budget forces the nested loop. Both strategies drive from
	// the outer scan, so the row order matches without an explicit sort.
	plan, err := planner.New(env.store, env.indexes, env.router, 1).Plan(q)
	require.NoError(t, err)
	require.Len(t, plan.Joins, 1)
	require.Equal(t, planner.JoinNestedLoop, plan.Joins[0].Strategy)
	res, err := env.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	defer res.Close()
	nlRows, err := collect(res)
	require.NoError(t, err)

	assert.Equal(t, hashRows, nlRows)
}

func TestExecute_ThreeTableJoin(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 6)

	rows, _ := env.run(t, &planner.Query{
		Table:  "bookings",
		Select: []string{"bookings.booking_id", "users.email", "properties.name"},
		Joins: []planner.Join{
			{Table: "users", LeftColumn: "bookings.user_id", RightColumn: "user_id"},
			{Table: "properties", LeftColumn: "bookings.property_id", RightColumn: "property_id"},
		},
	}, 64<<20)
	require.Len(t, rows, 6)
	assert.Equal(t, "Sea Cottage", rows[0][2])
}

func TestExecute_MemoryBudgetExceeded(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 9)

	// Sorting the whole table cannot fit in a tiny budget.
	plan, err := planner.New(env.store, env.indexes, env.router, 64).Plan(&planner.Query{
		Table:   "bookings",
		OrderBy: []planner.OrderBy{{Column: "total_price"}},
	})
	require.NoError(t, err)
	res, err := env.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	defer res.Close()

	_, err = collect(res)
	require.Error(t, err)
	assert.True(t, xerrors.IsResourceExhausted(err))
	assert.Equal(t, xerrors.CodeMemoryBudget, xerrors.GetCode(err))
}

func TestExecute_GroupByAggregates(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 9)

	rows, _ := env.run(t, &planner.Query{
		Table:      "bookings",
		GroupBy:    []string{"status"},
		Aggregates: []planner.Aggregate{{Func: planner.AggCount}},
		OrderBy:    []planner.OrderBy{{Column: "status"}},
	}, 0)
	assert.Equal(t, []types.Row{
		{"canceled", int64(3)},
		{"confirmed", int64(3)},
		{"pending", int64(3)},
	}, rows)
}

func TestExecute_GrandAggregateOverEmptyInput(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 4)

	rows, _ := env.run(t, &planner.Query{
		Table: "bookings",
		Where: []planner.Predicate{{Column: "total_price", Op: planner.OpGt, Value: 1e9}},
		Aggregates: []planner.Aggregate{
			{Func: planner.AggCount},
			{Func: planner.AggSum, Column: "total_price"},
		},
	}, 0)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0), rows[0][0])
	assert.Nil(t, rows[0][1])
}

func TestExecute_AvgAggregate(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 4)

	rows, _ := env.run(t, &planner.Query{
		Table:      "bookings",
		Aggregates: []planner.Aggregate{{Func: planner.AggAvg, Column: "total_price", Alias: "avg_price"}},
	}, 0)
	require.Len(t, rows, 1)
	assert.InDelta(t, 101.5, rows[0][0].(float64), 0.0001)
}

func TestExecute_StreamingAggregation(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 9)
	_, err := env.indexes.CreateIndex(index.Definition{
		Name: "ix_prop_status", Table: "bookings",
		Columns: []string{"property_id", "status"},
	}, false)
	require.NoError(t, err)

	plan, err := planner.New(env.store, env.indexes, env.router, 0).Plan(&planner.Query{
		Table:      "bookings",
		Where:      []planner.Predicate{{Column: "property_id", Op: planner.OpEq, Value: int64(1)}},
		GroupBy:    []string{"status"},
		Aggregates: []planner.Aggregate{{Func: planner.AggCount}},
	})
	require.NoError(t, err)
	require.True(t, plan.StreamingAgg)

	res, err := env.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	defer res.Close()
	rows, err := collect(res)
	require.NoError(t, err)

	// Index order is the group order.
	assert.Equal(t, []types.Row{
		{"canceled", int64(3)},
		{"confirmed", int64(3)},
		{"pending", int64(3)},
	}, rows)
}

func TestExecute_SnapshotIsolation(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 4)

	plan, err := planner.New(env.store, env.indexes, env.router, 0).Plan(&planner.Query{Table: "bookings"})
	require.NoError(t, err)

	// Writes after planning are invisible to the plan's snapshot.
	require.NoError(t, env.store.Delete("bookings", []types.Value{int64(100)}))
	require.NoError(t, env.store.Insert("bookings", types.Row{
		int64(999), int64(1), int64(1),
		time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 8, 3, 0, 0, 0, 0, time.UTC),
		200.0, "pending",
	}))

	res, err := env.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	defer res.Close()
	rows, err := collect(res)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestExecute_IdempotentReExecution(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 9)

	plan, err := planner.New(env.store, env.indexes, env.router, 0).Plan(&planner.Query{
		Table: "bookings",
		Where: []planner.Predicate{{Column: "status", Op: planner.OpNe, Value: "canceled"}},
	})
	require.NoError(t, err)

	runPlan := func() []types.Row {
		res, err := env.exec.Execute(context.Background(), plan)
		require.NoError(t, err)
		defer res.Close()
		rows, err := collect(res)
		require.NoError(t, err)
		return rows
	}

	first := runPlan()
	// Concurrent-looking mutations between executions.
	require.NoError(t, env.store.Update("bookings", []types.Value{int64(101)},
		types.Patch{"status": "canceled"}))

	assert.Equal(t, first, runPlan(), "same plan, same snapshot, same rows")
}

func TestExecute_Cancellation(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 4)

	plan, err := planner.New(env.store, env.indexes, env.router, 0).Plan(&planner.Query{Table: "bookings"})
	require.NoError(t, err)
	res, err := env.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	defer res.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ok, err := res.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	cancel()
	_, ok, err = res.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)

	// The stream stays dead afterward.
	_, ok, err = res.Next(context.Background())
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestExecute_NullNeverMatchesPredicates(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 0)
	// Review with a NULL comment.
	require.NoError(t, env.store.Insert("reviews", types.Row{
		int64(1), int64(1), int64(2), int64(4), nil,
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, env.store.Insert("reviews", types.Row{
		int64(2), int64(1), int64(2), int64(5), "lovely",
		time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
	}))

	// Neither = nor != matches a NULL comment.
	rows, _ := env.run(t, &planner.Query{
		Table: "reviews",
		Where: []planner.Predicate{{Column: "comment", Op: planner.OpNe, Value: "lovely"}},
	}, 0)
	assert.Empty(t, rows)

	rows, _ = env.run(t, &planner.Query{
		Table: "reviews",
		Where: []planner.Predicate{{Column: "comment", Op: planner.OpEq, Value: "lovely"}},
	}, 0)
	assert.Len(t, rows, 1)
}

func TestExecute_InPredicate(t *testing.T) {
	env := newExecEnv(t)
	env.seed(t, 9)

	rows, _ := env.run(t, &planner.Query{
		Table: "bookings",
		Where: []planner.Predicate{{
			Column: "status", Op: planner.OpIn,
			Values: []types.Value{"pending", "confirmed"},
		}},
	}, 0)
	assert.Len(t, rows, 6)
}

func TestExecute_PartitionPruningStats(t *testing.T) {
	env := newExecEnv(t)
	var ranges []partition.Range
	for y := 2022; y <= 2025; y++ {
		ranges = append(ranges, partition.Range{
			Name: fmt.Sprintf("p_%d", y),
			Low:  time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC),
			High: time.Date(y+1, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	set, err := partition.NewSet("bookings", "start_date", ranges)
	require.NoError(t, err)
	env.router.Attach(set)
	env.seed(t, 8)

	rows, res := env.run(t, &planner.Query{
		Table: "bookings",
		Where: []planner.Predicate{{
			Column: "start_date", Op: planner.OpBetween,
			Low: "2023-01-01", High: "2023-12-30",
		}},
	}, 0)
	assert.Len(t, rows, 2)
	stats := res.Stats()
	assert.Equal(t, 1, stats.PartitionsScanned)
	assert.Equal(t, 4, stats.PartitionsPruned)
	assert.Equal(t, int64(2), stats.RowsScanned)
}
