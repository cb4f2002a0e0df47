package planner

import (
	"fmt"
	"strings"
)

// ExplainAccess describes one table access for explain output.
type ExplainAccess struct {
	Table            string   `json:"table"`
	Access           string   `json:"access"` // "index_seek" or "seq_scan"
	Index            string   `json:"index,omitempty"`
	IndexColumns     []string `json:"index_columns,omitempty"`
	EqPrefixLen      int      `json:"eq_prefix_len,omitempty"`
	Partitions       []string `json:"partitions"`
	PartitionsPruned int      `json:"partitions_pruned"`
	ResidualFilters  int      `json:"residual_filters"`
	EstimatedRows    int64    `json:"estimated_rows"`
}

// ExplainJoin describes one join step for explain output.
type ExplainJoin struct {
	ExplainAccess
	Strategy            string `json:"strategy"`
	Condition           string `json:"condition"`
	SeekIndex           string `json:"seek_index,omitempty"`
	EstimatedBuildBytes int64  `json:"estimated_build_bytes,omitempty"`
}

// Explain is the serializable description of a plan, returned by the
// explain endpoint instead of executing the query.
type Explain struct {
	Root             ExplainAccess `json:"root"`
	Joins            []ExplainJoin `json:"joins,omitempty"`
	Output           []string      `json:"output"`
	GroupBy          []string      `json:"group_by,omitempty"`
	StreamingAgg     bool          `json:"streaming_agg,omitempty"`
	SortNeeded       bool          `json:"sort_needed"`
	Limit            *int64        `json:"limit,omitempty"`
	Offset           *int64        `json:"offset,omitempty"`
	PartitionsTotal  int           `json:"partitions_total"`
	PartitionsPruned int           `json:"partitions_pruned"`
	MemoryBudget     int64         `json:"memory_budget_bytes"`
}

func explainAccess(a AccessStep) ExplainAccess {
	ea := ExplainAccess{
		Table:            a.Table,
		Access:           "seq_scan",
		Partitions:       a.Partitions,
		PartitionsPruned: a.TotalPartitions - len(a.Partitions),
		ResidualFilters:  len(a.Filter),
		EstimatedRows:    a.EstimatedRows,
	}
	if a.IndexName != "" {
		ea.Access = "index_seek"
		ea.Index = a.IndexName
		ea.IndexColumns = a.IndexColumns
		ea.EqPrefixLen = a.EqPrefixLen
	}
	return ea
}

// Explain renders the plan without executing it.
func (p *Plan) Explain() *Explain {
	ex := &Explain{
		Root:             explainAccess(p.Root),
		Output:           p.OutputColumns,
		GroupBy:          p.GroupByNames,
		StreamingAgg:     p.StreamingAgg,
		SortNeeded:       p.SortNeeded,
		Limit:            p.Limit,
		Offset:           p.Offset,
		MemoryBudget:     p.MemoryBudget,
		PartitionsPruned: p.PartitionsPruned(),
	}
	ex.PartitionsTotal = p.Root.TotalPartitions
	for _, j := range p.Joins {
		ej := ExplainJoin{
			ExplainAccess: explainAccess(j.Access),
			Strategy:      string(j.Strategy),
			Condition: fmt.Sprintf("%s = %s.%s",
				p.PipelineColumns[j.LeftCol], j.Access.Table, j.Access.Schema.Columns[j.RightCol].Name),
			SeekIndex: j.SeekIndex,
		}
		if j.Strategy == JoinHash {
			ej.EstimatedBuildBytes = j.EstimatedBuildBytes
		}
		ex.Joins = append(ex.Joins, ej)
		ex.PartitionsTotal += j.Access.TotalPartitions
	}
	return ex
}

func (ea ExplainAccess) text() string {
	var b strings.Builder
	if ea.Access == "index_seek" {
		fmt.Fprintf(&b, "index_seek %s using %s (%s)", ea.Table, ea.Index, strings.Join(ea.IndexColumns, ", "))
	} else {
		fmt.Fprintf(&b, "seq_scan %s", ea.Table)
	}
	fmt.Fprintf(&b, " partitions=%d pruned=%d est_rows=%d", len(ea.Partitions), ea.PartitionsPruned, ea.EstimatedRows)
	if ea.ResidualFilters > 0 {
		fmt.Fprintf(&b, " residual_filters=%d", ea.ResidualFilters)
	}
	return b.String()
}

// Text renders the plan as indented step lines for logs and diagnostics.
func (ex *Explain) Text() string {
	var b strings.Builder
	b.WriteString(ex.Root.text())
	for _, j := range ex.Joins {
		fmt.Fprintf(&b, "\n  %s_join on %s: %s", j.Strategy, j.Condition, j.ExplainAccess.text())
		if j.Strategy == "hash" && j.EstimatedBuildBytes > 0 {
			fmt.Fprintf(&b, " build_bytes=%d", j.EstimatedBuildBytes)
		}
	}
	if len(ex.GroupBy) > 0 {
		mode := "hash"
		if ex.StreamingAgg {
			mode = "streaming"
		}
		fmt.Fprintf(&b, "\n  aggregate(%s) by %s", mode, strings.Join(ex.GroupBy, ", "))
	}
	if ex.SortNeeded {
		b.WriteString("\n  sort")
	}
	if ex.Limit != nil || ex.Offset != nil {
		b.WriteString("\n  limit/offset")
	}
	fmt.Fprintf(&b, "\n  output: %s", strings.Join(ex.Output, ", "))
	return b.String()
}
