// Package partition implements range partitioning: declared half-open
// ranges over a partition-key column plus a default overflow partition,
// write routing, and read-side partition pruning.
package partition

import (
	"sort"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// DefaultPartition is the name of the partition catching values outside
// every declared range. Unpartitioned tables store all rows here.
const DefaultPartition = "p_default"

// Range is one declared partition: rows whose key value falls in the
// half-open interval [Low, High) belong to it.
type Range struct {
	Name string      `json:"name"`
	Low  types.Value `json:"low"`
	High types.Value `json:"high"`
}

// Contains reports whether the value falls inside [Low, High).
func (r Range) Contains(v types.Value) bool {
	return types.Compare(v, r.Low) >= 0 && types.Compare(v, r.High) < 0
}

// Set is the partition layout of one table: the key column, the declared
// ranges sorted by lower bound, and the implicit default partition.
type Set struct {
	Table     string  `json:"table"`
	KeyColumn string  `json:"key_column"`
	Ranges    []Range `json:"ranges"`
}

// NewSet validates and constructs a partition set. Ranges must be well
// formed (low < high) and pairwise non-overlapping; violations are rejected
// with InvalidRange before the set can go live.
func NewSet(table, keyColumn string, ranges []Range) (*Set, error) {
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		return types.Compare(sorted[i].Low, sorted[j].Low) < 0
	})

	seen := make(map[string]bool, len(sorted)+1)
	seen[DefaultPartition] = true
	for i, r := range sorted {
		if r.Name == "" {
			return nil, xerrors.New(xerrors.KindInvalidRange, xerrors.CodeMalformedRange,
				"partition name must not be empty")
		}
		if seen[r.Name] {
			return nil, xerrors.Newf(xerrors.KindInvalidRange, xerrors.CodeMalformedRange,
				"duplicate partition name %q", r.Name)
		}
		seen[r.Name] = true
		if r.Low == nil || r.High == nil {
			return nil, xerrors.Newf(xerrors.KindInvalidRange, xerrors.CodeMalformedRange,
				"partition %q has nil bounds", r.Name)
		}
		if types.Compare(r.Low, r.High) >= 0 {
			return nil, xerrors.Newf(xerrors.KindInvalidRange, xerrors.CodeMalformedRange,
				"partition %q: low bound %v is not below high bound %v", r.Name, r.Low, r.High)
		}
		if i > 0 && types.Compare(sorted[i-1].High, r.Low) > 0 {
			return nil, xerrors.Newf(xerrors.KindInvalidRange, xerrors.CodeOverlappingRange,
				"partition %q overlaps %q", r.Name, sorted[i-1].Name)
		}
	}

	return &Set{Table: table, KeyColumn: keyColumn, Ranges: sorted}, nil
}

// PartitionNames returns every partition name, default included.
func (s *Set) PartitionNames() []string {
	names := make([]string, 0, len(s.Ranges)+1)
	for _, r := range s.Ranges {
		names = append(names, r.Name)
	}
	return append(names, DefaultPartition)
}

// Locate returns the partition owning the given key value. Values outside
// every declared range, including nulls, land in the default partition.
func (s *Set) Locate(v types.Value) string {
	if v == nil {
		return DefaultPartition
	}
	for _, r := range s.Ranges {
		if r.Contains(v) {
			return r.Name
		}
	}
	return DefaultPartition
}
