package partition

import (
	"sync"

	"github.com/lodgedb/lodgedb/pkg/types"
)

// KeyBounds is a predicate over the partition-key column, expressed as an
// optional equality plus optional lower/upper bounds. Nil fields leave that
// side unconstrained.
type KeyBounds struct {
	Eq      types.Value
	Low     types.Value
	High    types.Value
	LowInc  bool
	HighInc bool
}

// Router owns the versioned partition layout for every table and answers
// write routing and read pruning questions. The layout is read-locked
// during planning and briefly write-locked when a partition set is added.
type Router struct {
	mu      sync.RWMutex
	sets    map[string]*Set
	version uint64
}

// NewRouter creates an empty router. Tables without a declared partition
// set behave as single-partition tables over the default partition.
func NewRouter() *Router {
	return &Router{sets: make(map[string]*Set)}
}

// Attach installs the partition set for a table, replacing any previous
// layout. The set has already been validated by NewSet.
func (r *Router) Attach(set *Set) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[set.Table] = set
	r.version++
}

// Set returns the partition set declared for a table, or nil when the table
// is unpartitioned.
func (r *Router) Set(table string) *Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sets[table]
}

// Sets returns every attached partition set, for catalog persistence.
func (r *Router) Sets() []*Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Set, 0, len(r.sets))
	for _, s := range r.sets {
		out = append(out, s)
	}
	return out
}

// Version returns the current metadata version. Planners record it so a
// plan explanation can be tied to the layout it was built against.
func (r *Router) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// KeyColumn returns the partition-key column for a table, or "" when the
// table is unpartitioned.
func (r *Router) KeyColumn(table string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sets[table]; ok {
		return s.KeyColumn
	}
	return ""
}

// RouteForWrite returns the single partition a new row with the given
// partition-key value must be written to.
func (r *Router) RouteForWrite(table string, keyValue types.Value) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.sets[table]
	if !ok {
		return DefaultPartition
	}
	return set.Locate(keyValue)
}

// RouteForRead returns the minimal set of partitions whose range can
// intersect the predicate. A nil predicate, or one that does not constrain
// the partition key, returns every partition including the default.
//
// Pruning is sound over precise: the default partition is only excluded
// when the declared ranges provably cover the whole queried interval.
func (r *Router) RouteForRead(table string, bounds *KeyBounds) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.sets[table]
	if !ok {
		return []string{DefaultPartition}
	}
	if bounds == nil {
		return set.PartitionNames()
	}

	if bounds.Eq != nil {
		for _, rng := range set.Ranges {
			if rng.Contains(bounds.Eq) {
				return []string{rng.Name}
			}
		}
		return []string{DefaultPartition}
	}

	if bounds.Low == nil && bounds.High == nil {
		return set.PartitionNames()
	}

	var out []string
	for _, rng := range set.Ranges {
		if rangeIntersects(rng, bounds) {
			out = append(out, rng.Name)
		}
	}
	if !covered(set.Ranges, bounds) {
		out = append(out, DefaultPartition)
	}
	return out
}

// rangeIntersects reports whether a declared [Low, High) range can contain
// a value satisfying the bounds.
func rangeIntersects(rng Range, b *KeyBounds) bool {
	if b.High != nil {
		c := types.Compare(rng.Low, b.High)
		if c > 0 || (c == 0 && !b.HighInc) {
			return false
		}
	}
	if b.Low != nil {
		// rng.High is exclusive, so rng.High <= low means no overlap
		// regardless of the bound's own inclusivity.
		if types.Compare(rng.High, b.Low) <= 0 {
			return false
		}
	}
	return true
}

// covered reports whether the queried interval lies entirely inside the
// union of declared ranges, i.e. no qualifying value can have landed in the
// default partition. Unbounded sides are never covered. Bound exclusivity
// is treated conservatively; a false negative only costs an extra scan.
func covered(ranges []Range, b *KeyBounds) bool {
	if b.Low == nil || b.High == nil {
		return false
	}

	cursor := b.Low
	for _, rng := range ranges {
		if types.Compare(rng.High, cursor) <= 0 {
			continue
		}
		if types.Compare(rng.Low, cursor) > 0 {
			// Gap below this range: the cursor value itself is uncovered.
			return false
		}
		cursor = rng.High
		if c := types.Compare(cursor, b.High); c > 0 || (c == 0 && !b.HighInc) {
			return true
		}
	}
	return false
}
