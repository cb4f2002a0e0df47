// Package index maintains ordered B-tree structures mapping column value
// tuples to row references, supporting single-column and composite keys
// with left-prefix lookups.
package index

import (
	"github.com/lodgedb/lodgedb/pkg/types"
)

// entry is one row reference under an index key, with its visibility
// window. Deletions stamp entries instead of removing them, so the tree
// only ever grows structurally and never rebalances on delete.
type entry struct {
	ref     types.RowRef
	created uint64
	deleted uint64 // 0 while live
}

func (e *entry) visibleAt(seq uint64) bool {
	return e.created <= seq && (e.deleted == 0 || e.deleted > seq)
}

func (e *entry) live() bool {
	return e.deleted == 0
}

// item holds all entries sharing one key tuple.
type item struct {
	key     []types.Value
	entries []*entry
}

const btreeDegree = 16 // max items per node before split

type node struct {
	items    []*item
	children []*node // nil for leaves
}

func (n *node) leaf() bool {
	return len(n.children) == 0
}

// btree is an in-memory B-tree over composite value tuples. Mutations are
// synchronized by the caller (the index holds the lock); lookups traverse
// without internal locking.
type btree struct {
	root *node
	size int // distinct keys
}

func newBTree() *btree {
	return &btree{root: &node{}}
}

// find returns the item for an exact key tuple, or nil.
func (t *btree) find(key []types.Value) *item {
	n := t.root
	for {
		i, ok := n.search(key)
		if ok {
			return n.items[i]
		}
		if n.leaf() {
			return nil
		}
		n = n.children[i]
	}
}

// search returns the position of key within the node's items, and whether
// an exact match was found.
func (n *node) search(key []types.Value) (int, bool) {
	lo, hi := 0, len(n.items)
	for lo < hi {
		mid := (lo + hi) / 2
		c := types.CompareTuples(n.items[mid].key, key)
		switch {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// insert adds an entry under the key tuple, creating the item if needed.
func (t *btree) insert(key []types.Value, e *entry) {
	if it := t.find(key); it != nil {
		it.entries = append(it.entries, e)
		return
	}

	it := &item{key: key, entries: []*entry{e}}
	if len(t.root.items) >= 2*btreeDegree-1 {
		old := t.root
		t.root = &node{children: []*node{old}}
		t.root.splitChild(0)
	}
	t.root.insertNonFull(it)
	t.size++
}

func (n *node) insertNonFull(it *item) {
	i, _ := n.search(it.key)
	if n.leaf() {
		n.items = append(n.items, nil)
		copy(n.items[i+1:], n.items[i:])
		n.items[i] = it
		return
	}
	if len(n.children[i].items) >= 2*btreeDegree-1 {
		n.splitChild(i)
		if types.CompareTuples(it.key, n.items[i].key) > 0 {
			i++
		}
	}
	n.children[i].insertNonFull(it)
}

// splitChild splits the full child at position i, hoisting its median item.
func (n *node) splitChild(i int) {
	child := n.children[i]
	mid := btreeDegree - 1
	median := child.items[mid]

	right := &node{
		items: append([]*item(nil), child.items[mid+1:]...),
	}
	if !child.leaf() {
		right.children = append([]*node(nil), child.children[mid+1:]...)
		child.children = child.children[:mid+1]
	}
	child.items = child.items[:mid]

	n.items = append(n.items, nil)
	copy(n.items[i+1:], n.items[i:])
	n.items[i] = median

	n.children = append(n.children, nil)
	copy(n.children[i+2:], n.children[i+1:])
	n.children[i+1] = right
}

// ascend walks items with key >= from (or all items when from is nil) in
// ascending key order, until fn returns false.
func (t *btree) ascend(from []types.Value, fn func(*item) bool) {
	t.root.ascend(from, fn)
}

func (n *node) ascend(from []types.Value, fn func(*item) bool) bool {
	i := 0
	if from != nil {
		i, _ = n.search(from)
	}
	for ; i < len(n.items); i++ {
		if !n.leaf() {
			if !n.children[i].ascend(from, fn) {
				return false
			}
		}
		if from == nil || types.CompareTuples(n.items[i].key, from) >= 0 {
			if !fn(n.items[i]) {
				return false
			}
		}
		// Only the first descended subtree can contain keys below from.
		from = nil
	}
	if !n.leaf() {
		return n.children[len(n.items)].ascend(from, fn)
	}
	return true
}
