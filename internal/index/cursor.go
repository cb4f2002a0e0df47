package index

import "github.com/lodgedb/lodgedb/pkg/types"

// cursorBatch is the number of row references pulled from the tree per
// refill. Keeps per-Next work bounded without re-walking from the root for
// every reference.
const cursorBatch = 64

// Cursor is a lazily-evaluated, ordered sequence of row references matching
// a key range at a fixed snapshot. It is finite and restartable: Reset
// rewinds it to the first match. A cursor is not safe for concurrent use.
type Cursor struct {
	idx  *Index
	rng  KeyRange
	snap uint64

	buf     []types.RowRef
	pos     int
	resume  []types.Value // last key consumed; refill resumes after it
	done    bool
	started bool
}

// Next returns the next matching row reference in key order.
func (c *Cursor) Next() (types.RowRef, bool) {
	if c.pos >= len(c.buf) {
		c.refill()
	}
	if c.pos >= len(c.buf) {
		return types.RowRef{}, false
	}
	ref := c.buf[c.pos]
	c.pos++
	return ref, true
}

// Reset rewinds the cursor to the start of the range. The snapshot is
// unchanged, so a restarted cursor yields the identical sequence.
func (c *Cursor) Reset() {
	c.buf = c.buf[:0]
	c.pos = 0
	c.resume = nil
	c.done = false
	c.started = false
}

func (c *Cursor) refill() {
	c.buf = c.buf[:0]
	c.pos = 0
	if c.done {
		return
	}

	from := c.rng.seekKey()
	if c.started {
		from = c.resume
	}

	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()

	c.idx.tree.ascend(from, func(it *item) bool {
		if c.started && c.resume != nil && types.CompareTuples(it.key, c.resume) <= 0 {
			return true // already consumed in a previous batch
		}
		ok, past := c.rng.matches(it.key)
		if past {
			c.done = true
			return false
		}
		if ok {
			for _, e := range it.entries {
				if e.visibleAt(c.snap) {
					c.buf = append(c.buf, e.ref)
				}
			}
			c.resume = it.key
			c.started = true
			if len(c.buf) >= cursorBatch {
				return false
			}
		}
		return true
	})

	if len(c.buf) == 0 {
		c.done = true
	}
}
