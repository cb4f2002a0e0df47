package index

import "github.com/lodgedb/lodgedb/pkg/types"

// KeyRange describes the keys a lookup should visit: equality on a leading
// prefix of the indexed columns, optionally followed by a bound on the next
// column. The zero KeyRange matches every key (full index scan).
//
// An index on (a, b, c) serves Prefix lookups on (a), (a, b), or (a, b, c),
// never on b or c alone.
type KeyRange struct {
	Prefix []types.Value

	Low     types.Value
	High    types.Value
	LowInc  bool
	HighInc bool
}

// matches reports whether a full key tuple satisfies the range, and whether
// the ascent can stop because every later key is out of range too.
func (r *KeyRange) matches(key []types.Value) (ok, done bool) {
	for i, p := range r.Prefix {
		if i >= len(key) {
			return false, false
		}
		c := types.Compare(key[i], p)
		if c < 0 {
			return false, false
		}
		if c > 0 {
			return false, true // past the prefix: ordered keys only grow
		}
	}

	pos := len(r.Prefix)
	if (r.Low != nil || r.High != nil) && pos >= len(key) {
		return false, false
	}
	if r.Low != nil {
		c := types.Compare(key[pos], r.Low)
		if c < 0 || (c == 0 && !r.LowInc) {
			return false, false
		}
	}
	if r.High != nil {
		c := types.Compare(key[pos], r.High)
		if c > 0 || (c == 0 && !r.HighInc) {
			return false, true
		}
	}
	return true, false
}

// seekKey returns the tuple the ascent should start from.
func (r *KeyRange) seekKey() []types.Value {
	if r.Low != nil {
		return append(append([]types.Value{}, r.Prefix...), r.Low)
	}
	if len(r.Prefix) > 0 {
		return r.Prefix
	}
	return nil
}

// Eq builds a KeyRange matching keys whose leading columns equal the given
// values.
func Eq(prefix ...types.Value) KeyRange {
	return KeyRange{Prefix: prefix}
}
