// Package bloom provides a compact probabilistic membership filter used to
// pre-screen hash-join probes: a negative answer is definitive, a positive
// one falls through to the exact hash table.
package bloom

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// Filter is a bloom filter over byte keys. It is built single-threaded
// during a join's build phase and read-only afterward, so it carries no
// internal locking.
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
}

// New creates a filter sized for the expected number of items and target
// false positive rate.
func New(expectedItems int, targetFPR float64) *Filter {
	if expectedItems <= 0 {
		expectedItems = 1024
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	// m = -n ln(p) / ln(2)^2, k = (m/n) ln(2)
	n := float64(expectedItems)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	k := (m / n) * math.Ln2

	numBits := uint64(math.Ceil(m))
	if numBits < 64 {
		numBits = 64
	}
	numHashes := uint64(math.Ceil(k))
	if numHashes < 1 {
		numHashes = 1
	}

	words := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, words),
		numBits:   words * 64,
		numHashes: numHashes,
	}
}

// Add inserts a key.
func (f *Filter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
}

// Contains reports whether the key might have been added. False means the
// key was definitely never added.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}
