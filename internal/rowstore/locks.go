package rowstore

import (
	"hash/fnv"
	"sync"
)

// keyLocks serializes writers on the same primary key while letting writers
// on distinct keys proceed in parallel. Locks are striped: two keys hashing
// to the same stripe share a mutex, which is harmless for correctness.
type keyLocks struct {
	stripes []sync.Mutex
}

const defaultStripes = 128

func newKeyLocks() *keyLocks {
	return &keyLocks{stripes: make([]sync.Mutex, defaultStripes)}
}

func (k *keyLocks) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m
}
