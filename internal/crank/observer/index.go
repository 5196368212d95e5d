package observer

import (
	"sync"

	"golang.org/x/exp/constraints"

	"github.com/alphabill-org/automaton/internal/types"
)

// bucket holds automation addresses and the generation they were inserted with.
type bucket map[types.Address]uint64

/*
keyIndex maps a key (watched account, timestamp, slot...) to the automations
waiting for it. Safe for concurrent use.
*/
type keyIndex[K comparable] struct {
	mu      sync.Mutex
	buckets map[K]bucket
	size    int
}

func newKeyIndex[K comparable]() *keyIndex[K] {
	return &keyIndex[K]{buckets: make(map[K]bucket)}
}

func (ix *keyIndex[K]) add(key K, id types.Address, gen uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b, ok := ix.buckets[key]
	if !ok {
		b = make(bucket)
		ix.buckets[key] = b
	}
	if _, ok := b[id]; !ok {
		ix.size++
	}
	b[id] = gen
}

func (ix *keyIndex[K]) remove(key K, id types.Address) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b, ok := ix.buckets[key]
	if !ok {
		return
	}
	if _, ok := b[id]; ok {
		ix.size--
		delete(b, id)
	}
	if len(b) == 0 {
		delete(ix.buckets, key)
	}
}

// pop removes the bucket and returns its content.
func (ix *keyIndex[K]) pop(key K) bucket {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b := ix.buckets[key]
	delete(ix.buckets, key)
	ix.size -= len(b)
	return b
}

func (ix *keyIndex[K]) len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.size
}

// thresholdIndex is a keyIndex over ordered keys which can release all buckets up to a bound.
type thresholdIndex[K constraints.Ordered] struct {
	*keyIndex[K]
}

func newThresholdIndex[K constraints.Ordered]() thresholdIndex[K] {
	return thresholdIndex[K]{keyIndex: newKeyIndex[K]()}
}

// popUpTo removes every bucket whose key is <= bound and returns the merged content.
func (ix thresholdIndex[K]) popUpTo(bound K) bucket {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var res bucket
	for key, b := range ix.buckets {
		if key > bound {
			continue
		}
		if res == nil {
			res = make(bucket, len(b))
		}
		for id, gen := range b {
			res[id] = gen
		}
		ix.size -= len(b)
		delete(ix.buckets, key)
	}
	return res
}
