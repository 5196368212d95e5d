package memorydb

import (
	"bytes"
	"errors"
	"sort"

	"golang.org/x/exp/maps"
)

var errIteratorDone = errors.New("iterator is past the last entry")

// Itr iterates over a sorted copy of the database taken when the iterator
// was created, later writes are not visible to it.
type Itr struct {
	keys    []string
	db      map[string][]byte
	decoder DecodeFn
	pos     int
}

func newIterator(db map[string][]byte, d DecodeFn) *Itr {
	keys := maps.Keys(db)
	sort.Strings(keys)
	return &Itr{keys: keys, db: maps.Clone(db), decoder: d, pos: len(keys)}
}

func (it *Itr) first() {
	it.pos = 0
}

// seek positions the iterator to the first key not less than key.
func (it *Itr) seek(key []byte) {
	it.pos = sort.Search(len(it.keys), func(i int) bool {
		return bytes.Compare([]byte(it.keys[i]), key) >= 0
	})
}

func (it *Itr) Valid() bool {
	return it.pos < len(it.keys)
}

func (it *Itr) Next() {
	if it.Valid() {
		it.pos++
	}
}

func (it *Itr) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return []byte(it.keys[it.pos])
}

func (it *Itr) Value(v any) error {
	if !it.Valid() {
		return errIteratorDone
	}
	return it.decoder(it.db[it.keys[it.pos]], v)
}

func (it *Itr) Close() error {
	it.pos = len(it.keys)
	return nil
}
