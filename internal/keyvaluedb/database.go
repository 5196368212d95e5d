/*
Package keyvaluedb defines the storage the development ledger persists its
accounts into. Keys are ordered bytewise, values are encoded by the
implementation.
*/
package keyvaluedb

import (
	"bytes"
	"errors"
)

type (
	Reader interface {
		// Read decodes the value of key into value, false when the key is not stored.
		Read(key []byte, value any) (bool, error)
	}

	Writer interface {
		Write(key []byte, value any) error
		Delete(key []byte) error
	}

	// Iterator walks the keys in ascending order. It must be closed when
	// done, an open bolt iterator blocks the following writes.
	Iterator interface {
		Next()
		// Valid is false once the iterator has moved past the last key.
		Valid() bool
		Key() []byte
		Value(value any) error
		Close() error
	}

	Iterable interface {
		// First returns iterator positioned at the smallest key.
		First() Iterator
		// Find returns iterator positioned at the first key not less than key.
		Find(key []byte) Iterator
	}

	// DBTransaction groups writes, nothing is visible to the database readers
	// before Commit.
	DBTransaction interface {
		Reader
		Writer
		Commit() error
		Rollback() error
	}

	KeyValueDB interface {
		Reader
		Writer
		Iterable
		// StartTx begins read-write transaction, only one may be open at a time.
		StartTx() (DBTransaction, error)
		Close() error
	}
)

func IsEmpty(db Iterable) (bool, error) {
	if db == nil {
		return true, errors.New("db is nil")
	}
	it := db.First()
	empty := !it.Valid()
	return empty, it.Close()
}

// ForEachWithPrefix calls fn for every key starting with prefix, in key order.
// Iteration stops at the first error returned by fn.
func ForEachWithPrefix(db Iterable, prefix []byte, fn func(key []byte, it Iterator) error) (err error) {
	it := db.Find(prefix)
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}()
	for ; it.Valid() && bytes.HasPrefix(it.Key(), prefix); it.Next() {
		if err := fn(it.Key(), it); err != nil {
			return err
		}
	}
	return nil
}
