/*
Package boltdb implements keyvaluedb on top of a bbolt file. Values are CBOR
encoded and kept in a single bucket.
*/
package boltdb

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/alphabill-org/automaton/internal/keyvaluedb"
)

const (
	bucketName  = "ledger"
	openTimeout = 3 * time.Second
)

type (
	EncodeFn func(v any) ([]byte, error)
	DecodeFn func(data []byte, v any) error

	BoltDB struct {
		db      *bolt.DB
		bucket  []byte
		encoder EncodeFn
		decoder DecodeFn
	}
)

// New opens the database file, creating it when it doesn't exist. Fails
// when another process holds the file open for longer than the open timeout.
func New(dbFile string) (*BoltDB, error) {
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db %s: %w", dbFile, err)
	}
	s := &BoltDB{
		db:      db,
		bucket:  []byte(bucketName),
		encoder: cbor.Marshal,
		decoder: cbor.Unmarshal,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating bucket: %w", err), db.Close())
	}
	return s, nil
}

func (db *BoltDB) Path() string {
	return db.db.Path()
}

func (db *BoltDB) Read(key []byte, v any) (found bool, err error) {
	if err := keyvaluedb.ValidateEntry(key, v); err != nil {
		return false, err
	}
	err = db.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(db.bucket).Get(key)
		if found = data != nil; !found {
			return nil
		}
		return db.decoder(data, v)
	})
	if err != nil {
		return found, fmt.Errorf("reading %x: %w", key, err)
	}
	return found, nil
}

func (db *BoltDB) Write(key []byte, v any) error {
	if err := keyvaluedb.ValidateEntry(key, v); err != nil {
		return err
	}
	data, err := db.encoder(v)
	if err != nil {
		return fmt.Errorf("encoding value of %x: %w", key, err)
	}
	return db.update(key, func(b *bolt.Bucket) error { return b.Put(key, data) })
}

func (db *BoltDB) Delete(key []byte) error {
	if err := keyvaluedb.ValidateKey(key); err != nil {
		return err
	}
	return db.update(key, func(b *bolt.Bucket) error { return b.Delete(key) })
}

func (db *BoltDB) update(key []byte, fn func(b *bolt.Bucket) error) error {
	if err := db.db.Update(func(tx *bolt.Tx) error { return fn(tx.Bucket(db.bucket)) }); err != nil {
		return fmt.Errorf("updating %x: %w", key, err)
	}
	return nil
}

func (db *BoltDB) First() keyvaluedb.Iterator {
	it := newIterator(db.db, db.bucket, db.decoder)
	it.first()
	return it
}

func (db *BoltDB) Find(key []byte) keyvaluedb.Iterator {
	it := newIterator(db.db, db.bucket, db.decoder)
	it.seek(key)
	return it
}

func (db *BoltDB) StartTx() (keyvaluedb.DBTransaction, error) {
	return db.newTx()
}

func (db *BoltDB) Close() error {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}
