package boltdb

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/alphabill-org/automaton/internal/keyvaluedb"
)

// Tx wraps read-write bolt transaction. Bolt allows one writer at a time so
// StartTx blocks while another Tx is open.
type Tx struct {
	db *BoltDB
	tx *bolt.Tx
}

func (db *BoltDB) newTx() (*Tx, error) {
	tx, err := db.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("starting bolt tx: %w", err)
	}
	return &Tx{db: db, tx: tx}, nil
}

func (t *Tx) bucket() (*bolt.Bucket, error) {
	if t.tx == nil {
		return nil, keyvaluedb.ErrTxFinished
	}
	return t.tx.Bucket(t.db.bucket), nil
}

func (t *Tx) Read(key []byte, v any) (bool, error) {
	if err := keyvaluedb.ValidateEntry(key, v); err != nil {
		return false, err
	}
	b, err := t.bucket()
	if err != nil {
		return false, err
	}
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, t.db.decoder(data, v)
}

func (t *Tx) Write(key []byte, value any) error {
	if err := keyvaluedb.ValidateEntry(key, value); err != nil {
		return err
	}
	b, err := t.bucket()
	if err != nil {
		return err
	}
	data, err := t.db.encoder(value)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (t *Tx) Delete(key []byte) error {
	if err := keyvaluedb.ValidateKey(key); err != nil {
		return err
	}
	b, err := t.bucket()
	if err != nil {
		return err
	}
	return b.Delete(key)
}

func (t *Tx) Rollback() error {
	if t.tx == nil {
		return nil
	}
	tx := t.tx
	t.tx = nil
	return tx.Rollback()
}

func (t *Tx) Commit() error {
	if t.tx == nil {
		return keyvaluedb.ErrTxFinished
	}
	tx := t.tx
	t.tx = nil
	return tx.Commit()
}
