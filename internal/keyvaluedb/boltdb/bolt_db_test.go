package boltdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/automaton/internal/keyvaluedb"
	"github.com/alphabill-org/automaton/internal/types"
)

func newTestDB(t *testing.T) *BoltDB {
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestBoltDB_WriteReadDelete(t *testing.T) {
	db := newTestDB(t)
	empty, err := keyvaluedb.IsEmpty(db)
	require.NoError(t, err)
	require.True(t, empty)

	clock := types.Clock{Slot: 9, Epoch: 2, UnixTimestamp: 1_900_000_000}
	require.NoError(t, db.Write([]byte("clock"), clock))
	var back types.Clock
	found, err := db.Read([]byte("clock"), &back)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, clock, back)

	found, err = db.Read([]byte("missing"), &back)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, db.Delete([]byte("clock")))
	found, err = db.Read([]byte("clock"), &back)
	require.NoError(t, err)
	require.False(t, found)

	require.Error(t, db.Write(nil, clock))
	require.Error(t, db.Delete(nil))
}

func TestBoltDB_Reopen(t *testing.T) {
	file := filepath.Join(t.TempDir(), "test.db")
	db, err := New(file)
	require.NoError(t, err)
	require.Equal(t, file, db.Path())
	require.NoError(t, db.Write([]byte("k"), "v"))
	require.NoError(t, db.Close())

	db, err = New(file)
	require.NoError(t, err)
	defer db.Close()
	var v string
	found, err := db.Read([]byte("k"), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", v)
}

func TestBoltDB_Iterators(t *testing.T) {
	db := newTestDB(t)
	for _, k := range []string{"acc/2", "acc/1", "sig/1", "clock"} {
		require.NoError(t, db.Write([]byte(k), k))
	}
	var keys []string
	require.NoError(t, keyvaluedb.ForEachWithPrefix(db, []byte("acc/"), func(key []byte, it keyvaluedb.Iterator) error {
		var v string
		if err := it.Value(&v); err != nil {
			return err
		}
		keys = append(keys, v)
		return nil
	}))
	require.Equal(t, []string{"acc/1", "acc/2"}, keys)

	it := db.First()
	require.True(t, it.Valid())
	require.Equal(t, []byte("acc/1"), it.Key())
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())

	// iterator must be closed before writes, otherwise they deadlock
	require.NoError(t, db.Write([]byte("after"), "x"))
}

func TestBoltDB_Tx(t *testing.T) {
	db := newTestDB(t)
	tx, err := db.StartTx()
	require.NoError(t, err)
	require.NoError(t, tx.Write([]byte("a"), 1))
	var v int
	found, err := tx.Read([]byte("a"), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, tx.Rollback())

	found, err = db.Read([]byte("a"), &v)
	require.NoError(t, err)
	require.False(t, found)

	tx, err = db.StartTx()
	require.NoError(t, err)
	require.NoError(t, tx.Write([]byte("a"), 1))
	require.NoError(t, tx.Delete([]byte("b")))
	require.NoError(t, tx.Commit())
	found, err = db.Read([]byte("a"), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, v)
	require.ErrorIs(t, tx.Write([]byte("a"), 2), keyvaluedb.ErrTxFinished)
	require.ErrorIs(t, tx.Commit(), keyvaluedb.ErrTxFinished)
	require.NoError(t, tx.Rollback())
}
