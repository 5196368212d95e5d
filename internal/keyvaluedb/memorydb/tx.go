package memorydb

import (
	"github.com/alphabill-org/automaton/internal/keyvaluedb"
)

// Tx buffers changes and applies them to the database on Commit. Reads see
// the buffered changes on top of the committed state.
type Tx struct {
	mem *MemoryDB
	// nil value marks deleted key
	changes map[string][]byte
}

func newTx(m *MemoryDB) *Tx {
	return &Tx{mem: m, changes: make(map[string][]byte)}
}

func (t *Tx) Read(key []byte, v any) (bool, error) {
	if err := keyvaluedb.ValidateEntry(key, v); err != nil {
		return false, err
	}
	if t.changes == nil {
		return false, keyvaluedb.ErrTxFinished
	}
	if data, ok := t.changes[string(key)]; ok {
		if data == nil {
			return false, nil
		}
		return true, t.mem.decoder(data, v)
	}
	return t.mem.Read(key, v)
}

func (t *Tx) Write(key []byte, value any) error {
	if err := keyvaluedb.ValidateEntry(key, value); err != nil {
		return err
	}
	if t.changes == nil {
		return keyvaluedb.ErrTxFinished
	}
	b, err := t.mem.encoder(value)
	if err != nil {
		return err
	}
	t.mem.lock.RLock()
	werr := t.mem.writeErr
	t.mem.lock.RUnlock()
	if werr != nil {
		return werr
	}
	t.changes[string(key)] = b
	return nil
}

func (t *Tx) Delete(key []byte) error {
	if err := keyvaluedb.ValidateKey(key); err != nil {
		return err
	}
	if t.changes == nil {
		return keyvaluedb.ErrTxFinished
	}
	t.changes[string(key)] = nil
	return nil
}

func (t *Tx) Rollback() error {
	t.changes = nil
	return nil
}

func (t *Tx) Commit() error {
	if t.changes == nil {
		return keyvaluedb.ErrTxFinished
	}
	t.mem.lock.Lock()
	defer t.mem.lock.Unlock()
	for k, v := range t.changes {
		if v == nil {
			delete(t.mem.db, k)
		} else {
			t.mem.db[k] = v
		}
	}
	t.changes = nil
	return nil
}
