/*
Package memledger is an in-process development ledger. It implements just
enough of an account based ledger (accounts, clock, signatures, compute
budget, nested program calls) to run automations end to end: the automation
and network programs are backed by the engine's own state machine.
*/
package memledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/keyvaluedb"
	"github.com/alphabill-org/automaton/internal/keyvaluedb/memorydb"
	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/ledger/broker"
	"github.com/alphabill-org/automaton/internal/logger"
	"github.com/alphabill-org/automaton/internal/pool"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	DefaultSlotsPerEpoch = 32
	DefaultSlotDuration  = 400 * time.Millisecond
	DefaultBlockhashTTL  = 150
	defaultEventBuffer   = 1024
)

var log = logger.CreateForPackage()

type (
	Config struct {
		SlotsPerEpoch uint64
		// SlotDuration is the pace of Run and the amount the clock's unix
		// timestamp advances per slot.
		SlotDuration time.Duration
		GenesisTime  time.Time
		// BlockhashTTL is the number of slots a blockhash is accepted for.
		BlockhashTTL uint64
		// Admin of the network registry, receives fees of crank work done by
		// workers outside of the pool.
		Admin types.Address
		// Pools are created at genesis with the given sizes.
		Pools []uint64
		// LockRegistry keeps pool rotation disabled until admin unlocks the registry.
		LockRegistry bool
		// DB persists ledger state, state is restored from it when not empty.
		// In-memory database is used when nil.
		DB          keyvaluedb.KeyValueDB
		EventBuffer int
		// Programs are added to the built-in ones.
		Programs map[types.Address]Program
	}

	Ledger struct {
		cfg      Config
		db       keyvaluedb.KeyValueDB
		programs map[types.Address]Program
		events   *broker.MessageBroker

		mu          sync.RWMutex
		accounts    accountMap
		clock       types.Clock
		blockhash   types.Hash
		blockhashes map[types.Hash]uint64
		statuses    map[types.Signature]*ledger.SignatureStatus
		pending     []*types.Transaction
		queued      map[types.Signature]struct{}
		health      error
	}

	ledgerMeta struct {
		_         struct{} `cbor:",toarray"`
		Clock     types.Clock
		Blockhash types.Hash
	}
)

var (
	metaKey          = []byte("meta")
	accountKeyPrefix = []byte("acc/")
)

func accountKey(addr types.Address) []byte {
	return append(append([]byte{}, accountKeyPrefix...), addr[:]...)
}

func New(cfg Config) (*Ledger, error) {
	if cfg.SlotsPerEpoch == 0 {
		cfg.SlotsPerEpoch = DefaultSlotsPerEpoch
	}
	if cfg.SlotDuration <= 0 {
		cfg.SlotDuration = DefaultSlotDuration
	}
	if cfg.BlockhashTTL == 0 {
		cfg.BlockhashTTL = DefaultBlockhashTTL
	}
	if cfg.GenesisTime.IsZero() {
		cfg.GenesisTime = time.Now()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	db := cfg.DB
	if db == nil {
		db = memorydb.New()
	}
	l := &Ledger{
		cfg:         cfg,
		db:          db,
		programs:    builtinPrograms(),
		events:      broker.NewBroker(cfg.EventBuffer, 64),
		accounts:    make(accountMap),
		blockhashes: make(map[types.Hash]uint64),
		statuses:    make(map[types.Signature]*ledger.SignatureStatus),
		queued:      make(map[types.Signature]struct{}),
	}
	for id, p := range cfg.Programs {
		l.programs[id] = p
	}

	empty, err := keyvaluedb.IsEmpty(db)
	if err != nil {
		return nil, fmt.Errorf("checking ledger database: %w", err)
	}
	if empty {
		err = l.genesis()
	} else {
		err = l.restore()
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) genesis() error {
	l.clock = types.Clock{UnixTimestamp: l.cfg.GenesisTime.Unix()}
	h := sha256.Sum256(binary.BigEndian.AppendUint64([]byte("genesis"), uint64(l.clock.UnixTimestamp)))
	l.blockhash = types.Hash(h)
	l.blockhashes[l.blockhash] = 0

	st := newTxState(l.accounts)
	reg := &pool.Registry{Admin: l.cfg.Admin, Locked: l.cfg.LockRegistry, Nonce: types.Hash(h)}
	for i, size := range l.cfg.Pools {
		if size == 0 {
			size = pool.DefaultPoolSize
		}
		if err := putRecord(st, pool.PoolAddress(uint64(i)), &pool.Pool{ID: uint64(i), Size: size, Workers: []types.Address{}}, pool.EncodePool); err != nil {
			return err
		}
		reg.TotalPools++
	}
	if err := putRecord(st, pool.RegistryAddress, reg, pool.EncodeRegistry); err != nil {
		return err
	}
	if err := putRecord(st, pool.SnapshotAddress(0), pool.BuildSnapshot(0, nil), pool.EncodeSnapshot); err != nil {
		return err
	}
	changed := l.apply(st)
	log.Info("Genesis at %s, admin %s, %d pools", l.clock, l.cfg.Admin, len(l.cfg.Pools))
	return l.persist(changed)
}

func (l *Ledger) restore() error {
	meta := &ledgerMeta{}
	found, err := l.db.Read(metaKey, meta)
	if err != nil {
		return fmt.Errorf("reading ledger metadata: %w", err)
	}
	if !found {
		return errors.New("ledger metadata not found in non-empty database")
	}
	l.clock, l.blockhash = meta.Clock, meta.Blockhash
	l.blockhashes[l.blockhash] = l.clock.Slot
	err = keyvaluedb.ForEachWithPrefix(l.db, accountKeyPrefix, func(key []byte, it keyvaluedb.Iterator) error {
		acc := &ledger.Account{}
		if err := it.Value(acc); err != nil {
			return fmt.Errorf("reading account %x: %w", key, err)
		}
		l.accounts[acc.Address] = acc
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("Restored ledger at %s with %d accounts", l.clock, len(l.accounts))
	return nil
}

func putRecord[T any](st *txState, addr types.Address, v T, encode func(T) ([]byte, error)) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	acc := st.modify(addr)
	if acc == nil {
		acc = &ledger.Account{Address: addr}
		st.put(acc)
	}
	acc.Owner = pool.ProgramID
	acc.Data = data
	return nil
}

// apply commits the changes of st into ledger accounts and returns changed
// addresses in order. Must be called with write lock held.
func (l *Ledger) apply(st *txState) []types.Address {
	changed := maps.Keys(st.written)
	sort.Slice(changed, func(i, j int) bool { return changed[i].Compare(changed[j]) < 0 })
	for _, addr := range changed {
		if acc := st.written[addr]; acc != nil {
			l.accounts[addr] = acc
		} else {
			delete(l.accounts, addr)
		}
	}
	return changed
}

func (l *Ledger) persist(changed []types.Address) (err error) {
	tx, err := l.db.StartTx()
	if err != nil {
		return fmt.Errorf("starting database transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	}()
	for _, addr := range changed {
		if acc, ok := l.accounts[addr]; ok {
			err = tx.Write(accountKey(addr), acc)
		} else {
			err = tx.Delete(accountKey(addr))
		}
		if err != nil {
			return fmt.Errorf("persisting account %s: %w", addr, err)
		}
	}
	if err = tx.Write(metaKey, &ledgerMeta{Clock: l.clock, Blockhash: l.blockhash}); err != nil {
		return fmt.Errorf("persisting ledger metadata: %w", err)
	}
	return tx.Commit()
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Events returns the broker ledger events are published to.
func (l *Ledger) Events() *broker.MessageBroker {
	return l.events
}

// SetHealth makes Health return err, nil restores healthy state.
func (l *Ledger) SetHealth(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.health = err
}

func (l *Ledger) Health(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.health != nil {
		return fmt.Errorf("%w: %v", automation.ErrNodeUnhealthy, l.health)
	}
	return nil
}

func (l *Ledger) GetAccount(ctx context.Context, address types.Address) (*ledger.Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, address)
	}
	return acc.Clone(), nil
}

func (l *Ledger) GetProgramAccounts(ctx context.Context, program types.Address, prefix []byte) ([]*ledger.Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var res []*ledger.Account
	for _, acc := range l.accounts {
		if acc.Owner != program || len(acc.Data) < len(prefix) || string(acc.Data[:len(prefix)]) != string(prefix) {
			continue
		}
		res = append(res, acc.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Address.Compare(res[j].Address) < 0 })
	return res, nil
}

func (l *Ledger) GetClock(ctx context.Context) (types.Clock, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.clock, nil
}

func (l *Ledger) GetLatestBlockhash(ctx context.Context) (types.Hash, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blockhash, nil
}

func (l *Ledger) GetSignatureStatuses(ctx context.Context, signatures []types.Signature) ([]*ledger.SignatureStatus, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	res := make([]*ledger.SignatureStatus, len(signatures))
	for i, sig := range signatures {
		if s, ok := l.statuses[sig]; ok {
			c := *s
			res[i] = &c
		}
	}
	return res, nil
}

/*
SendTransaction verifies the transaction and queues it for the next slot.
Only the signatures and blockhash are checked here, execution errors are
reported through the signature status.
*/
func (l *Ledger) SendTransaction(ctx context.Context, tx *types.Transaction) (types.Signature, error) {
	if tx == nil || tx.Message == nil {
		return types.Signature{}, errors.New("transaction message is nil")
	}
	size, err := tx.Size()
	if err != nil {
		return types.Signature{}, err
	}
	if size > types.MaxTransactionSize {
		return types.Signature{}, fmt.Errorf("%w: %d bytes", types.ErrTransactionTooLarge, size)
	}
	if _, err := tx.VerifySignatures(); err != nil {
		return types.Signature{}, err
	}
	sig := tx.Signature()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.blockhashes[tx.Message.RecentBlockhash]; !ok {
		return types.Signature{}, fmt.Errorf("%w: %s", ledger.ErrBlockhashExpired, tx.Message.RecentBlockhash)
	}
	if _, ok := l.queued[sig]; ok {
		return sig, fmt.Errorf("%w: %s", ledger.ErrAlreadyProcessed, sig)
	}
	if _, ok := l.statuses[sig]; ok {
		return sig, fmt.Errorf("%w: %s", ledger.ErrAlreadyProcessed, sig)
	}
	l.pending = append(l.pending, tx)
	l.queued[sig] = struct{}{}
	return sig, nil
}

/*
SimulateTransaction executes the transaction against the current state
without committing it. Signatures and blockhash are not checked, all
required signers are treated as signed.
*/
func (l *Ledger) SimulateTransaction(ctx context.Context, tx *types.Transaction, accounts []types.Address) (*ledger.SimulationResult, error) {
	if tx == nil || tx.Message == nil {
		return nil, errors.New("transaction message is nil")
	}
	signed := make(map[types.Address]struct{})
	for _, s := range tx.Message.Signers() {
		signed[s] = struct{}{}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	res := execute(l.programs, l.accounts, tx, signed, l.clock)
	out := &ledger.SimulationResult{
		Logs:          res.logs,
		UnitsConsumed: res.units,
		Accounts:      make([]*ledger.Account, len(accounts)),
	}
	if res.err != nil {
		out.Err = res.err.Error()
		if code, ok := automation.CodeOf(res.err); ok {
			out.ErrCode = uint8(code)
		}
	}
	var view accountView = l.accounts
	if res.state != nil {
		view = res.state
	}
	for i, addr := range accounts {
		if acc, ok := view.account(addr); ok {
			out.Accounts[i] = acc.Clone()
		}
	}
	return out, nil
}

// Airdrop credits lamports to the address out of thin air, effective immediately.
func (l *Ledger) Airdrop(ctx context.Context, address types.Address, lamports uint64) error {
	l.mu.Lock()
	acc, ok := l.accounts[address]
	if !ok {
		acc = &ledger.Account{Address: address, Owner: types.SystemProgramID}
	} else {
		acc = acc.Clone()
	}
	acc.Lamports += lamports
	l.accounts[address] = acc
	slot := l.clock.Slot
	err := l.persist([]types.Address{address})
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.events.Notify(broker.TopicAccounts, &broker.AccountMessage{Update: ledger.AccountUpdate{Address: address, Slot: slot, Account: acc.Clone()}})
	return nil
}
