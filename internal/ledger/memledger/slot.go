package memledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/ledger/broker"
	"github.com/alphabill-org/automaton/internal/pool"
	"github.com/alphabill-org/automaton/internal/types"
)

// Run produces a slot every SlotDuration until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.SlotDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.Advance(1); err != nil {
				return fmt.Errorf("producing slot: %w", err)
			}
		}
	}
}

// Advance produces n slots, pending transactions are executed in the first
// one. Returns the clock of the last slot.
func (l *Ledger) Advance(n int) (types.Clock, error) {
	var clock types.Clock
	for i := 0; i < n; i++ {
		var err error
		if clock, err = l.produceSlot(); err != nil {
			return clock, err
		}
	}
	return clock, nil
}

func (l *Ledger) clockAt(slot uint64) types.Clock {
	elapsed := time.Duration(slot) * l.cfg.SlotDuration
	return types.Clock{
		Slot:          slot,
		Epoch:         slot / l.cfg.SlotsPerEpoch,
		UnixTimestamp: l.cfg.GenesisTime.Add(elapsed).Unix(),
	}
}

func (l *Ledger) produceSlot() (types.Clock, error) {
	l.mu.Lock()
	prev := l.clock
	clock := l.clockAt(prev.Slot + 1)
	st := newTxState(l.accounts)
	if clock.Epoch != prev.Epoch {
		if err := l.rolloverEpoch(st, clock); err != nil {
			l.mu.Unlock()
			return prev, fmt.Errorf("epoch %d rollover: %w", clock.Epoch, err)
		}
	}

	txs := l.pending
	l.pending = nil
	for _, tx := range txs {
		sig := tx.Signature()
		delete(l.queued, sig)
		status := &ledger.SignatureStatus{Slot: clock.Slot, Confirmed: true}
		var res *execResult
		if _, ok := l.blockhashes[tx.Message.RecentBlockhash]; !ok {
			res = &execResult{err: ledger.ErrBlockhashExpired}
		} else {
			// signatures were verified when the transaction was queued
			signed, _ := tx.VerifySignatures()
			res = execute(l.programs, st, tx, signed, clock)
		}
		if res.state != nil {
			res.state.mergeInto(st)
		}
		if res.err != nil {
			status.Err = res.err.Error()
			if code, ok := automation.CodeOf(res.err); ok {
				status.ErrCode = uint8(code)
			}
			log.Debug("Transaction %s failed in slot %d: %v", sig, clock.Slot, res.err)
		}
		l.statuses[sig] = status
	}

	l.clock = clock
	h := sha256.Sum256(binary.BigEndian.AppendUint64(l.blockhash[:], clock.Slot))
	l.blockhash = types.Hash(h)
	l.blockhashes[l.blockhash] = clock.Slot
	l.prune(clock.Slot)

	changed := l.apply(st)
	if err := l.persist(changed); err != nil {
		l.mu.Unlock()
		return clock, err
	}
	updates := make([]ledger.AccountUpdate, 0, len(changed))
	for _, addr := range changed {
		upd := ledger.AccountUpdate{Address: addr, Slot: clock.Slot}
		if acc, ok := l.accounts[addr]; ok {
			upd.Account = acc.Clone()
		}
		updates = append(updates, upd)
	}
	l.mu.Unlock()

	if len(txs) > 0 {
		log.Debug("Slot %d: %d transactions, %d accounts changed", clock.Slot, len(txs), len(changed))
	}
	for _, upd := range updates {
		l.events.Notify(broker.TopicAccounts, &broker.AccountMessage{Update: upd})
	}
	l.events.Notify(broker.TopicSlots, &broker.SlotMessage{Clock: clock})
	return clock, nil
}

// prune forgets expired blockhashes and old signature statuses.
func (l *Ledger) prune(slot uint64) {
	if slot < l.cfg.BlockhashTTL {
		return
	}
	horizon := slot - l.cfg.BlockhashTTL
	for h, s := range l.blockhashes {
		if s < horizon {
			delete(l.blockhashes, h)
		}
	}
	if slot%l.cfg.BlockhashTTL == 0 {
		for sig, s := range l.statuses {
			if s.Slot < horizon {
				delete(l.statuses, sig)
			}
		}
	}
}

/*
rolloverEpoch settles pending delegation deposits, recomputes worker stakes
and publishes the stake snapshot of the new epoch. Must be called with write
lock held.
*/
func (l *Ledger) rolloverEpoch(st *txState, clock types.Clock) error {
	stakes := make(map[types.Address]uint64)
	var workers []*pool.Worker
	for addr, acc := range l.accounts {
		if acc.Owner != pool.ProgramID {
			continue
		}
		switch {
		case pool.IsDelegation(acc.Data):
			d, err := pool.DecodeDelegation(acc.Data)
			if err != nil {
				return err
			}
			if d.Settle() > 0 {
				if err := putRecord(st, addr, d, pool.EncodeDelegation); err != nil {
					return err
				}
			}
			stakes[d.Worker] += d.Stake
		case pool.IsWorker(acc.Data):
			w, err := pool.DecodeWorker(acc.Data)
			if err != nil {
				return err
			}
			workers = append(workers, w)
		}
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	for _, w := range workers {
		addr := pool.WorkerAddress(w.ID)
		if stake := stakes[addr]; stake != w.TotalStake {
			w.TotalStake = stake
			if err := putRecord(st, addr, w, pool.EncodeWorker); err != nil {
				return err
			}
		}
	}
	snapshot := pool.BuildSnapshot(clock.Epoch, workers)
	if err := putRecord(st, pool.SnapshotAddress(clock.Epoch), snapshot, pool.EncodeSnapshot); err != nil {
		return err
	}

	acc, ok := st.account(pool.RegistryAddress)
	if !ok {
		return fmt.Errorf("registry account %s not found", pool.RegistryAddress)
	}
	reg, err := pool.DecodeRegistry(acc.Data)
	if err != nil {
		return err
	}
	reg.CurrentEpoch = clock.Epoch
	reg.Nonce = pool.NextNonce(reg.Nonce, clock.Slot)
	log.Info("Epoch %d: %d workers staked %d in total", clock.Epoch, len(snapshot.Entries), snapshot.TotalStake)
	return putRecord(st, pool.RegistryAddress, reg, pool.EncodeRegistry)
}
