package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/logger"
	"github.com/alphabill-org/automaton/internal/types"
)

var log = logger.CreateForPackage()

type (
	AccountReader interface {
		GetAccount(ctx context.Context, address types.Address) (*ledger.Account, error)
	}

	// InstructionSubmitter signs and sends instructions as a single transaction.
	InstructionSubmitter interface {
		SubmitInstructions(ctx context.Context, ixs ...*types.Instruction) (types.Signature, error)
	}

	RotatorConfig struct {
		// Interval is the number of confirmed slots between rotation attempts.
		Interval uint64
		// Grace is the number of slots only pool members may crank an automation
		// after it became due.
		Grace     uint64
		Worker    types.Address
		Signatory types.Address
		Pool      types.Address
	}

	/*
		Rotator tracks whether this node's worker holds a pool position and,
		when the stake weighted sample picks it, asks the ledger to rotate it
		into the pool.
	*/
	Rotator struct {
		cfg       RotatorConfig
		reader    AccountReader
		submitter InstructionSubmitter

		mu           sync.RWMutex
		lastRotation uint64
		started      bool
		inPool       bool
	}
)

func NewRotator(cfg RotatorConfig, reader AccountReader, submitter InstructionSubmitter) (*Rotator, error) {
	if cfg.Interval == 0 {
		return nil, errors.New("rotation interval must be greater than zero")
	}
	if reader == nil || submitter == nil {
		return nil, errors.New("account reader and instruction submitter are required")
	}
	return &Rotator{cfg: cfg, reader: reader, submitter: submitter}, nil
}

// InPool reports pool membership as of the latest refresh.
func (r *Rotator) InPool() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inPool
}

/*
MayCrank implements the liveness fallback: pool members may act on an
automation as soon as it is due, other workers only after the grace period.
*/
func (r *Rotator) MayCrank(dueSince, now uint64) bool {
	if r.InPool() {
		return true
	}
	return now >= dueSince+r.cfg.Grace
}

// Refresh re-reads the pool and updates membership.
func (r *Rotator) Refresh(ctx context.Context) (*Pool, error) {
	p, err := r.readPool(ctx)
	if err != nil {
		return nil, err
	}
	in := p.Contains(r.cfg.Worker)
	r.mu.Lock()
	if in != r.inPool {
		log.Info("Worker %s pool %s membership changed: %v", r.cfg.Worker, r.cfg.Pool, in)
	}
	r.inPool = in
	r.mu.Unlock()
	return p, nil
}

/*
OnSlotConfirmed runs rotation every Interval confirmed slots. Returns the
signature of the rotation transaction when one was submitted.
*/
func (r *Rotator) OnSlotConfirmed(ctx context.Context, clock types.Clock) (types.Signature, error) {
	r.mu.Lock()
	due := !r.started || clock.Slot >= r.lastRotation+r.cfg.Interval
	if due {
		r.started = true
		r.lastRotation = clock.Slot
	}
	r.mu.Unlock()
	if !due {
		return types.Signature{}, nil
	}

	p, err := r.Refresh(ctx)
	if err != nil {
		return types.Signature{}, fmt.Errorf("refreshing pool: %w", err)
	}
	if p.Contains(r.cfg.Worker) {
		return types.Signature{}, nil
	}
	reg, snap, err := r.readSnapshot(ctx)
	if err != nil {
		return types.Signature{}, err
	}
	sampled, ok := snap.Sample(reg.Nonce)
	if !ok {
		log.Trace("Snapshot %d has no stake, skipping rotation", snap.ID)
		return types.Signature{}, nil
	}
	if sampled != r.cfg.Worker {
		log.Trace("Slot %d: worker %s sampled for rotation", clock.Slot, sampled)
		return types.Signature{}, nil
	}
	ix, err := NewPoolRotateInstruction(r.cfg.Signatory, r.cfg.Worker, r.cfg.Pool, snap.ID)
	if err != nil {
		return types.Signature{}, err
	}
	sig, err := r.submitter.SubmitInstructions(ctx, ix)
	if err != nil {
		return types.Signature{}, fmt.Errorf("submitting pool rotation: %w", err)
	}
	log.Info("Slot %d: submitted rotation of worker %s into pool %s, tx %s", clock.Slot, r.cfg.Worker, r.cfg.Pool, sig)
	return sig, nil
}

func (r *Rotator) readPool(ctx context.Context) (*Pool, error) {
	acc, err := r.reader.GetAccount(ctx, r.cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("reading pool %s: %w", r.cfg.Pool, err)
	}
	return DecodePool(acc.Data)
}

func (r *Rotator) readSnapshot(ctx context.Context) (*Registry, *Snapshot, error) {
	acc, err := r.reader.GetAccount(ctx, RegistryAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("reading registry: %w", err)
	}
	reg, err := DecodeRegistry(acc.Data)
	if err != nil {
		return nil, nil, err
	}
	acc, err = r.reader.GetAccount(ctx, SnapshotAddress(reg.CurrentEpoch))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return reg, &Snapshot{ID: reg.CurrentEpoch}, nil
		}
		return nil, nil, fmt.Errorf("reading snapshot %d: %w", reg.CurrentEpoch, err)
	}
	snap, err := DecodeSnapshot(acc.Data)
	if err != nil {
		return nil, nil, err
	}
	return reg, snap, nil
}
